package reputation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fullGeneralBucket() BucketResources {
	return BucketResources{
		SlotsUsed:              5,
		SlotsAvailable:         5,
		LiquidityUsedMsat:      500_000,
		LiquidityAvailableMsat: 500_000,
	}
}

func roomyGeneralBucket() BucketResources {
	return BucketResources{
		SlotsUsed:              0,
		SlotsAvailable:         5,
		LiquidityUsedMsat:      0,
		LiquidityAvailableMsat: 500_000,
	}
}

func roomyCongestionBucket() BucketResources {
	return BucketResources{
		SlotsUsed:              0,
		SlotsAvailable:         10,
		LiquidityUsedMsat:      0,
		LiquidityAvailableMsat: 10 * minCongestionSlotLiquidityMsat,
	}
}

// TestEndorsedNoReputationUnderBidirectional is scenario S4.
func TestEndorsedNoReputationUnderBidirectional(t *testing.T) {
	t.Parallel()

	check := AllocationCheck{
		ReputationCheck: ReputationCheck{
			Incoming: ReputationValues{Reputation: 0, RevenueThreshold: 0},
			Outgoing: ReputationValues{Reputation: 0, RevenueThreshold: 0},
		},
		CongestionEligible: true,
		ResourceCheck: ResourceCheck{
			GeneralBucket:    fullGeneralBucket(),
			CongestionBucket: roomyCongestionBucket(),
		},
	}

	outcome := check.ForwardingOutcome(10, Endorsed, true, ReputationBidirectional)
	require.True(t, outcome.Forward)
	require.Equal(t, BucketCongestion, outcome.Bucket)
	require.Equal(t, Unendorsed, outcome.Endorsement)

	check.CongestionEligible = false
	outcome = check.ForwardingOutcome(10, Endorsed, true, ReputationBidirectional)
	require.False(t, outcome.Forward)
	require.Equal(t, NoReputation, outcome.FailureReason)
}

// TestUpgradeOfUnendorsedHtlc is scenario S5.
func TestUpgradeOfUnendorsedHtlc(t *testing.T) {
	t.Parallel()

	check := AllocationCheck{
		ReputationCheck: ReputationCheck{
			Incoming: ReputationValues{Reputation: 1000, RevenueThreshold: 0},
			Outgoing: ReputationValues{Reputation: 1000, RevenueThreshold: 0},
		},
		CongestionEligible: true,
		ResourceCheck: ResourceCheck{
			GeneralBucket:    roomyGeneralBucket(),
			CongestionBucket: roomyCongestionBucket(),
		},
	}

	outcome := check.ForwardingOutcome(10, Unendorsed, true, ReputationBidirectional)
	require.True(t, outcome.Forward)
	require.Equal(t, BucketProtected, outcome.Bucket)
	require.Equal(t, Endorsed, outcome.Endorsement)

	outcome = check.ForwardingOutcome(10, Unendorsed, false, ReputationBidirectional)
	require.True(t, outcome.Forward)
	require.Equal(t, BucketGeneral, outcome.Bucket)
	require.Equal(t, Unendorsed, outcome.Endorsement)
}

// TestTamperedSignal is scenario S6.
func TestTamperedSignal(t *testing.T) {
	t.Parallel()

	check := AllocationCheck{
		ReputationCheck: ReputationCheck{
			Incoming: ReputationValues{Reputation: 1000, RevenueThreshold: 0},
			Outgoing: ReputationValues{Reputation: 1000, RevenueThreshold: 0},
		},
		CongestionEligible: true,
		ResourceCheck: ResourceCheck{
			GeneralBucket:    roomyGeneralBucket(),
			CongestionBucket: roomyCongestionBucket(),
		},
	}

	outcome := check.ForwardingOutcome(10, Endorsed, false, ReputationBidirectional)
	require.False(t, outcome.Forward)
	require.Equal(t, UpgradableSignalModified, outcome.FailureReason)
}

func TestReputationValuesSufficientSaturates(t *testing.T) {
	t.Parallel()

	values := ReputationValues{
		Reputation:        100,
		RevenueThreshold:  0,
		InFlightTotalRisk: 1000,
		HtlcRisk:          1000,
	}
	// reputation net of risk is 100-1000-1000 = -1900 (the subtraction
	// does not wrap), so the predicate should be false (-1900 is not > 0).
	require.False(t, values.sufficient())

	values.Reputation = 2001
	require.True(t, values.sufficient())
}

func TestReputationSchemeSelectsCorrectSide(t *testing.T) {
	t.Parallel()

	check := ReputationCheck{
		Incoming: ReputationValues{Reputation: 100, RevenueThreshold: 0},
		Outgoing: ReputationValues{Reputation: 0, RevenueThreshold: 100},
	}

	require.True(t, check.sufficient(ReputationIncoming))
	require.False(t, check.sufficient(ReputationOutgoing))
	require.False(t, check.sufficient(ReputationBidirectional))
}

// TestDecisionTableExhaustiveness is property P7: every combination of the
// inputs the table switches on must match one of the nine named cases.
func TestDecisionTableExhaustiveness(t *testing.T) {
	t.Parallel()

	insufficientRep := ReputationValues{Reputation: 0, RevenueThreshold: 0}
	sufficientRep := ReputationValues{Reputation: 1000, RevenueThreshold: 0}

	for _, endorsed := range []EndorsementSignal{Endorsed, Unendorsed} {
		for _, upgradable := range []bool{true, false} {
			for _, repSufficient := range []bool{true, false} {
				for _, generalRoom := range []bool{true, false} {
					for _, congestionEligible := range []bool{true, false} {
						for _, scheme := range []ReputationScheme{
							ReputationIncoming, ReputationOutgoing, ReputationBidirectional,
						} {
							rep := insufficientRep
							if repSufficient {
								rep = sufficientRep
							}

							general := roomyGeneralBucket()
							if !generalRoom {
								general = fullGeneralBucket()
							}

							check := AllocationCheck{
								ReputationCheck: ReputationCheck{
									Incoming: rep,
									Outgoing: rep,
								},
								CongestionEligible: congestionEligible,
								ResourceCheck: ResourceCheck{
									GeneralBucket:    general,
									CongestionBucket: roomyCongestionBucket(),
								},
							}

							outcome := check.ForwardingOutcome(10, endorsed, upgradable, scheme)
							verifyAgainstDecisionTable(t, check, outcome, endorsed, upgradable, repSufficient, generalRoom, scheme)
						}
					}
				}
			}
		}
	}
}

func verifyAgainstDecisionTable(
	t *testing.T,
	check AllocationCheck,
	outcome ForwardingOutcome,
	endorsed EndorsementSignal,
	upgradable bool,
	repSufficient bool,
	generalRoom bool,
	scheme ReputationScheme,
) {
	t.Helper()

	congestionAvailable := check.congestionResourcesAvailable(10)

	switch {
	case endorsed == Endorsed && !upgradable:
		require.False(t, outcome.Forward)
		require.Equal(t, UpgradableSignalModified, outcome.FailureReason)

	case endorsed == Endorsed && repSufficient:
		require.True(t, outcome.Forward)
		require.Equal(t, BucketProtected, outcome.Bucket)

	case endorsed == Endorsed && congestionAvailable:
		require.True(t, outcome.Forward)
		require.Equal(t, BucketCongestion, outcome.Bucket)

	case endorsed == Endorsed && scheme == ReputationIncoming && generalRoom:
		require.True(t, outcome.Forward)
		require.Equal(t, BucketGeneral, outcome.Bucket)

	case endorsed == Endorsed && scheme != ReputationIncoming:
		require.False(t, outcome.Forward)
		require.Equal(t, NoReputation, outcome.FailureReason)

	case endorsed == Endorsed:
		require.False(t, outcome.Forward)
		require.Equal(t, NoResources, outcome.FailureReason)

	case endorsed == Unendorsed && upgradable && repSufficient:
		require.True(t, outcome.Forward)
		require.Equal(t, BucketProtected, outcome.Bucket)

	case endorsed == Unendorsed && generalRoom:
		require.True(t, outcome.Forward)
		require.Equal(t, BucketGeneral, outcome.Bucket)

	default:
		require.False(t, outcome.Forward)
		require.Equal(t, NoResources, outcome.FailureReason)
	}
}
