package reputation

import "time"

// OutgoingChannel tracks the economic state of a single channel: the revenue
// it has earned, the reputation it has built from that revenue, and the risk
// currently outstanding against that reputation from htlcs admitted to the
// protected bucket. Every tracked channel has exactly one OutgoingChannel,
// consulted whenever the channel's own track record -- whether it is playing
// the incoming or the outgoing side of a particular proposed forward --
// needs to be weighed.
type OutgoingChannel struct {
	// CapacityMsat is the channel's total capacity, reported in
	// ChannelSnapshot.
	CapacityMsat uint64

	// NonGeneralSlots is the policy-derived sum of the congestion and
	// protected bucket slot counts, reported in ChannelSnapshot.
	NonGeneralSlots uint16

	revenue    *decayingAverage
	reputation *decayingAverage

	// inFlightRisk is the sum of htlcRisk across every currently-live
	// protected-bucket htlc that is charged against this channel's
	// reputation, whether as the incoming or outgoing side of the
	// forward it belongs to.
	inFlightRisk uint64
}

// newOutgoingChannel constructs an OutgoingChannel whose decaying averages
// start at zero at the given instant.
func newOutgoingChannel(
	capacityMsat uint64,
	nonGeneralSlots uint16,
	params ReputationParams,
	start time.Time,
) *OutgoingChannel {

	return &OutgoingChannel{
		CapacityMsat:    capacityMsat,
		NonGeneralSlots: nonGeneralSlots,
		revenue:         newDecayingAverage(params.RevenueWindow, start),
		reputation:      newDecayingAverage(params.reputationWindow(), start),
	}
}

// reputationValues returns a snapshot of the values needed to evaluate
// whether this channel's reputation is sufficient for a htlc that would add
// htlcRisk to its outstanding risk.
func (c *OutgoingChannel) reputationValues(now time.Time, htlcRisk uint64) (ReputationValues, error) {
	rep, err := c.reputation.valueAt(now)
	if err != nil {
		return ReputationValues{}, err
	}

	threshold, err := c.revenue.valueAt(now)
	if err != nil {
		return ReputationValues{}, err
	}

	return ReputationValues{
		Reputation:        int64(rep),
		RevenueThreshold:  int64(threshold),
		InFlightTotalRisk: c.inFlightRisk,
		HtlcRisk:          htlcRisk,
	}, nil
}

// chargeRisk adds htlcRisk to the channel's outstanding in-flight risk,
// charged while a protected-bucket htlc is in flight against its reputation.
func (c *OutgoingChannel) chargeRisk(htlcRisk uint64) {
	c.inFlightRisk += htlcRisk
}

// releaseRisk reverses a prior chargeRisk, saturating at zero rather than
// wrapping if called more than once for the same htlc.
func (c *OutgoingChannel) releaseRisk(htlcRisk uint64) {
	if c.inFlightRisk < htlcRisk {
		c.inFlightRisk = 0
		return
	}
	c.inFlightRisk -= htlcRisk
}

// settle records a successfully resolved htlc: the fee is added to revenue,
// and the effective fee (net of the risk it carried) is added to reputation.
// A htlc that settles despite carrying a large risk still grows reputation
// by less than its raw fee would suggest.
func (c *OutgoingChannel) settle(feeMsat uint64, htlcRisk uint64, now time.Time) error {
	if err := c.revenue.addValue(float64(feeMsat), now); err != nil {
		return err
	}

	effectiveFee := saturatingSubU64(int64(feeMsat), htlcRisk)
	return c.reputation.addValue(float64(effectiveFee), now)
}

// fail records a htlc that failed to resolve successfully: revenue is
// unaffected, but the risk it carried is charged against reputation, since a
// htlc that occupied protected resources without paying for them is exactly
// the behavior reputation exists to discourage.
func (c *OutgoingChannel) fail(htlcRisk uint64, now time.Time) error {
	return c.reputation.addValue(-float64(htlcRisk), now)
}

// snapshot returns the portion of a ChannelSnapshot sourced from this
// channel's own economic state.
func (c *OutgoingChannel) snapshot(now time.Time) (outgoingReputation int64, revenue int64, err error) {
	rep, err := c.reputation.valueAt(now)
	if err != nil {
		return 0, 0, err
	}

	rev, err := c.revenue.valueAt(now)
	if err != nil {
		return 0, 0, err
	}

	return int64(rep), int64(rev), nil
}
