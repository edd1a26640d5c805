package reputation

import (
	"fmt"
	"math"
)

// minCongestionSlotLiquidityMsat is the floor placed on the per-slot
// liquidity limit applied to htlcs using the congestion bucket. Without it,
// a channel with a small congestion bucket split across many slots could end
// up with a limit so low that no real htlc could ever use it.
const minCongestionSlotLiquidityMsat = 15_000_000

// EndorsementSignal is the in-band accountability signal carried on a
// htlc's update_add message.
type EndorsementSignal int

const (
	// Unendorsed indicates the upstream peer has not vouched for the htlc.
	Unendorsed EndorsementSignal = iota
	// Endorsed indicates the upstream peer vouches for the htlc's behavior.
	Endorsed
)

// String implements fmt.Stringer.
func (e EndorsementSignal) String() string {
	if e == Endorsed {
		return "endorsed"
	}
	return "unendorsed"
}

// ResourceBucketType identifies which of the three resource buckets a htlc
// was assigned to.
type ResourceBucketType int

const (
	// BucketGeneral is the default, pseudorandomly partitioned bucket.
	BucketGeneral ResourceBucketType = iota
	// BucketCongestion is the equal-shared fallback bucket used only when
	// the general bucket is full.
	BucketCongestion
	// BucketProtected is reserved for endorsed htlcs from reputable peers.
	BucketProtected
)

// FailureReason explains why a ForwardingOutcome is Fail.
type FailureReason int

const (
	// NoResources indicates the general bucket (and, where applicable,
	// the congestion bucket) had no room for the htlc. The htlc may be
	// retried with endorsement set to gain access to protected resources.
	NoResources FailureReason = iota
	// NoReputation indicates the outgoing peer has insufficient
	// reputation for the htlc to occupy protected resources.
	NoReputation
	// UpgradableSignalModified indicates the upgradable signal has been
	// tampered with in transit, so the htlc should be failed back.
	UpgradableSignalModified
)

// String implements fmt.Stringer.
func (f FailureReason) String() string {
	switch f {
	case NoResources:
		return "no resources"
	case NoReputation:
		return "no reputation"
	case UpgradableSignalModified:
		return "upgradable signal has been modified"
	default:
		return "unknown failure reason"
	}
}

// ForwardingOutcome is the recommended action for a proposed htlc forward:
// forward it with a (possibly re-derived) endorsement signal, or fail it
// back with a reason.
type ForwardingOutcome struct {
	// Forward is true if the htlc should be forwarded.
	Forward bool

	// Endorsement is the signal to re-emit on the outgoing link, valid
	// only when Forward is true.
	Endorsement EndorsementSignal

	// Bucket is the resource bucket the htlc was admitted to, valid only
	// when Forward is true.
	Bucket ResourceBucketType

	// FailureReason explains why the htlc should be failed back, valid
	// only when Forward is false.
	FailureReason FailureReason
}

// String implements fmt.Stringer.
func (f ForwardingOutcome) String() string {
	if f.Forward {
		return fmt.Sprintf("forward as %s", f.Endorsement)
	}
	return fmt.Sprintf("fail due to %s", f.FailureReason)
}

// ReputationScheme selects which side(s) of a forward must demonstrate
// sufficient reputation for a htlc to use protected resources.
type ReputationScheme int

const (
	// ReputationIncoming requires only the incoming channel to have
	// sufficient reputation with us.
	ReputationIncoming ReputationScheme = iota
	// ReputationOutgoing requires only our reputation with the outgoing
	// peer to be sufficient.
	ReputationOutgoing
	// ReputationBidirectional requires both sides to have sufficient
	// reputation.
	ReputationBidirectional
)

// ReputationValues is a snapshot of the values needed to check whether a
// channel has sufficient reputation for a proposed htlc.
type ReputationValues struct {
	// Reputation is the channel's current decayed reputation value.
	Reputation int64

	// RevenueThreshold is the bar reputation must clear, the channel's
	// current decayed revenue value.
	RevenueThreshold int64

	// InFlightTotalRisk is the sum of opportunity cost across all
	// currently-live protected htlcs on the channel.
	InFlightTotalRisk uint64

	// HtlcRisk is the opportunity cost of the htlc being evaluated.
	HtlcRisk uint64
}

// sufficient reports whether reputation, net of in-flight risk and this
// htlc's own risk, strictly exceeds the revenue threshold. The net value may
// go negative; subtractions saturate at math.MinInt64 rather than wrapping.
func (r ReputationValues) sufficient() bool {
	remaining := r.Reputation
	remaining = saturatingSubU64(remaining, r.InFlightTotalRisk)
	remaining = saturatingSubU64(remaining, r.HtlcRisk)
	return remaining > r.RevenueThreshold
}

// saturatingSubU64 subtracts an unsigned risk value from a signed
// reputation value without wrapping past the representable range.
func saturatingSubU64(v int64, sub uint64) int64 {
	if sub > math.MaxInt64 {
		return math.MinInt64
	}
	s := int64(sub)

	// v - s can only underflow past minInt64 when v is already negative
	// and s is positive; clamp rather than wrap in that case.
	if v < 0 && s > 0 && v-s > v {
		return math.MinInt64
	}
	return v - s
}

// ReputationCheck bundles the reputation values for both sides of a
// proposed forward.
type ReputationCheck struct {
	// Incoming carries the incoming channel's reputation values.
	Incoming ReputationValues

	// Outgoing carries the outgoing channel's reputation values.
	Outgoing ReputationValues
}

// sufficient reports whether scheme's reputation requirement is met.
func (r ReputationCheck) sufficient(scheme ReputationScheme) bool {
	switch scheme {
	case ReputationIncoming:
		return r.Incoming.sufficient()
	case ReputationOutgoing:
		return r.Outgoing.sufficient()
	case ReputationBidirectional:
		return r.Incoming.sufficient() && r.Outgoing.sufficient()
	default:
		return false
	}
}

// BucketResources describes the resources currently used in a bucket.
type BucketResources struct {
	SlotsUsed              uint16
	SlotsAvailable         uint16
	LiquidityUsedMsat      uint64
	LiquidityAvailableMsat uint64
}

// resourcesAvailable reports whether the bucket has room for one more htlc
// of amountMsat: both a free slot and enough remaining liquidity.
func (b BucketResources) resourcesAvailable(amountMsat uint64) bool {
	if b.LiquidityUsedMsat+amountMsat > b.LiquidityAvailableMsat {
		return false
	}
	if b.SlotsUsed+1 > b.SlotsAvailable {
		return false
	}
	return true
}

// ResourceCheck is a snapshot of the bucket occupancy used to evaluate a
// proposed forward: the incoming channel's general-bucket slots assigned to
// the outgoing channel, and the outgoing channel's congestion bucket.
type ResourceCheck struct {
	GeneralBucket    BucketResources
	CongestionBucket BucketResources
}

// AllocationCheck is a pure, immutable snapshot of the reputation and
// resource state relevant to a single proposed forward. It is the sole
// input to the forwarding-outcome decision procedure in ForwardingOutcome,
// which never itself reads or mutates manager state.
type AllocationCheck struct {
	// ReputationCheck carries the incoming and outgoing reputation
	// values relevant to the forward.
	ReputationCheck ReputationCheck

	// CongestionEligible is true iff the incoming channel currently
	// occupies zero of its general-bucket slots globally -- the
	// heuristic used to decide whether a "quiet" channel may borrow
	// congestion resources.
	CongestionEligible bool

	// ResourceCheck carries the general and congestion bucket occupancy.
	ResourceCheck ResourceCheck
}

// ForwardingOutcome returns the recommended action to be taken for the htlc
// forward described by the arguments, evaluated against the decision table
// in spec.md §4.5.
func (a AllocationCheck) ForwardingOutcome(
	htlcAmtMsat uint64,
	incomingEndorsed EndorsementSignal,
	incomingUpgradable bool,
	scheme ReputationScheme,
) ForwardingOutcome {

	bucket, reason, ok := a.innerForwardingOutcome(
		htlcAmtMsat, incomingEndorsed, incomingUpgradable, scheme,
	)
	if !ok {
		return ForwardingOutcome{Forward: false, FailureReason: reason}
	}

	switch bucket {
	case BucketProtected:
		return ForwardingOutcome{Forward: true, Endorsement: Endorsed, Bucket: bucket}
	default: // BucketGeneral, BucketCongestion
		return ForwardingOutcome{Forward: true, Endorsement: Unendorsed, Bucket: bucket}
	}
}

// innerForwardingOutcome implements the decision table in spec.md §4.5. It
// returns the resource bucket to use and ok=true on success, or a
// FailureReason and ok=false.
func (a AllocationCheck) innerForwardingOutcome(
	htlcAmtMsat uint64,
	incomingEndorsed EndorsementSignal,
	incomingUpgradable bool,
	scheme ReputationScheme,
) (ResourceBucketType, FailureReason, bool) {

	if incomingEndorsed == Endorsed && !incomingUpgradable {
		return 0, UpgradableSignalModified, false
	}

	if incomingEndorsed == Endorsed {
		if a.ReputationCheck.sufficient(scheme) {
			return BucketProtected, 0, true
		}

		if a.congestionResourcesAvailable(htlcAmtMsat) {
			return BucketCongestion, 0, true
		}

		// When we only need incoming reputation, downstream
		// misbehavior isn't held against us, so we can fall back to
		// general resources. Outgoing/bidirectional schemes drop the
		// htlc instead, since admitting it risks our own reputation
		// with the outgoing peer.
		if scheme != ReputationIncoming {
			return 0, NoReputation, false
		}

		if a.ResourceCheck.GeneralBucket.resourcesAvailable(htlcAmtMsat) {
			return BucketGeneral, 0, true
		}
		return 0, NoResources, false
	}

	// Unendorsed.
	if incomingUpgradable && a.ReputationCheck.sufficient(scheme) {
		return BucketProtected, 0, true
	}

	if a.ResourceCheck.GeneralBucket.resourcesAvailable(htlcAmtMsat) {
		return BucketGeneral, 0, true
	}
	return 0, NoResources, false
}

// congestionResourcesAvailable reports whether the congestion bucket has
// room for a htlc of htlcAmtMsat. Congestion resources only ever kick in
// once the general bucket is full (to avoid diverting traffic away from the
// cheaper path), only for channels deemed congestion-eligible, and liquidity
// is strictly equal-shared across slots subject to a floor so tiny channels
// don't end up with an unusably small per-htlc limit.
func (a AllocationCheck) congestionResourcesAvailable(htlcAmtMsat uint64) bool {
	congestion := a.ResourceCheck.CongestionBucket

	if congestion.SlotsAvailable == 0 || congestion.LiquidityAvailableMsat == 0 {
		return false
	}

	if a.ResourceCheck.GeneralBucket.resourcesAvailable(htlcAmtMsat) {
		return false
	}

	if !a.CongestionEligible {
		return false
	}

	if !congestion.resourcesAvailable(htlcAmtMsat) {
		return false
	}

	perSlot := congestion.LiquidityAvailableMsat / uint64(congestion.SlotsAvailable)
	if perSlot < minCongestionSlotLiquidityMsat {
		perSlot = minCongestionSlotLiquidityMsat
	}

	return htlcAmtMsat <= perSlot
}
