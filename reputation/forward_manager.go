package reputation

import (
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// SupplyCapMsat is the total bitcoin supply expressed in millisatoshis,
// the hard ceiling on any htlc amount this manager will accept.
const SupplyCapMsat = 21_000_000 * 100_000_000 * 1000

// ForwardManagerConfig configures a ForwardManager. The slot and liquidity
// portions determine how a newly added channel's capacity is split across
// its three resource buckets: GeneralSlotPortion/GeneralLiquidityPortion go
// to the general bucket, and the remainder is split evenly between
// congestion and protected.
type ForwardManagerConfig struct {
	ReputationParams

	// GeneralSlotPortion is the percentage, in [0, 100], of the BOLT
	// in-flight htlc limit allotted to the general bucket.
	GeneralSlotPortion uint8

	// GeneralLiquidityPortion is the percentage, in [0, 100], of channel
	// capacity allotted to the general bucket.
	GeneralLiquidityPortion uint8

	// Scheme selects which side(s) of a forward must demonstrate
	// sufficient reputation to use the protected bucket.
	Scheme ReputationScheme

	// SaltSource supplies slot-assignment salt for every general bucket
	// this manager creates. Nil uses fresh randomness every time.
	SaltSource SaltSource

	// Reporter is notified once per get_forwarding_outcome call. Nil
	// uses a no-op reporter.
	Reporter Reporter
}

// Validate checks the configuration, returning InvalidMultiplier if the
// reputation multiplier is zero.
func (c ForwardManagerConfig) Validate() error {
	return c.ReputationParams.Validate()
}

func portion(total uint64, pct uint8) uint64 {
	return total * uint64(pct) / 100
}

func portionSlots(total uint16, pct uint8) uint16 {
	return uint16(uint32(total) * uint32(pct) / 100)
}

// bolt limits the number of htlc slots a channel direction may offer,
// matching maxSlotCount.
const boltHtlcLimit = maxSlotCount

// bucketParamsFor derives the general/congestion/protected BucketParameters
// for a channel of the given capacity, per the configured portions. The
// complement of the general portion is split evenly between congestion and
// protected.
func (c ForwardManagerConfig) bucketParamsFor(capacityMsat uint64) (general, congestion, protected BucketParameters) {
	generalSlots := portionSlots(boltHtlcLimit, c.GeneralSlotPortion)
	generalLiquidity := portion(capacityMsat, c.GeneralLiquidityPortion)

	remainingSlots := boltHtlcLimit - generalSlots
	remainingLiquidity := capacityMsat - generalLiquidity

	congestionSlots := remainingSlots / 2
	protectedSlots := remainingSlots - congestionSlots
	congestionLiquidity := remainingLiquidity / 2
	protectedLiquidity := remainingLiquidity - congestionLiquidity

	if generalSlots == 0 {
		generalSlots = 1
	}
	if congestionSlots == 0 {
		congestionSlots = 1
	}
	if protectedSlots == 0 {
		protectedSlots = 1
	}

	return BucketParameters{SlotCount: generalSlots, LiquidityMsat: generalLiquidity},
		BucketParameters{SlotCount: congestionSlots, LiquidityMsat: congestionLiquidity},
		BucketParameters{SlotCount: protectedSlots, LiquidityMsat: protectedLiquidity}
}

// ProposedForward describes a single candidate htlc forward, immutable once
// constructed.
type ProposedForward struct {
	Incoming HtlcRef
	Outgoing SCID

	AmountInMsat  uint64
	AmountOutMsat uint64

	ExpiryInHeight  uint32
	ExpiryOutHeight uint32

	AddedAt time.Time

	IncomingEndorsed      EndorsementSignal
	UpgradableEndorsement bool
}

// feeMsat returns the fee earned by forwarding this htlc.
func (p ProposedForward) feeMsat() uint64 {
	return p.AmountInMsat - p.AmountOutMsat
}

// cltvDelta returns the number of blocks of schedule slack between the
// incoming and outgoing expiries.
func (p ProposedForward) cltvDelta() uint32 {
	return p.ExpiryInHeight - p.ExpiryOutHeight
}

// validate checks the structural invariants a ProposedForward must satisfy
// before it can be evaluated.
func (p ProposedForward) validate() error {
	if p.AmountInMsat > SupplyCapMsat {
		return &ErrAmountExceedsSupply{AmountMsat: p.AmountInMsat}
	}
	if p.AmountInMsat < p.AmountOutMsat {
		return &ErrNegativeFee{IncomingMsat: p.AmountInMsat, OutgoingMsat: p.AmountOutMsat}
	}
	if p.ExpiryInHeight < p.ExpiryOutHeight {
		return &ErrNegativeCltvDelta{IncomingHeight: p.ExpiryInHeight, OutgoingHeight: p.ExpiryOutHeight}
	}
	return nil
}

// ChannelSnapshot is a point-in-time view of a single channel's state,
// suitable for seeding a newly added channel or reporting status externally.
type ChannelSnapshot struct {
	CapacityMsat    uint64
	NonGeneralSlots uint16

	OutgoingReputation int64
	IncomingRevenue    int64

	IncomingLiquidityUtilization float64
	IncomingSlotUtilization      float64
}

// Reporter observes the outcome of every forwarding decision. Implementors
// must not block the caller for long; a batching implementation (see package
// reportcsv) buffers reports and writes them out in batches.
type Reporter interface {
	ReportForward(forwardingNode string, check AllocationCheck, forward ProposedForward)
	Flush(force bool)
}

// NoopReporter discards every report. It is the default when no Reporter is
// configured.
type NoopReporter struct{}

// ReportForward implements Reporter.
func (NoopReporter) ReportForward(string, AllocationCheck, ProposedForward) {}

// Flush implements Reporter.
func (NoopReporter) Flush(bool) {}

// channelEntry bundles the two per-channel state blocks a single SCID owns,
// guarded by its own mutex so that concurrent forwards touching different
// channels never contend on each other.
type channelEntry struct {
	mu sync.Mutex

	incoming *IncomingChannel
	outgoing *OutgoingChannel
}

// ForwardManager is the top-level reputation and resource manager: the
// entry point every proposed htlc forward is evaluated against.
//
// Modeled on htlcForwarder's locking split in the switch this package was
// adapted from: a coarse tableMu protects the channel-table map itself
// (insert/remove only), while per-channel state is protected by each
// channelEntry's own mutex so that forwards on independent channel pairs
// never block each other.
type ForwardManager struct {
	cfg ForwardManagerConfig

	tableMu  sync.RWMutex
	channels map[SCID]*channelEntry

	htlcs *htlcManager

	reporter Reporter
}

// NewForwardManager constructs a ForwardManager from cfg, returning
// InvalidMultiplier if cfg is not usable.
func NewForwardManager(cfg ForwardManagerConfig) (*ForwardManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = NoopReporter{}
	}

	return &ForwardManager{
		cfg:      cfg,
		channels: make(map[SCID]*channelEntry),
		htlcs:    newHtlcManager(cfg.ReputationParams),
		reporter: reporter,
	}, nil
}

// AddChannel registers a new channel, returning ErrChannelExists if id is
// already tracked. snapshot, if non-nil, seeds the channel's decaying
// averages so that reputation built up before a restart is not lost (see
// package saltdb for persisting the slot-assignment salt across restarts
// too).
func (m *ForwardManager) AddChannel(id SCID, capacityMsat uint64, now time.Time, snapshot *ChannelSnapshot) error {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	if _, ok := m.channels[id]; ok {
		return &ErrChannelExists{SCID: id}
	}

	log.Debugf("Adding channel %v with capacity %v msat", id, capacityMsat)

	general, congestion, protected := m.cfg.bucketParamsFor(capacityMsat)

	incoming, err := newIncomingChannel(id, general, congestion, protected, m.cfg.SaltSource)
	if err != nil {
		return err
	}

	nonGeneralSlots := congestion.SlotCount + protected.SlotCount
	outgoing := newOutgoingChannel(capacityMsat, nonGeneralSlots, m.cfg.ReputationParams, now)

	if snapshot != nil {
		if err := outgoing.reputation.addValue(float64(snapshot.OutgoingReputation), now); err != nil {
			return err
		}
		if err := outgoing.revenue.addValue(float64(snapshot.IncomingRevenue), now); err != nil {
			return err
		}
	}

	m.channels[id] = &channelEntry{incoming: incoming, outgoing: outgoing}
	return nil
}

// RemoveChannel drops a channel, returning ErrChannelNotFound if id is not
// tracked. Any htlcs still in flight against the channel are left alone;
// they must be resolved (or abandoned by the caller) independently.
func (m *ForwardManager) RemoveChannel(id SCID) error {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	if _, ok := m.channels[id]; !ok {
		return &ErrChannelNotFound{SCID: id}
	}
	delete(m.channels, id)

	log.Debugf("Removed channel %v", id)
	return nil
}

// lookupPair returns the incoming and outgoing channel entries for a
// proposed forward, holding the table's read lock only long enough to copy
// the map entries -- the entries' own mutexes, not tableMu, guard the state
// inside them.
func (m *ForwardManager) lookupPair(incomingSCID, outgoingSCID SCID) (*channelEntry, *channelEntry, error) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()

	in, ok := m.channels[incomingSCID]
	if !ok {
		return nil, nil, &ErrIncomingNotFound{SCID: incomingSCID}
	}
	out, ok := m.channels[outgoingSCID]
	if !ok {
		return nil, nil, &ErrOutgoingNotFound{SCID: outgoingSCID}
	}
	return in, out, nil
}

// lockPair locks in and out's mutexes, ordered by SCID rather than by
// incoming/outgoing role so that two forwards between the same pair of
// channels in opposite directions can never deadlock against each other. It
// returns the function to call (via defer) to release both locks.
func lockPair(in, out *channelEntry, incomingSCID, outgoingSCID SCID) func() {
	if in == out {
		in.mu.Lock()
		return in.mu.Unlock
	}

	first, second := in, out
	if outgoingSCID < incomingSCID {
		first, second = out, in
	}

	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// buildAllocationCheck assembles the pure decision snapshot for a proposed
// forward, per spec.md §4.4. The only state it changes is the incoming
// channel's memoized general-bucket slot assignment for the outgoing
// channel, made on first reference.
func (m *ForwardManager) buildAllocationCheck(
	in, out *channelEntry,
	incomingSCID, outgoingSCID SCID,
	forward ProposedForward,
) (AllocationCheck, uint64, error) {

	htlcRisk := m.cfg.opportunityCost(forward.feeMsat(), forward.cltvDelta())

	incomingRep, err := in.outgoing.reputationValues(forward.AddedAt, htlcRisk)
	if err != nil {
		return AllocationCheck{}, 0, err
	}
	outgoingRep, err := out.outgoing.reputationValues(forward.AddedAt, htlcRisk)
	if err != nil {
		return AllocationCheck{}, 0, err
	}

	general, err := in.incoming.candidateGeneralResources(outgoingSCID)
	if err != nil {
		return AllocationCheck{}, 0, err
	}

	check := AllocationCheck{
		ReputationCheck: ReputationCheck{
			Incoming: incomingRep,
			Outgoing: outgoingRep,
		},
		CongestionEligible: in.incoming.congestionEligible(),
		ResourceCheck: ResourceCheck{
			GeneralBucket:    general,
			CongestionBucket: out.incoming.congestionResources(),
		},
	}

	return check, htlcRisk, nil
}

// GetForwardingOutcome evaluates forward without reserving resources or
// recording the htlc (see buildAllocationCheck for the slot assignment it
// may memoize), notifying the configured Reporter exactly once.
func (m *ForwardManager) GetForwardingOutcome(forward ProposedForward) (AllocationCheck, error) {
	if err := forward.validate(); err != nil {
		return AllocationCheck{}, err
	}

	in, out, err := m.lookupPair(forward.Incoming.ChannelID, forward.Outgoing)
	if err != nil {
		return AllocationCheck{}, err
	}

	unlock := lockPair(in, out, forward.Incoming.ChannelID, forward.Outgoing)
	defer unlock()

	check, _, err := m.buildAllocationCheck(in, out, forward.Incoming.ChannelID, forward.Outgoing, forward)
	if err != nil {
		return AllocationCheck{}, err
	}

	m.reporter.ReportForward("", check, forward)
	return check, nil
}

// AddHtlc evaluates forward and, if the outcome is Forward, admits it:
// reserving resource-bucket slots/liquidity and recording the htlc as in
// flight so a later ResolveHtlc can release them and update reputation.
func (m *ForwardManager) AddHtlc(forward ProposedForward) (AllocationCheck, error) {
	if err := forward.validate(); err != nil {
		return AllocationCheck{}, err
	}

	incomingSCID := forward.Incoming.ChannelID
	outgoingSCID := forward.Outgoing

	in, out, err := m.lookupPair(incomingSCID, outgoingSCID)
	if err != nil {
		return AllocationCheck{}, err
	}

	unlock := lockPair(in, out, incomingSCID, outgoingSCID)
	defer unlock()

	check, htlcRisk, err := m.buildAllocationCheck(in, out, incomingSCID, outgoingSCID, forward)
	if err != nil {
		return AllocationCheck{}, err
	}

	m.reporter.ReportForward("", check, forward)

	log.Tracef("Allocation check for %v: %v", forward.Incoming, spew.Sdump(check))

	outcome := check.ForwardingOutcome(
		forward.AmountOutMsat, forward.IncomingEndorsed,
		forward.UpgradableEndorsement, m.cfg.Scheme,
	)

	log.Tracef("Forward %v -> %v (ref %v): %v", incomingSCID, outgoingSCID,
		forward.Incoming, outcome)

	if !outcome.Forward {
		return check, nil
	}
	bucket := outcome.Bucket

	// Reject a duplicate reference before reserving any resources for it.
	m.htlcs.mu.Lock()
	_, duplicate := m.htlcs.inFlight[forward.Incoming]
	m.htlcs.mu.Unlock()
	if duplicate {
		return AllocationCheck{}, &ErrDuplicateHtlc{Incoming: forward.Incoming}
	}

	switch bucket {
	case BucketGeneral:
		ok, err := in.incoming.generalBucket.addHtlc(outgoingSCID, forward.AmountOutMsat)
		if err != nil {
			return AllocationCheck{}, err
		}
		if !ok {
			return AllocationCheck{}, newUnrecoverablef(
				"allocation check admitted htlc to general bucket but reservation failed",
			)
		}
	case BucketCongestion:
		if !out.incoming.reserveCongestion(incomingSCID, forward.AmountOutMsat) {
			return AllocationCheck{}, newUnrecoverablef(
				"allocation check admitted htlc to congestion bucket but reservation failed",
			)
		}
	case BucketProtected:
		in.outgoing.chargeRisk(htlcRisk)
		if in != out {
			out.outgoing.chargeRisk(htlcRisk)
		}
	}

	rec := &inFlightHtlc{
		incomingSCID: incomingSCID,
		outgoingSCID: outgoingSCID,
		feeMsat:      forward.feeMsat(),
		amountMsat:   forward.AmountOutMsat,
		cltvDelta:    forward.cltvDelta(),
		addedAt:      forward.AddedAt,
		bucket:       bucket,
		htlcRisk:     htlcRisk,
		scheme:       m.cfg.Scheme,
	}
	if err := m.htlcs.add(forward.Incoming, rec); err != nil {
		return AllocationCheck{}, err
	}

	return check, nil
}

// ResolveHtlc finalizes a previously-admitted htlc: releasing any
// resource-bucket reservation it held and updating the owning channel's
// revenue/reputation.
func (m *ForwardManager) ResolveHtlc(
	outgoingSCID SCID,
	ref HtlcRef,
	resolution ForwardResolution,
	now time.Time,
) error {

	rec, err := m.htlcs.resolve(outgoingSCID, ref)
	if err != nil {
		return err
	}

	in, out, err := m.lookupPair(rec.incomingSCID, rec.outgoingSCID)
	if err != nil {
		return err
	}

	unlock := lockPair(in, out, rec.incomingSCID, rec.outgoingSCID)
	defer unlock()

	switch rec.bucket {
	case BucketGeneral:
		if err := in.incoming.generalBucket.removeHtlc(rec.outgoingSCID, rec.amountMsat); err != nil {
			return err
		}
	case BucketCongestion:
		out.incoming.releaseCongestion(rec.incomingSCID)
	case BucketProtected:
		in.outgoing.releaseRisk(rec.htlcRisk)
		if in != out {
			out.outgoing.releaseRisk(rec.htlcRisk)
		}
	}

	log.Debugf("Resolving htlc %v on outgoing channel %v: %v", ref,
		outgoingSCID, resolution)

	switch resolution {
	case Settled:
		return out.outgoing.settle(rec.feeMsat, rec.htlcRisk, now)
	default:
		return out.outgoing.fail(rec.htlcRisk, now)
	}
}

// ListChannels returns a point-in-time snapshot of every tracked channel.
func (m *ForwardManager) ListChannels(now time.Time) (map[SCID]ChannelSnapshot, error) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()

	result := make(map[SCID]ChannelSnapshot, len(m.channels))
	for scid, entry := range m.channels {
		entry.mu.Lock()
		rep, rev, err := entry.outgoing.snapshot(now)
		if err != nil {
			entry.mu.Unlock()
			return nil, err
		}

		general := entry.incoming.generalResources()
		var liquidityUtil, slotUtil float64
		if general.LiquidityAvailableMsat > 0 {
			liquidityUtil = float64(general.LiquidityUsedMsat) / float64(general.LiquidityAvailableMsat)
		}
		if general.SlotsAvailable > 0 {
			slotUtil = float64(general.SlotsUsed) / float64(general.SlotsAvailable)
		}

		result[scid] = ChannelSnapshot{
			CapacityMsat:                 entry.outgoing.CapacityMsat,
			NonGeneralSlots:              entry.outgoing.NonGeneralSlots,
			OutgoingReputation:           rep,
			IncomingRevenue:              rev,
			IncomingLiquidityUtilization: liquidityUtil,
			IncomingSlotUtilization:      slotUtil,
		}
		entry.mu.Unlock()
	}

	return result, nil
}
