package reputation

import (
	"github.com/NebulousLabs/fastrand"
	"github.com/btcsuite/fastsha256"
)

// assignedSlots is the number of general-bucket slot indices assigned to
// each candidate channel. Capping every candidate at the same
// small number prevents a single adversarial peer from monopolizing a
// channel's general resources.
const assignedSlots = 5

// maxSlotCount is the largest slot_count a bucket may be configured with,
// matching the BOLT protocol's maximum number of in-flight HTLCs per
// channel direction.
const maxSlotCount = 483

// BucketParameters describes the size of a resource bucket: how many HTLC
// slots it has, and how much liquidity backs them.
type BucketParameters struct {
	// SlotCount is the number of HTLC slots available in the bucket, in
	// [1, 483].
	SlotCount uint16

	// LiquidityMsat is the total liquidity backing the bucket.
	LiquidityMsat uint64
}

// SaltSource produces the salt used to derive slot assignments for a
// candidate channel in a general bucket. The default source generates fresh
// randomness on every call; a persisted implementation (see package saltdb)
// can instead remember salts across process restarts so that an operator
// restarting a long-running node does not reshuffle every candidate
// channel's slot assignments.
//
// Salt is only ever requested once per (ownSCID, candidateSCID) pair over
// the life of a single GeneralBucket, since the bucket memoizes the
// resulting slot assignment itself — so an ephemeral source need not do its
// own memoization.
type SaltSource interface {
	// Salt returns 32 bytes of salt to use when deriving slot assignments
	// between ownSCID (the bucket's own channel) and candidateSCID.
	Salt(ownSCID, candidateSCID SCID) ([32]byte, error)
}

// randomSaltSource is the default SaltSource: fresh randomness every call,
// not persisted anywhere. This is today's behavior — salt regenerates every
// time the process restarts and a channel's general bucket is recreated.
type randomSaltSource struct{}

// Salt implements SaltSource.
func (randomSaltSource) Salt(_, _ SCID) ([32]byte, error) {
	var salt [32]byte
	fastrand.Read(salt[:])
	return salt, nil
}

// generalBucket is the default admission bucket for a channel's HTLC slots:
// slots are pseudorandomly partitioned among candidate channels (in a
// ForwardManager, the outgoing channels of forwards arriving on this
// channel) so that no single peer can predict, or fully consume, the
// resources available to its neighbors.
//
// The htlcSlots vector is a global view, redundant with the union of every
// candidate's own slot map in candidateSlots -- we could always recompute
// occupancy by scanning every candidate, but we track it directly here for
// O(1) admission checks. Invariant IG1 in spec.md §3 requires the two to
// always agree; the assertions in addHtlc/removeHtlc below exist to catch the
// "add-then-remove in the wrong order" class of bug that desynchronizes
// them.
type generalBucket struct {
	params BucketParameters

	// scid is the short channel ID of the channel this bucket belongs
	// to. When this channel is the incoming link of a proposed forward,
	// its general bucket partitions its own slots pseudorandomly among
	// the various outgoing channels it might forward toward.
	scid SCID

	// htlcSlots tracks global occupancy of each slot index.
	htlcSlots []bool

	// slotSizeMsat is the amount of liquidity represented by one slot.
	slotSizeMsat uint64

	// candidateSlots maps a candidate channel to the slot
	// indices it has been assigned and whether each is currently
	// occupied by that candidate's own in-flight htlc.
	candidateSlots map[SCID]map[uint16]bool

	saltSource SaltSource
}

// newGeneralBucket creates a new general bucket for the given channel and
// parameters. saltSource may be nil, in which case a fresh-randomness
// source is used.
func newGeneralBucket(scid SCID, params BucketParameters, saltSource SaltSource) (*generalBucket, error) {
	if params.SlotCount == 0 {
		return nil, newUnrecoverablef(
			"channel %d: slot count must be non-zero", scid,
		)
	}

	slotSizeMsat := params.LiquidityMsat / uint64(params.SlotCount)
	if slotSizeMsat == 0 {
		return nil, newUnrecoverablef(
			"channel %d size: %d with %d slots results in zero "+
				"liquidity bucket", scid, params.LiquidityMsat,
			params.SlotCount,
		)
	}

	if saltSource == nil {
		saltSource = randomSaltSource{}
	}

	return &generalBucket{
		params:         params,
		scid:           scid,
		htlcSlots:      make([]bool, params.SlotCount),
		slotSizeMsat:   slotSizeMsat,
		candidateSlots: make(map[SCID]map[uint16]bool),
		saltSource:     saltSource,
	}, nil
}

// removeChannel drops a candidate channel from internal state, returning
// whether anything was removed. Slots the candidate held in htlcSlots
// remain occupied until the governing htlcs are individually resolved via
// removeHtlc -- removeChannel only forgets the bucket's own bookkeeping for
// the candidate.
func (g *generalBucket) removeChannel(candidateSCID SCID) bool {
	if _, ok := g.candidateSlots[candidateSCID]; !ok {
		return false
	}
	delete(g.candidateSlots, candidateSCID)
	return true
}

// sha256d returns the double-SHA256 digest of data.
func sha256d(data []byte) [32]byte {
	first := fastsha256.Sum256(data)
	return fastsha256.Sum256(first[:])
}

// getCandidateSlots returns the set of slot indices a candidate channel has
// permission to use in this bucket, assigning them (once, memoized for the
// life of the bucket) on first reference.
func (g *generalBucket) getCandidateSlots(candidateSCID SCID) ([]uint16, error) {
	if candidateSCID == g.scid {
		return nil, newUnrecoverablef(
			"can't self-assign slots: %d", candidateSCID,
		)
	}

	if existing, ok := g.candidateSlots[candidateSCID]; ok {
		slots := make([]uint16, 0, len(existing))
		for idx := range existing {
			slots = append(slots, idx)
		}
		return slots, nil
	}

	salt, err := g.saltSource.Salt(g.scid, candidateSCID)
	if err != nil {
		return nil, newUnrecoverablef(
			"could not obtain salt for %d -> %d: %v",
			g.scid, candidateSCID, err,
		)
	}

	data := make([]byte, 0, len(salt)+8+8+1)
	data = append(data, salt[:]...)
	data = appendUint64BE(data, uint64(g.scid))
	data = appendUint64BE(data, uint64(candidateSCID))
	iOffset := len(data)
	data = append(data, 0)

	result := make(map[uint16]bool, assignedSlots)
	maxAttempts := assignedSlots * 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if len(result) == assignedSlots {
			break
		}

		data[iOffset] = byte(attempt)
		hash := sha256d(data)

		hashNum := beUint64(hash[0:8])
		slotIdx := uint16(hashNum % uint64(len(g.htlcSlots)))

		if _, ok := result[slotIdx]; !ok {
			result[slotIdx] = false
		}
	}

	if len(result) < assignedSlots {
		return nil, newUnrecoverablef(
			"could not assign %d unique slots for channel %d, "+
				"only found %d", assignedSlots, candidateSCID,
			len(result),
		)
	}

	g.candidateSlots[candidateSCID] = result

	slots := make([]uint16, 0, len(result))
	for idx := range result {
		slots = append(slots, idx)
	}
	return slots, nil
}

// requiredSlotCount returns the number of slots a htlc of amountMsat needs.
func (g *generalBucket) requiredSlotCount(amountMsat uint64) uint64 {
	if amountMsat == 0 {
		return 1
	}

	required := amountMsat / g.slotSizeMsat
	if amountMsat%g.slotSizeMsat != 0 {
		required++
	}

	if required < 1 {
		return 1
	}
	return required
}

// getUsableSlots returns a subset of the candidate's assigned slots that are
// currently free and large enough to hold amountMsat, or nil if there are
// not enough free slots.
func (g *generalBucket) getUsableSlots(candidateSCID SCID, amountMsat uint64) ([]uint16, error) {
	// A jammed bucket has no slots and no liquidity, so nothing fits.
	if len(g.htlcSlots) == 0 || g.slotSizeMsat == 0 {
		return nil, nil
	}

	required := g.requiredSlotCount(amountMsat)

	slots, err := g.getCandidateSlots(candidateSCID)
	if err != nil {
		return nil, err
	}

	available := make([]uint16, 0, len(slots))
	for _, idx := range slots {
		if !g.htlcSlots[idx] {
			available = append(available, idx)
		}
	}

	if uint64(len(available)) < required {
		return nil, nil
	}

	return available[:required], nil
}

// mayAddHtlc reports whether the bucket has room for a htlc of amountMsat
// from candidateSCID, without reserving anything. It may still mutate the
// bucket to opportunistically assign slots to a candidate seen for the
// first time.
func (g *generalBucket) mayAddHtlc(candidateSCID SCID, amountMsat uint64) (bool, error) {
	slots, err := g.getUsableSlots(candidateSCID, amountMsat)
	if err != nil {
		return false, err
	}
	return slots != nil, nil
}

// addHtlc reserves slots for a htlc of amountMsat from candidateSCID,
// returning false (not an error) if there isn't room.
func (g *generalBucket) addHtlc(candidateSCID SCID, amountMsat uint64) (bool, error) {
	slots, err := g.getUsableSlots(candidateSCID, amountMsat)
	if err != nil {
		return false, err
	}
	if slots == nil {
		return false, nil
	}

	channelSlots, ok := g.candidateSlots[candidateSCID]
	if !ok {
		return false, &ErrChannelNotFound{SCID: candidateSCID}
	}

	for _, idx := range slots {
		if g.htlcSlots[idx] {
			return false, newUnrecoverablef(
				"htlc_slots inconsistent with usable_slots at index %d", idx,
			)
		}
		g.htlcSlots[idx] = true

		occupied, ok := channelSlots[idx]
		if !ok {
			return false, newUnrecoverablef(
				"candidate %d missing slot %d", candidateSCID, idx,
			)
		}
		if occupied {
			return false, newUnrecoverablef(
				"channel slots inconsistent with htlc_slots at index %d", idx,
			)
		}
		channelSlots[idx] = true
	}

	return true, nil
}

// removeHtlc frees slots previously reserved for a htlc of amountMsat from
// candidateSCID, returning ErrBucketTooEmpty if the candidate does not
// currently have enough occupied slots to free.
func (g *generalBucket) removeHtlc(candidateSCID SCID, amountMsat uint64) error {
	required := g.requiredSlotCount(amountMsat)

	channelSlots, ok := g.candidateSlots[candidateSCID]
	if !ok {
		return &ErrChannelNotFound{SCID: candidateSCID}
	}

	occupied := make([]uint16, 0, len(channelSlots))
	for idx, isOccupied := range channelSlots {
		if isOccupied {
			occupied = append(occupied, idx)
		}
	}

	if uint64(len(occupied)) < required {
		return &ErrBucketTooEmpty{AmountMsat: amountMsat}
	}

	for _, idx := range occupied[:required] {
		if !g.htlcSlots[idx] {
			return newUnrecoverablef(
				"htlc_slots inconsistent with channel slots at index %d", idx,
			)
		}
		g.htlcSlots[idx] = false

		if !channelSlots[idx] {
			return newUnrecoverablef(
				"channel_slots out of consistency with occupied slots at index %d",
				idx,
			)
		}
		channelSlots[idx] = false
	}

	return nil
}

// candidateResources returns a snapshot of candidateSCID's own assigned
// slots: how many of its ASSIGNED_SLOTS indices are currently occupied. This
// is what the forwarding-outcome decision actually cares about, since
// admission is always evaluated against one specific candidate's slot set,
// not the bucket's global occupancy.
func (g *generalBucket) candidateResources(candidateSCID SCID) (BucketResources, error) {
	slots, err := g.getCandidateSlots(candidateSCID)
	if err != nil {
		return BucketResources{}, err
	}

	used := 0
	for _, idx := range slots {
		if g.htlcSlots[idx] {
			used++
		}
	}

	return BucketResources{
		SlotsUsed:              uint16(used),
		SlotsAvailable:         uint16(len(slots)),
		LiquidityUsedMsat:      uint64(used) * g.slotSizeMsat,
		LiquidityAvailableMsat: uint64(len(slots)) * g.slotSizeMsat,
	}, nil
}

// resources returns a snapshot of the bucket's current slot and liquidity
// occupancy.
func (g *generalBucket) resources() BucketResources {
	used := 0
	for _, occupied := range g.htlcSlots {
		if occupied {
			used++
		}
	}

	return BucketResources{
		SlotsUsed:              uint16(used),
		SlotsAvailable:         g.params.SlotCount,
		LiquidityUsedMsat:      uint64(used) * g.slotSizeMsat,
		LiquidityAvailableMsat: g.params.LiquidityMsat,
	}
}

// jam zeroes the bucket's slot count and liquidity, making all future
// admissions fail. Used to simulate a totally-jammed channel.
func (g *generalBucket) jam() {
	g.params = BucketParameters{}
	g.htlcSlots = nil
	g.slotSizeMsat = 0
}

func appendUint64BE(data []byte, v uint64) []byte {
	return append(data,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

// IncomingChannel houses the three resource buckets a channel offers to the
// candidate upstream channels that forward htlcs through it: the default
// general bucket, the congestion fallback, and the protected bucket reserved
// for endorsed htlcs from reputable peers.
//
// Unlike the general bucket, congestion is not pseudorandomly partitioned --
// it is a single shared pool in which a candidate channel may hold at most
// one reservation at a time, a constraint enforced by congestionOccupancy
// rather than anything in BucketParameters. The protected bucket has no
// occupancy tracking at all: admission there is gated by reputation alone
// (see AllocationCheck.innerForwardingOutcome), so ProtectedBucket exists
// only to report NonGeneralSlots.
type IncomingChannel struct {
	generalBucket *generalBucket

	// CongestionBucket is the fallback bucket used only once the general
	// bucket is full.
	CongestionBucket BucketParameters

	// congestionOccupancy maps a candidate channel currently holding a
	// congestion-bucket reservation to the amount it reserved.
	congestionOccupancy map[SCID]uint64

	// ProtectedBucket is the premium bucket used by endorsed htlcs from
	// peers with sufficient reputation.
	ProtectedBucket BucketParameters
}

// newIncomingChannel constructs an IncomingChannel.
func newIncomingChannel(scid SCID, general, congestion, protected BucketParameters, saltSource SaltSource) (*IncomingChannel, error) {
	bucket, err := newGeneralBucket(scid, general, saltSource)
	if err != nil {
		return nil, err
	}

	return &IncomingChannel{
		generalBucket:       bucket,
		CongestionBucket:    congestion,
		congestionOccupancy: make(map[SCID]uint64),
		ProtectedBucket:     protected,
	}, nil
}

// generalJamChannel zeroes the channel's general bucket parameters,
// simulating a channel whose general resources have been totally jammed.
func (c *IncomingChannel) generalJamChannel() {
	c.generalBucket.jam()
}

// generalResources returns a snapshot of the general bucket's current
// global occupancy, across every candidate.
func (c *IncomingChannel) generalResources() BucketResources {
	return c.generalBucket.resources()
}

// candidateGeneralResources returns a snapshot of candidateSCID's own
// assigned slots in the general bucket.
func (c *IncomingChannel) candidateGeneralResources(candidateSCID SCID) (BucketResources, error) {
	return c.generalBucket.candidateResources(candidateSCID)
}

// congestionResources returns a snapshot of the congestion bucket's current
// occupancy.
func (c *IncomingChannel) congestionResources() BucketResources {
	var usedMsat uint64
	for _, amt := range c.congestionOccupancy {
		usedMsat += amt
	}

	return BucketResources{
		SlotsUsed:              uint16(len(c.congestionOccupancy)),
		SlotsAvailable:         c.CongestionBucket.SlotCount,
		LiquidityUsedMsat:      usedMsat,
		LiquidityAvailableMsat: c.CongestionBucket.LiquidityMsat,
	}
}

// congestionEligible reports whether the channel currently occupies zero of
// its general-bucket slots globally, across every candidate -- the "quiet
// channel" heuristic that gates access to the congestion bucket (§9:
// congestion eligibility is computed from global, not per-candidate,
// occupancy).
func (c *IncomingChannel) congestionEligible() bool {
	return c.generalBucket.resources().SlotsUsed == 0
}

// reserveCongestion reserves a congestion-bucket slot for candidateSCID,
// returning false if the candidate already holds one or there isn't room.
func (c *IncomingChannel) reserveCongestion(candidateSCID SCID, amountMsat uint64) bool {
	if _, ok := c.congestionOccupancy[candidateSCID]; ok {
		return false
	}
	if !c.congestionResources().resourcesAvailable(amountMsat) {
		return false
	}

	c.congestionOccupancy[candidateSCID] = amountMsat
	return true
}

// releaseCongestion frees candidateSCID's congestion-bucket reservation, if
// any.
func (c *IncomingChannel) releaseCongestion(candidateSCID SCID) {
	delete(c.congestionOccupancy, candidateSCID)
}
