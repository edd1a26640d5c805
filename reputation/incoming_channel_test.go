package reputation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fixedSaltSource returns a constant salt, used so tests are deterministic
// instead of depending on fastrand's output.
type fixedSaltSource [32]byte

func (f fixedSaltSource) Salt(_, _ SCID) ([32]byte, error) {
	return [32]byte(f), nil
}

func newTestBucket(t *testing.T, slotCount uint16, liquidityMsat uint64) *generalBucket {
	t.Helper()

	bucket, err := newGeneralBucket(
		123,
		BucketParameters{SlotCount: slotCount, LiquidityMsat: liquidityMsat},
		fixedSaltSource{1, 2, 3},
	)
	require.NoError(t, err)
	return bucket
}

// TestGeneralBucketFullOccupancyByOnePeer is scenario S1.
func TestGeneralBucketFullOccupancyByOnePeer(t *testing.T) {
	t.Parallel()

	bucket := newTestBucket(t, 100, 1_000_000)
	const candidate = SCID(456)

	for i := 0; i < 5; i++ {
		ok, err := bucket.addHtlc(candidate, 1)
		require.NoError(t, err)
		require.True(t, ok, "htlc %d should be admitted", i)
	}

	ok, err := bucket.addHtlc(candidate, 100_000)
	require.NoError(t, err)
	require.False(t, ok, "sixth htlc should find no free slots")

	for i := 0; i < 5; i++ {
		require.NoError(t, bucket.removeHtlc(candidate, 1))
	}

	err = bucket.removeHtlc(candidate, 1)
	require.Error(t, err)
	require.IsType(t, &ErrBucketTooEmpty{}, err)
}

// TestGeneralBucketSingleHtlcMaxLiquidity is scenario S2.
func TestGeneralBucketSingleHtlcMaxLiquidity(t *testing.T) {
	t.Parallel()

	bucket := newTestBucket(t, 100, 1_000_000)
	const candidate = SCID(345)
	const amt = 10_000 * 5 // slot_size_msat (1_000_000/100=10_000) * 5 slots

	ok, err := bucket.addHtlc(candidate, amt)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = bucket.addHtlc(candidate, 1)
	require.NoError(t, err)
	require.False(t, ok, "candidate's 5 slots are all full")

	require.NoError(t, bucket.removeHtlc(candidate, amt))

	ok, err = bucket.addHtlc(candidate, amt)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestGeneralBucketCrossPeerSharedSlotSafety is scenario S3: two candidates
// whose assigned slots partially overlap must not corrupt each other's
// occupancy bookkeeping regardless of add/remove order.
func TestGeneralBucketCrossPeerSharedSlotSafety(t *testing.T) {
	t.Parallel()

	bucket := newTestBucket(t, 100, 1_000_000)
	const a, b = SCID(345), SCID(678)

	slotsA, err := bucket.getCandidateSlots(a)
	require.NoError(t, err)
	slotsB, err := bucket.getCandidateSlots(b)
	require.NoError(t, err)
	require.Len(t, slotsA, assignedSlots)
	require.Len(t, slotsB, assignedSlots)

	slotSize := bucket.slotSizeMsat

	ok, err := bucket.addHtlc(a, 2*slotSize)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = bucket.addHtlc(b, 2*slotSize)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, bucket.removeHtlc(b, 2*slotSize))
	require.NoError(t, bucket.removeHtlc(a, 2*slotSize))

	resB, err := bucket.candidateResources(b)
	require.NoError(t, err)
	require.Zero(t, resB.SlotsUsed)

	resA, err := bucket.candidateResources(a)
	require.NoError(t, err)
	require.Zero(t, resA.SlotsUsed)
}

// TestGeneralBucketNoSelfAssignment is property P4.
func TestGeneralBucketNoSelfAssignment(t *testing.T) {
	t.Parallel()

	bucket := newTestBucket(t, 100, 1_000_000)
	_, err := bucket.getCandidateSlots(bucket.scid)
	require.Error(t, err)
	require.IsType(t, &ErrUnrecoverable{}, err)
}

// TestGeneralBucketAssignedSlotCap is property P2.
func TestGeneralBucketAssignedSlotCap(t *testing.T) {
	t.Parallel()

	bucket := newTestBucket(t, 1000, 10_000_000)

	for candidate := SCID(1); candidate < 20; candidate++ {
		slots, err := bucket.getCandidateSlots(candidate)
		require.NoError(t, err)
		require.LessOrEqual(t, len(slots), assignedSlots)

		seen := make(map[uint16]bool)
		for _, idx := range slots {
			require.False(t, seen[idx], "duplicate slot index assigned")
			require.Less(t, idx, uint16(1000))
			seen[idx] = true
		}
	}
}

// TestGeneralBucketDeterministicWithFixedSalt is property P3.
func TestGeneralBucketDeterministicWithFixedSalt(t *testing.T) {
	t.Parallel()

	salt := fixedSaltSource{9, 9, 9}
	params := BucketParameters{SlotCount: 200, LiquidityMsat: 2_000_000}

	first, err := newGeneralBucket(1, params, salt)
	require.NoError(t, err)
	second, err := newGeneralBucket(1, params, salt)
	require.NoError(t, err)

	slotsFirst, err := first.getCandidateSlots(77)
	require.NoError(t, err)
	slotsSecond, err := second.getCandidateSlots(77)
	require.NoError(t, err)

	require.ElementsMatch(t, slotsFirst, slotsSecond)
}

// TestGeneralBucketSlotConsistency is property P1: after a sequence of
// add/remove, htlc_slots must agree with the union of every candidate's own
// occupancy map.
func TestGeneralBucketSlotConsistency(t *testing.T) {
	t.Parallel()

	bucket := newTestBucket(t, 200, 2_000_000)
	candidates := []SCID{10, 20, 30}

	for _, c := range candidates {
		ok, err := bucket.addHtlc(c, bucket.slotSizeMsat)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, bucket.removeHtlc(candidates[1], bucket.slotSizeMsat))

	for idx, global := range bucket.htlcSlots {
		union := false
		for _, c := range candidates {
			if bucket.candidateSlots[c][uint16(idx)] {
				union = true
				break
			}
		}
		require.Equal(t, union, global, "slot %d desynchronized", idx)
	}
}

func TestCongestionEligibleIsGlobalAcrossCandidates(t *testing.T) {
	t.Parallel()

	ic, err := newIncomingChannel(
		1,
		BucketParameters{SlotCount: 10, LiquidityMsat: 1_000_000},
		BucketParameters{SlotCount: 4, LiquidityMsat: 500_000},
		BucketParameters{SlotCount: 4, LiquidityMsat: 500_000},
		fixedSaltSource{1},
	)
	require.NoError(t, err)

	require.True(t, ic.congestionEligible())

	ok, err := ic.generalBucket.addHtlc(2, ic.generalBucket.slotSizeMsat)
	require.NoError(t, err)
	require.True(t, ok)

	// candidate 3 has never touched its own slots, but candidate 2's
	// usage makes the channel globally non-quiet.
	require.False(t, ic.congestionEligible())
}

func TestReserveCongestionSingleSlotPerCandidate(t *testing.T) {
	t.Parallel()

	ic, err := newIncomingChannel(
		1,
		BucketParameters{SlotCount: 10, LiquidityMsat: 1_000_000},
		BucketParameters{SlotCount: 2, LiquidityMsat: 200_000},
		BucketParameters{SlotCount: 2, LiquidityMsat: 200_000},
		fixedSaltSource{1},
	)
	require.NoError(t, err)

	require.True(t, ic.reserveCongestion(5, 50_000))
	require.False(t, ic.reserveCongestion(5, 1), "candidate already holds a reservation")

	ic.releaseCongestion(5)
	require.True(t, ic.reserveCongestion(5, 1))
}
