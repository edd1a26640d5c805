package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHtlcManagerAddRejectsDuplicate(t *testing.T) {
	t.Parallel()

	mgr := newHtlcManager(testReputationParams())
	ref := HtlcRef{ChannelID: 1, HtlcIndex: 7}
	rec := &inFlightHtlc{incomingSCID: 1, outgoingSCID: 2, addedAt: time.Unix(0, 0)}

	require.NoError(t, mgr.add(ref, rec))

	err := mgr.add(ref, rec)
	require.Error(t, err)
	require.IsType(t, &ErrDuplicateHtlc{}, err)
}

func TestHtlcManagerResolveRemovesRecord(t *testing.T) {
	t.Parallel()

	mgr := newHtlcManager(testReputationParams())
	ref := HtlcRef{ChannelID: 1, HtlcIndex: 7}
	rec := &inFlightHtlc{
		incomingSCID: 1,
		outgoingSCID: 2,
		feeMsat:      1000,
		addedAt:      time.Unix(0, 0),
	}
	require.NoError(t, mgr.add(ref, rec))

	resolved, err := mgr.resolve(2, ref)
	require.NoError(t, err)
	require.Equal(t, rec, resolved)

	// A second resolve of the same reference can no longer find it.
	_, err = mgr.resolve(2, ref)
	require.Error(t, err)
	require.IsType(t, &ErrForwardNotFound{}, err)
}

func TestHtlcManagerResolveWrongOutgoingSCID(t *testing.T) {
	t.Parallel()

	mgr := newHtlcManager(testReputationParams())
	ref := HtlcRef{ChannelID: 1, HtlcIndex: 7}
	rec := &inFlightHtlc{incomingSCID: 1, outgoingSCID: 2, addedAt: time.Unix(0, 0)}
	require.NoError(t, mgr.add(ref, rec))

	_, err := mgr.resolve(99, ref)
	require.Error(t, err)
	require.IsType(t, &ErrForwardNotFound{}, err)
}

func TestHtlcManagerResolveUnknownReference(t *testing.T) {
	t.Parallel()

	mgr := newHtlcManager(testReputationParams())
	_, err := mgr.resolve(2, HtlcRef{ChannelID: 1, HtlcIndex: 7})
	require.Error(t, err)
	require.IsType(t, &ErrForwardNotFound{}, err)
}

func TestReputationParamsReputationWindow(t *testing.T) {
	t.Parallel()

	params := ReputationParams{
		RevenueWindow:        time.Minute,
		ReputationMultiplier: 5,
	}
	require.Equal(t, 5*time.Minute, params.reputationWindow())
}

func TestForwardResolutionString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "settled", Settled.String())
	require.Equal(t, "failed", Failed.String())
}
