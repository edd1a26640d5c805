package reputation

import (
	"fmt"
	"time"

	goerrors "github.com/go-errors/errors"
)

// SCID is a short channel identifier, unique across the network graph known
// to this node.
type SCID uint64

// HtlcRef uniquely identifies a htlc on its incoming link.
type HtlcRef struct {
	// ChannelID is the short channel ID of the incoming link the htlc
	// arrived on.
	ChannelID SCID

	// HtlcIndex is the index used to refer to the htlc in update_add_htlc
	// on the incoming link.
	HtlcIndex uint64
}

// String returns a compact "chanID:htlcIndex" representation.
func (h HtlcRef) String() string {
	return fmt.Sprintf("%d:%d", h.ChannelID, h.HtlcIndex)
}

// ErrUnrecoverable indicates that an internal invariant has been violated
// (slot-assignment exhaustion, an arithmetic conversion that should be
// impossible given validated inputs). Callers should escalate rather than
// retry. The underlying go-errors error carries a stack trace captured at
// the point the invariant was discovered, since these are exactly the sort
// of bug that's otherwise painful to track down from a bare message in a
// production log.
type ErrUnrecoverable struct {
	err *goerrors.Error
}

func newUnrecoverable(msg string) *ErrUnrecoverable {
	return &ErrUnrecoverable{err: goerrors.New(msg)}
}

func newUnrecoverablef(format string, args ...interface{}) *ErrUnrecoverable {
	return &ErrUnrecoverable{err: goerrors.New(fmt.Sprintf(format, args...))}
}

func (e *ErrUnrecoverable) Error() string {
	return fmt.Sprintf("unrecoverable error: %s", e.err.Error())
}

// Stack returns the stack trace captured when the error was created, useful
// for logging at the call site that ultimately surfaces the error.
func (e *ErrUnrecoverable) Stack() []byte {
	return e.err.Stack()
}

// ErrIncomingNotFound indicates that an operation referenced an incoming
// channel this manager is not tracking.
type ErrIncomingNotFound struct {
	SCID SCID
}

func (e *ErrIncomingNotFound) Error() string {
	return fmt.Sprintf("incoming channel %d not found", e.SCID)
}

// ErrOutgoingNotFound indicates that an operation referenced an outgoing
// channel this manager is not tracking.
type ErrOutgoingNotFound struct {
	SCID SCID
}

func (e *ErrOutgoingNotFound) Error() string {
	return fmt.Sprintf("outgoing channel %d not found", e.SCID)
}

// ErrChannelExists indicates that add_channel was called for a channel ID
// that is already tracked.
type ErrChannelExists struct {
	SCID SCID
}

func (e *ErrChannelExists) Error() string {
	return fmt.Sprintf("channel %d already exists", e.SCID)
}

// ErrChannelNotFound indicates that remove_channel (or another operation
// that addresses a channel generically, not as incoming/outgoing) referenced
// a channel ID this manager is not tracking.
type ErrChannelNotFound struct {
	SCID SCID
}

func (e *ErrChannelNotFound) Error() string {
	return fmt.Sprintf("channel %d not found", e.SCID)
}

// ErrForwardNotFound indicates that resolve_htlc referenced a htlc that is
// not currently in flight on the given outgoing channel.
type ErrForwardNotFound struct {
	OutgoingSCID SCID
	Incoming     HtlcRef
}

func (e *ErrForwardNotFound) Error() string {
	return fmt.Sprintf(
		"outgoing htlc on %d with incoming ref %s not found",
		e.OutgoingSCID, e.Incoming,
	)
}

// ErrUpdateInPast indicates that a decaying average was queried or updated
// with an instant that precedes its last-updated instant.
type ErrUpdateInPast struct {
	Last  time.Time
	Given time.Time
}

func (e *ErrUpdateInPast) Error() string {
	return fmt.Sprintf(
		"last updated at %s, read at %s", e.Last, e.Given,
	)
}

// ErrDuplicateHtlc indicates that add_htlc was called with a htlc reference
// that is already live on the outgoing channel.
type ErrDuplicateHtlc struct {
	Incoming HtlcRef
}

func (e *ErrDuplicateHtlc) Error() string {
	return fmt.Sprintf("duplicate htlc %s", e.Incoming)
}

// ErrInvalidMultiplier indicates that a ForwardManagerConfig was constructed
// with a reputation multiplier of zero.
type ErrInvalidMultiplier struct{}

func (e *ErrInvalidMultiplier) Error() string {
	return "invalid multiplier: reputation multiplier must be non-zero"
}

// ErrAmountExceedsSupply indicates that a htlc amount exceeds the total
// supply of bitcoin expressed in millisatoshis.
type ErrAmountExceedsSupply struct {
	AmountMsat uint64
}

func (e *ErrAmountExceedsSupply) Error() string {
	return fmt.Sprintf("msat amount %d exceeds bitcoin supply", e.AmountMsat)
}

// ErrNegativeFee indicates that a proposed forward has an outgoing amount
// greater than its incoming amount.
type ErrNegativeFee struct {
	IncomingMsat uint64
	OutgoingMsat uint64
}

func (e *ErrNegativeFee) Error() string {
	return fmt.Sprintf(
		"incoming amount: %d < outgoing %d", e.IncomingMsat, e.OutgoingMsat,
	)
}

// ErrNegativeCltvDelta indicates that a proposed forward has an outgoing
// expiry height greater than its incoming expiry height.
type ErrNegativeCltvDelta struct {
	IncomingHeight uint32
	OutgoingHeight uint32
}

func (e *ErrNegativeCltvDelta) Error() string {
	return fmt.Sprintf(
		"incoming cltv: %d < outgoing %d", e.IncomingHeight, e.OutgoingHeight,
	)
}

// ErrBucketTooEmpty indicates that remove_htlc was asked to free more
// liquidity than the candidate channel currently has occupied in the
// general bucket. This always indicates a caller/core bug, since remove_htlc
// should only ever be called to undo a prior successful add_htlc.
type ErrBucketTooEmpty struct {
	AmountMsat uint64
}

func (e *ErrBucketTooEmpty) Error() string {
	return fmt.Sprintf(
		"bucket does not have %d msat of occupied slots to free",
		e.AmountMsat,
	)
}
