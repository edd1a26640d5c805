// Package reportcsv provides a reputation.Reporter that batches forwarding
// decisions to a CSV file, for offline analysis of how a running manager's
// bucket and reputation thresholds are behaving.
package reportcsv

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lightninglabs/lnd-reputation/reputation"
)

var header = []string{
	"forwarding_node",
	"incoming_scid",
	"incoming_htlc_index",
	"outgoing_scid",
	"amount_out_msat",
	"congestion_eligible",
	"incoming_reputation",
	"incoming_revenue_threshold",
	"outgoing_reputation",
	"outgoing_revenue_threshold",
}

// Writer is a reputation.Reporter that buffers rows in memory and flushes
// them to an underlying io.Writer as CSV, either once bufferRows have
// accumulated or when Flush(true) is called. A rate limiter caps how often a
// non-forced flush may actually hit the underlying writer, so a caller
// driving ReportForward in a tight loop cannot turn this into unbounded disk
// I/O. Flush(true) is not rate limited.
type Writer struct {
	mu sync.Mutex

	csv        *csv.Writer
	bufferRows int
	pending    [][]string

	limiter *rate.Limiter

	wroteHeader bool
}

// NewWriter returns a Writer that flushes to w once bufferRows rows have
// accumulated, throttling non-forced flushes to at most minInterval per
// second (a rate.Limit, with a burst of one).
func NewWriter(w io.Writer, bufferRows int, minInterval rate.Limit) *Writer {
	if bufferRows <= 0 {
		bufferRows = 1
	}

	return &Writer{
		csv:        csv.NewWriter(w),
		bufferRows: bufferRows,
		limiter:    rate.NewLimiter(minInterval, 1),
	}
}

// ReportForward implements reputation.Reporter.
func (w *Writer) ReportForward(forwardingNode string, check reputation.AllocationCheck, forward reputation.ProposedForward) {
	row := []string{
		forwardingNode,
		strconv.FormatUint(uint64(forward.Incoming.ChannelID), 10),
		strconv.FormatUint(forward.Incoming.HtlcIndex, 10),
		strconv.FormatUint(uint64(forward.Outgoing), 10),
		strconv.FormatUint(forward.AmountOutMsat, 10),
		strconv.FormatBool(check.CongestionEligible),
		strconv.FormatInt(check.ReputationCheck.Incoming.Reputation, 10),
		strconv.FormatInt(check.ReputationCheck.Incoming.RevenueThreshold, 10),
		strconv.FormatInt(check.ReputationCheck.Outgoing.Reputation, 10),
		strconv.FormatInt(check.ReputationCheck.Outgoing.RevenueThreshold, 10),
	}

	w.mu.Lock()
	w.pending = append(w.pending, row)
	full := len(w.pending) >= w.bufferRows
	w.mu.Unlock()

	if full {
		w.Flush(false)
	}
}

// Flush writes any buffered rows to the underlying writer. Unless force is
// true, a flush that would exceed the configured rate limit is skipped
// silently, leaving rows buffered for the next call.
func (w *Writer) Flush(force bool) {
	if !force && !w.limiter.Allow() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.wroteHeader {
		if err := w.csv.Write(header); err == nil {
			w.wroteHeader = true
		}
	}

	for _, row := range w.pending {
		if err := w.csv.Write(row); err != nil {
			// Best effort: a single malformed row doesn't block
			// the rest of the batch. The row is dropped rather
			// than retried since csv.Writer state is consistent
			// after a Write error.
			continue
		}
	}
	w.pending = w.pending[:0]

	w.csv.Flush()
}

// String returns a short description of the writer's buffering state.
func (w *Writer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return fmt.Sprintf("reportcsv.Writer{pending=%d, bufferRows=%d}", len(w.pending), w.bufferRows)
}
