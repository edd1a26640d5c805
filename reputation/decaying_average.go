package reputation

import (
	"math"
	"time"
)

// decayingAverage is a time-weighted, exponentially-decayed scalar. It is
// used to track a channel's revenue and reputation as a convolution of past
// contributions that smoothly "forgets" old values, independent of how often
// it happens to be queried.
//
// Unlike missionControl's failedEdges/failedVertexes maps, which prune whole
// entries once they're older than a fixed decay window, a decayingAverage
// keeps a single running value and advances it lazily: every read or write
// multiplies the current value by exp(-elapsed/tau) before using it, so the
// "forgetting" happens continuously rather than at discrete garbage
// collection passes.
type decayingAverage struct {
	// value is the current decayed value, as of lastUpdated.
	value float64

	// lastUpdated is the instant the value was last advanced to. Queries
	// for an instant before lastUpdated are rejected, see IDA in
	// spec.md §3.
	lastUpdated time.Time

	// tau is the decay constant derived from the configured half-life:
	// tau = halfLife / ln(2), chosen so that exp(-halfLife/tau) == 0.5.
	tau float64
}

// newDecayingAverage returns a decayingAverage with the given half-life,
// initialized to zero at the given instant.
func newDecayingAverage(halfLife time.Duration, start time.Time) *decayingAverage {
	return &decayingAverage{
		lastUpdated: start,
		tau:         float64(halfLife) / math.Ln2,
	}
}

// decayFactor returns exp(-elapsed/tau) for the duration between lastUpdated
// and at. Callers must have already rejected at < lastUpdated.
func (d *decayingAverage) decayFactor(at time.Time) float64 {
	elapsed := at.Sub(d.lastUpdated)
	if elapsed <= 0 {
		return 1
	}

	return math.Exp(-float64(elapsed) / d.tau)
}

// valueAt advances the average to the given instant and returns the result,
// without mutating lastUpdated. It is the read-only counterpart of addValue,
// and is what a caller uses to inspect the current decayed value without
// contributing to it.
func (d *decayingAverage) valueAt(at time.Time) (float64, error) {
	if at.Before(d.lastUpdated) {
		return 0, &ErrUpdateInPast{Last: d.lastUpdated, Given: at}
	}

	return d.value * d.decayFactor(at), nil
}

// addValue advances the average to the given instant, adds v to it, and
// records the instant as the new lastUpdated. Because lastUpdated only ever
// moves forward, later independent calls compose correctly regardless of
// how much time has passed between them.
func (d *decayingAverage) addValue(v float64, at time.Time) error {
	if at.Before(d.lastUpdated) {
		return &ErrUpdateInPast{Last: d.lastUpdated, Given: at}
	}

	d.value = d.value*d.decayFactor(at) + v
	d.lastUpdated = at

	return nil
}
