package throughput

import (
	"sync/atomic"
	"time"

	"shelfwatch/pkg/classify"
)

// BatchMetrics accumulates per-classification counts for the lifetime of
// one controller run. Counters are atomic so aggregation tolerates any
// completion interleaving; nothing is lost or double-counted. Reset only by
// constructing a new controller.
type BatchMetrics struct {
	success     atomic.Int64
	rateLimited atomic.Int64
	blocked     atomic.Int64
	transient   atomic.Int64
	fatal       atomic.Int64
	started     time.Time
}

func newBatchMetrics() *BatchMetrics {
	return &BatchMetrics{started: time.Now()}
}

// Add records one classified outcome.
func (m *BatchMetrics) Add(class classify.Class) {
	switch class {
	case classify.Success:
		m.success.Add(1)
	case classify.RateLimited:
		m.rateLimited.Add(1)
	case classify.Blocked:
		m.blocked.Add(1)
	case classify.Transient:
		m.transient.Add(1)
	case classify.Fatal:
		m.fatal.Add(1)
	}
}

// Totals is a point-in-time snapshot of the accumulated counts.
type Totals struct {
	Success     int64
	RateLimited int64
	Blocked     int64
	Transient   int64
	Fatal       int64
}

// Total is the number of classified outcomes across all classes.
func (t Totals) Total() int64 {
	return t.Success + t.RateLimited + t.Blocked + t.Transient + t.Fatal
}

// SuccessRatio is Success over Total, 0 for an empty snapshot.
func (t Totals) SuccessRatio() float64 {
	total := t.Total()
	if total == 0 {
		return 0
	}
	return float64(t.Success) / float64(total)
}

// Snapshot reads the current totals.
func (m *BatchMetrics) Snapshot() Totals {
	return Totals{
		Success:     m.success.Load(),
		RateLimited: m.rateLimited.Load(),
		Blocked:     m.blocked.Load(),
		Transient:   m.transient.Load(),
		Fatal:       m.fatal.Load(),
	}
}

// Elapsed is the wall-clock time since the metrics were created.
func (m *BatchMetrics) Elapsed() time.Duration {
	return time.Since(m.started)
}

// Report is the outcome of one throughput experiment.
type Report struct {
	// Totals are the per-classification counts for the whole run.
	Totals Totals

	// Dispatched is the number of requests that resolved.
	Dispatched int

	// Batches is the number of batches executed.
	Batches int

	// Duration is the wall-clock length of the run.
	Duration time.Duration

	// RequestsPerSec is the measured overall throughput.
	RequestsPerSec float64

	// SuccessRatio is Success over all classified outcomes.
	SuccessRatio float64

	// RecommendedPacing is the inter-request spacing in effect during the
	// longest unbroken Steady run with zero RateLimited/Blocked outcomes.
	// Zero when the run never reached Steady.
	RecommendedPacing time.Duration

	// RecommendedRate is the safe sustained rate implied by
	// RecommendedPacing, in requests per second.
	RecommendedRate float64

	// Cancelled reports whether the run ended by operator cancellation
	// rather than by exhausting the request budget.
	Cancelled bool
}
