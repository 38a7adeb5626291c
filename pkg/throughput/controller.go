// Package throughput drives batches of requests at an adaptive cadence to
// find the highest sustainable rate that avoids remote-side detection. A
// state machine grows concurrency while batches stay clean, backs off hard
// on any rate-limit or block signal, and locks into a steady rate that it
// periodically re-validates.
package throughput

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"shelfwatch/pkg/backoff"
	"shelfwatch/pkg/classify"
	"shelfwatch/pkg/dispatch"
	"shelfwatch/pkg/identity"
)

// Prometheus metrics for the throughput controller.
var (
	controllerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfwatch_controller_state",
		Help: "Controller state (0=probing 1=backoff 2=steady 3=done)",
	})

	controllerConcurrency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfwatch_controller_concurrency",
		Help: "Current batch concurrency level",
	})

	classificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfwatch_classifications_total",
		Help: "Total classified outcomes by class",
	}, []string{"class"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shelfwatch_batch_duration_seconds",
		Help:    "Wall-clock duration of one dispatched batch",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30},
	})
)

// State is the controller's adaptive-control state.
type State string

const (
	// Probing grows concurrency while batches stay clean.
	Probing State = "probing"

	// Backoff has reduced concurrency after a rate-limit or block signal
	// and is waiting for one clean batch.
	Backoff State = "backoff"

	// Steady holds the locked concurrency and pacing, re-probing headroom
	// periodically.
	Steady State = "steady"

	// Done is terminal: budget exhausted or operator cancellation.
	Done State = "done"
)

var stateGaugeValue = map[State]float64{Probing: 0, Backoff: 1, Steady: 2, Done: 3}

// Config holds the experiment parameters.
type Config struct {
	// Pool supplies and rotates identities. Required.
	Pool *identity.Pool

	// Dispatcher executes the batches. Required.
	Dispatcher *dispatch.Dispatcher

	// NewDescriptor builds one request for the current identity. Required.
	NewDescriptor func(id identity.Identity) dispatch.Descriptor

	// ShapeCheck validates 200 bodies for classification.
	ShapeCheck func(body []byte) bool

	// TotalRequests is the request budget R for the whole run. Required.
	TotalRequests int

	// BatchSize is the number of requests per batch.
	BatchSize int

	// InitialConcurrency is the probing start point.
	InitialConcurrency int

	// MaxConcurrency bounds probing growth.
	MaxConcurrency int

	// GrowthFactor is the multiplicative probing step (rounded up).
	GrowthFactor float64

	// TransientTolerance is the fraction of Transient outcomes a probing
	// batch may carry and still count as clean.
	TransientTolerance float64

	// ReprobeEvery is the number of Steady batches between headroom
	// re-validations.
	ReprobeEvery int

	// CoolDown is the wait after entering Backoff before the next batch.
	CoolDown time.Duration

	// InitialPacing is the starting minimum inter-request spacing.
	InitialPacing time.Duration

	// PacingFactor multiplies pacing on every backoff.
	PacingFactor float64

	// RotateEvery is the identity rotation window in dispatched requests.
	RotateEvery int
}

// DefaultConfig returns experiment parameters that probe gently.
func DefaultConfig() Config {
	return Config{
		BatchSize:          10,
		InitialConcurrency: 1,
		MaxConcurrency:     16,
		GrowthFactor:       1.5,
		TransientTolerance: 0.10,
		ReprobeEvery:       5,
		CoolDown:           5 * time.Second,
		InitialPacing:      100 * time.Millisecond,
		PacingFactor:       2.0,
		RotateEvery:        25,
	}
}

// Controller runs the experiment. Batches execute strictly sequentially so
// every adaptive decision acts on a fully resolved batch; parallelism lives
// inside each batch.
type Controller struct {
	cfg     Config
	metrics *BatchMetrics
	limiter *rate.Limiter
	logger  zerolog.Logger

	state       State
	concurrency int
	pacing      time.Duration

	// 403/404 repeat tracking under the current identity generation.
	generation int
	lastStatus int
	repeats    int

	// Longest clean Steady stretch, for the rate recommendation.
	steadyRun     int
	steadyPacing  time.Duration
	bestSteadyRun int
	bestPacing    time.Duration
}

// New creates a Controller. The metrics accumulator starts fresh; there is
// no way to reset it short of constructing a new controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("identity pool is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.NewDescriptor == nil {
		return nil, fmt.Errorf("descriptor builder is required")
	}
	if cfg.TotalRequests < 1 {
		return nil, fmt.Errorf("total request budget must be >= 1 (got %d)", cfg.TotalRequests)
	}

	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.InitialConcurrency < 1 {
		cfg.InitialConcurrency = def.InitialConcurrency
	}
	if cfg.MaxConcurrency < cfg.InitialConcurrency {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = def.GrowthFactor
	}
	if cfg.TransientTolerance <= 0 {
		cfg.TransientTolerance = def.TransientTolerance
	}
	if cfg.ReprobeEvery < 1 {
		cfg.ReprobeEvery = def.ReprobeEvery
	}
	if cfg.InitialPacing <= 0 {
		cfg.InitialPacing = def.InitialPacing
	}
	if cfg.PacingFactor <= 1 {
		cfg.PacingFactor = def.PacingFactor
	}
	if cfg.RotateEvery < 1 {
		cfg.RotateEvery = def.RotateEvery
	}

	return &Controller{
		cfg:         cfg,
		metrics:     newBatchMetrics(),
		limiter:     rate.NewLimiter(rate.Every(cfg.InitialPacing), cfg.BatchSize),
		logger:      log.With().Str("component", "throughput-controller").Logger(),
		state:       Probing,
		concurrency: cfg.InitialConcurrency,
		pacing:      cfg.InitialPacing,
	}, nil
}

// State returns the current controller state.
func (c *Controller) State() State { return c.state }

// Concurrency returns the current concurrency level.
func (c *Controller) Concurrency() int { return c.concurrency }

// Pacing returns the current minimum inter-request spacing.
func (c *Controller) Pacing() time.Duration { return c.pacing }

// Metrics exposes the run's accumulated counts.
func (c *Controller) Metrics() *BatchMetrics { return c.metrics }

// Run executes batches until the request budget is exhausted or ctx is
// cancelled, then returns the experiment report.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	dispatched := 0
	batches := 0
	cancelled := false

	c.setState(Probing)

	for c.state != Done {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		n := c.cfg.BatchSize
		if remaining := c.cfg.TotalRequests - dispatched; remaining < n {
			n = remaining
		}

		// Pacing: reserve n send slots before the batch goes out.
		if err := c.limiter.WaitN(ctx, n); err != nil {
			cancelled = true
			break
		}

		id := c.cfg.Pool.NextN(c.cfg.RotateEvery, n)
		if id.Generation != c.generation {
			c.generation = id.Generation
			c.lastStatus = 0
			c.repeats = 0
		}

		descs := make([]dispatch.Descriptor, n)
		for i := range descs {
			descs[i] = c.cfg.NewDescriptor(id)
		}

		batchStart := time.Now()
		outcomes := c.cfg.Dispatcher.Batch(ctx, descs, id, c.concurrency)
		batchDuration.Observe(time.Since(batchStart).Seconds())

		batches++
		dispatched += len(outcomes)

		tally := c.classifyBatch(outcomes, id.Generation)
		c.transition(ctx, tally, len(outcomes), batches)

		c.logger.Info().
			Str("state", string(c.state)).
			Int("batch", batches).
			Int("dispatched", dispatched).
			Int("concurrency", c.concurrency).
			Dur("pacing", c.pacing).
			Int("success", tally.success).
			Int("rate_limited", tally.rateLimited).
			Int("blocked", tally.blocked).
			Int("transient", tally.transient).
			Msg("Batch resolved")

		if dispatched >= c.cfg.TotalRequests {
			c.setState(Done)
		}
	}

	c.setState(Done)
	c.closeSteadyRun()

	totals := c.metrics.Snapshot()
	duration := c.metrics.Elapsed()

	report := &Report{
		Totals:            totals,
		Dispatched:        dispatched,
		Batches:           batches,
		Duration:          duration,
		SuccessRatio:      totals.SuccessRatio(),
		RecommendedPacing: c.bestPacing,
		Cancelled:         cancelled,
	}
	if duration > 0 {
		report.RequestsPerSec = float64(dispatched) / duration.Seconds()
	}
	if c.bestPacing > 0 {
		report.RecommendedRate = float64(time.Second) / float64(c.bestPacing)
	}

	c.logger.Info().
		Int("dispatched", report.Dispatched).
		Float64("requests_per_sec", report.RequestsPerSec).
		Float64("success_ratio", report.SuccessRatio).
		Dur("recommended_pacing", report.RecommendedPacing).
		Bool("cancelled", report.Cancelled).
		Msg("Experiment finished")

	return report, nil
}

type batchTally struct {
	success     int
	rateLimited int
	blocked     int
	transient   int
	fatal       int
}

// violation reports whether the batch carried any detection signal.
func (t batchTally) violation() bool {
	return t.rateLimited > 0 || t.blocked > 0
}

func (c *Controller) classifyBatch(outcomes []dispatch.IndexedOutcome, generation int) batchTally {
	var tally batchTally

	for _, io := range outcomes {
		cl := classify.Classify(io.Outcome, classify.Options{
			ShapeCheck:   c.cfg.ShapeCheck,
			PriorRepeats: c.repeats,
		})

		// Track consecutive same-status 403/404 under this identity; the
		// repeat count is what upgrades them to Blocked.
		switch st := io.Outcome.StatusCode; {
		case st == http.StatusForbidden || st == http.StatusNotFound:
			if st == c.lastStatus {
				c.repeats++
			} else {
				c.lastStatus = st
				c.repeats = 1
			}
		case !io.Outcome.Failed():
			c.lastStatus = 0
			c.repeats = 0
		}

		c.metrics.Add(cl.Class)
		classificationsTotal.WithLabelValues(string(cl.Class)).Inc()

		switch cl.Class {
		case classify.Success:
			tally.success++
		case classify.RateLimited:
			tally.rateLimited++
		case classify.Blocked:
			tally.blocked++
		case classify.Transient:
			tally.transient++
		case classify.Fatal:
			tally.fatal++
		}

		if cl.Class != classify.Success {
			rec := classify.NewRecord(io.Outcome, cl, generation)
			c.logger.Debug().
				Int("status", rec.StatusCode).
				Str("class", string(rec.Class)).
				Int("generation", rec.IdentityGeneration).
				Msg("Non-success outcome")
		}
	}

	return tally
}

// transition applies the adaptive-control rules after one resolved batch.
func (c *Controller) transition(ctx context.Context, tally batchTally, batchLen, batches int) {
	// Any rate-limit or block signal forces Backoff regardless of the
	// current state, mid-probe included.
	if tally.violation() {
		c.enterBackoff(ctx, tally)
		return
	}

	// A batch is clean only when nothing terminal came back and transient
	// noise stays under the tolerance. Fatal outcomes are not a detection
	// signal, but growing into a dead resource would burn the budget.
	clean := tally.fatal == 0 &&
		float64(tally.transient) < c.cfg.TransientTolerance*float64(batchLen)

	switch c.state {
	case Probing:
		if clean {
			c.grow()
		}

	case Backoff:
		// One clean batch at the reduced level locks in Steady.
		c.setState(Steady)
		c.steadyRun = 0
		c.steadyPacing = c.pacing

	case Steady:
		c.steadyRun += batchLen
		if c.steadyRun > c.bestSteadyRun {
			c.bestSteadyRun = c.steadyRun
			c.bestPacing = c.steadyPacing
		}
		// Periodic headroom re-validation: one probing-style escalation.
		// A clean escalated batch keeps the higher level; any violation
		// lands back in Backoff via the check above.
		if c.cfg.ReprobeEvery > 0 && batches%c.cfg.ReprobeEvery == 0 {
			c.grow()
		}
	}
}

func (c *Controller) grow() {
	next := int(math.Ceil(float64(c.concurrency) * c.cfg.GrowthFactor))
	if next > c.cfg.MaxConcurrency {
		next = c.cfg.MaxConcurrency
	}
	if next != c.concurrency {
		c.logger.Debug().Int("from", c.concurrency).Int("to", next).Msg("Escalating concurrency")
	}
	c.concurrency = next
	controllerConcurrency.Set(float64(next))
}

func (c *Controller) enterBackoff(ctx context.Context, tally batchTally) {
	c.closeSteadyRun()

	c.concurrency /= 2
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	controllerConcurrency.Set(float64(c.concurrency))

	c.cfg.Pool.ForceRotate()

	c.pacing = time.Duration(float64(c.pacing) * c.cfg.PacingFactor)
	c.limiter.SetLimit(rate.Every(c.pacing))

	c.setState(Backoff)

	c.logger.Warn().
		Int("rate_limited", tally.rateLimited).
		Int("blocked", tally.blocked).
		Int("concurrency", c.concurrency).
		Dur("pacing", c.pacing).
		Msg("Detection signal, backing off")

	class := classify.RateLimited
	if tally.blocked > 0 {
		class = classify.Blocked
	}
	_ = backoff.Sleep(ctx, c.cfg.CoolDown, class)
}

func (c *Controller) closeSteadyRun() {
	if c.steadyRun > c.bestSteadyRun {
		c.bestSteadyRun = c.steadyRun
		c.bestPacing = c.steadyPacing
	}
	c.steadyRun = 0
}

func (c *Controller) setState(s State) {
	c.state = s
	controllerState.Set(stateGaugeValue[s])
}
