// Package monitor polls a single product's availability with one request in
// flight at a time, until the product is found, a terminal failure occurs,
// the attempt budget runs out, or the operator cancels.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shelfwatch/pkg/backoff"
	"shelfwatch/pkg/classify"
	"shelfwatch/pkg/dispatch"
	"shelfwatch/pkg/identity"
)

// Prometheus metrics for the monitor loop.
var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfwatch_checks_total",
		Help: "Total stock checks by outcome class",
	}, []string{"class"})

	lastQuantity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfwatch_last_quantity",
		Help: "Most recently observed available-to-promise quantity",
	})
)

// DefaultSafetyFloor is the hard minimum polling interval. It bounds
// request aggressiveness no matter how small the configured interval is.
const DefaultSafetyFloor = 60 * time.Second

// Reason explains why the loop terminated.
type Reason string

const (
	// ReasonFound means the product came in stock.
	ReasonFound Reason = "found"

	// ReasonFatal means a terminal, non-retryable outcome (for example a
	// discontinued product).
	ReasonFatal Reason = "fatal"

	// ReasonExhausted means the consecutive-failure budget ran out.
	ReasonExhausted Reason = "exhausted"

	// ReasonCancelled means the operator stopped the loop.
	ReasonCancelled Reason = "cancelled"
)

// Snapshot is the stock/price state captured when the product was found.
type Snapshot struct {
	TCIN           string
	StoreID        string
	Quantity       float64
	LocationName   string
	CurrentRetail  float64
	FormattedPrice string
	Title          string
	CheckedAt      time.Time
}

// Result is the loop's terminal outcome. Snapshot is non-nil only for
// ReasonFound.
type Result struct {
	Reason   Reason
	Snapshot *Snapshot
	Attempts int
	Err      error
}

// ExitCode maps the result onto the process exit contract: zero for a find
// or a graceful cancellation, non-zero otherwise.
func (r Result) ExitCode() int {
	switch r.Reason {
	case ReasonFound, ReasonCancelled:
		return 0
	default:
		return 1
	}
}

// Config holds the monitor parameters.
type Config struct {
	TCIN      string
	StoreID   string
	Zip       string
	State     string
	Latitude  string
	Longitude string
	APIKey    string

	// Interval is the configured wait between checks. The loop never
	// sleeps less than SafetyFloor regardless of this value.
	Interval time.Duration

	// SafetyFloor overrides DefaultSafetyFloor; zero keeps the default.
	SafetyFloor time.Duration

	// MaxAttempts is the consecutive-failure budget. Zero uses the
	// policy default.
	MaxAttempts int

	// RotateEvery is the identity rotation window. The counter spans the
	// loop's cumulative lifetime, not one iteration.
	RotateEvery int

	// TrackPrice also fetches pricing on every successful stock check.
	TrackPrice bool

	Pool       *identity.Pool
	Dispatcher *dispatch.Dispatcher
	Policy     backoff.Policy
}

// Loop is the single-target polling state machine.
type Loop struct {
	cfg    Config
	floor  time.Duration
	budget int
	logger zerolog.Logger

	// 403/404 repeat tracking under the current identity generation.
	generation int
	lastStatus int
	repeats    int
}

// New creates a Loop, validating required collaborators.
func New(cfg Config) (*Loop, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("identity pool is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.TCIN == "" {
		return nil, fmt.Errorf("tcin is required")
	}
	if cfg.StoreID == "" {
		return nil, fmt.Errorf("store id is required")
	}

	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = backoff.DefaultPolicy()
	}
	if cfg.RotateEvery < 1 {
		cfg.RotateEvery = 25
	}

	floor := cfg.SafetyFloor
	if floor <= 0 {
		floor = DefaultSafetyFloor
	}
	budget := cfg.MaxAttempts
	if budget < 1 {
		budget = cfg.Policy.MaxAttempts
	}

	return &Loop{
		cfg:    cfg,
		floor:  floor,
		budget: budget,
		logger: log.With().Str("component", "monitor").Str("tcin", cfg.TCIN).Logger(),
	}, nil
}

// Run polls until a terminal state is reached. Cancellation lets the
// in-flight request complete or time out first; cancellation during the
// inter-iteration sleep returns immediately.
func (l *Loop) Run(ctx context.Context) Result {
	attempts := 0
	failures := 0
	parseFailures := 0

	for {
		if ctx.Err() != nil {
			return Result{Reason: ReasonCancelled, Attempts: attempts, Err: ctx.Err()}
		}

		id := l.cfg.Pool.Next(l.cfg.RotateEvery)
		if id.Generation != l.generation {
			l.generation = id.Generation
			l.lastStatus = 0
			l.repeats = 0
		}

		attempts++

		// Once dispatched, the request is not interrupted by operator
		// cancellation; it resolves or times out on its own deadline.
		reqCtx := context.WithoutCancel(ctx)
		out := l.cfg.Dispatcher.One(reqCtx, StockDescriptor(l.cfg, id.SessionToken), id)

		cl := classify.Classify(out, classify.Options{
			ShapeCheck:   StockShapeCheck(l.cfg.StoreID),
			PriorRepeats: l.repeats,
		})
		l.trackRepeats(out)
		checksTotal.WithLabelValues(string(cl.Class)).Inc()

		rec := classify.NewRecord(out, cl, id.Generation)
		l.logger.Debug().
			Int("attempt", attempts).
			Int("status", rec.StatusCode).
			Str("class", string(rec.Class)).
			Int("generation", rec.IdentityGeneration).
			Msg("Check classified")

		switch cl.Class {
		case classify.Success:
			failures = 0
			parseFailures = 0

			info, err := ExtractStock(out.Body, l.cfg.StoreID)
			if err != nil {
				// Cannot happen: Success implies the shape check passed.
				return Result{Reason: ReasonFatal, Attempts: attempts, Err: err}
			}
			lastQuantity.Set(info.Quantity)

			if info.Quantity > 0 {
				snap := l.snapshot(ctx, info, id)
				l.logger.Info().
					Float64("quantity", info.Quantity).
					Str("location", info.LocationName).
					Int("attempts", attempts).
					Msg("Product in stock")
				return Result{Reason: ReasonFound, Snapshot: snap, Attempts: attempts}
			}

			l.logger.Info().
				Str("location", info.LocationName).
				Int("attempt", attempts).
				Msg("Out of stock, waiting")
			if err := l.wait(ctx, l.cfg.Interval, cl.Class); err != nil {
				return Result{Reason: ReasonCancelled, Attempts: attempts, Err: err}
			}

		case classify.RateLimited:
			failures++
			if failures > l.budget {
				return Result{Reason: ReasonExhausted, Attempts: attempts, Err: fmt.Errorf("attempt budget exhausted after %d consecutive failures", failures)}
			}
			wait := l.cfg.Interval
			if cl.HasRetryAfter {
				wait = time.Duration(cl.RetryAfter * float64(time.Second))
			}
			l.logger.Warn().Dur("wait", wait).Msg("Rate limited, backing off")
			if err := l.wait(ctx, wait, cl.Class); err != nil {
				return Result{Reason: ReasonCancelled, Attempts: attempts, Err: err}
			}

		case classify.Blocked:
			l.cfg.Pool.ForceRotate()
			l.logger.Warn().Int("generation", id.Generation).Msg("Blocked signal, rotated identity")
			fallthrough

		case classify.Transient:
			if out.StatusCode == http.StatusOK {
				// 200 with a failing shape check is schema drift; a bounded
				// number of repeats escalates it to a terminal failure.
				parseFailures++
				if l.cfg.Policy.EscalateParseFailure(parseFailures) {
					return Result{Reason: ReasonFatal, Attempts: attempts,
						Err: fmt.Errorf("%w: %d consecutive parse failures", ErrShapeMismatch, parseFailures)}
				}
			}
			failures++
			if failures > l.budget {
				return Result{Reason: ReasonExhausted, Attempts: attempts, Err: fmt.Errorf("attempt budget exhausted after %d consecutive failures", failures)}
			}
			if err := l.wait(ctx, l.cfg.Policy.Delay(failures), cl.Class); err != nil {
				return Result{Reason: ReasonCancelled, Attempts: attempts, Err: err}
			}

		case classify.Fatal:
			l.logger.Error().Int("status", out.StatusCode).Msg("Terminal outcome, aborting")
			return Result{Reason: ReasonFatal, Attempts: attempts,
				Err: fmt.Errorf("terminal outcome (status %d)", out.StatusCode)}
		}
	}
}

// snapshot assembles the found-product snapshot, optionally fetching the
// price. Price failures degrade the snapshot instead of failing the find.
func (l *Loop) snapshot(ctx context.Context, info StockInfo, id identity.Identity) *Snapshot {
	snap := &Snapshot{
		TCIN:         l.cfg.TCIN,
		StoreID:      l.cfg.StoreID,
		Quantity:     info.Quantity,
		LocationName: info.LocationName,
		CheckedAt:    time.Now(),
	}

	if !l.cfg.TrackPrice {
		return snap
	}

	out := l.cfg.Dispatcher.One(context.WithoutCancel(ctx), PriceDescriptor(l.cfg), id)
	cl := classify.Classify(out, classify.Options{ShapeCheck: PriceShapeCheck()})
	if cl.Class != classify.Success {
		l.logger.Warn().Str("class", string(cl.Class)).Msg("Price check failed, snapshot has no price")
		return snap
	}

	price, err := ExtractPrice(out.Body)
	if err != nil {
		return snap
	}
	snap.CurrentRetail = price.CurrentRetail
	snap.FormattedPrice = price.FormattedPrice
	snap.Title = price.Title
	return snap
}

func (l *Loop) trackRepeats(out dispatch.Outcome) {
	switch st := out.StatusCode; {
	case st == http.StatusForbidden || st == http.StatusNotFound:
		if st == l.lastStatus {
			l.repeats++
		} else {
			l.lastStatus = st
			l.repeats = 1
		}
	case !out.Failed():
		l.lastStatus = 0
		l.repeats = 0
	}
}

// wait sleeps for at least the safety floor, whatever d says.
func (l *Loop) wait(ctx context.Context, d time.Duration, class classify.Class) error {
	if d < l.floor {
		d = l.floor
	}
	return backoff.Sleep(ctx, d, class)
}
