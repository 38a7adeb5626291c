// Package backoff is the single retry/backoff policy shared by the monitor
// loop and the throughput controller. It maps outcome classes onto actions
// and computes jittered exponential delays, replacing the ad hoc per-caller
// sleep loops this project started with.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"shelfwatch/pkg/classify"
)

// Prometheus metrics for backoff decisions.
var (
	backoffWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfwatch_backoff_waits_total",
		Help: "Total backoff waits by outcome class",
	}, []string{"class"})

	backoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shelfwatch_backoff_seconds",
		Help:    "Backoff duration by outcome class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"class"})
)

// Action is what a caller should do after a classified outcome.
type Action string

const (
	// Proceed continues without delay.
	Proceed Action = "proceed"

	// Wait sleeps before the next attempt.
	Wait Action = "wait"

	// RotateAndWait forces an identity rotation, then sleeps.
	RotateAndWait Action = "rotate_and_wait"

	// Abort stops retrying; the failure is terminal.
	Abort Action = "abort"
)

// Policy holds the retry discipline. The zero value is not usable; start
// from DefaultPolicy.
type Policy struct {
	// MaxAttempts is the consecutive-failure budget before aborting.
	MaxAttempts int

	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64

	// ParseFailureLimit bounds consecutive schema-drift occurrences before
	// the condition escalates from Transient to Fatal.
	ParseFailureLimit int
}

// DefaultPolicy returns the retry discipline used by both loops.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        2 * time.Minute,
		Multiplier:        2.0,
		ParseFailureLimit: 3,
	}
}

// ActionFor maps a classification and the caller's consecutive-failure count
// onto the next action. RateLimited and Transient count against the same
// failure budget; Blocked additionally rotates the identity.
func (p Policy) ActionFor(class classify.Class, consecutiveFailures int) Action {
	switch class {
	case classify.Success:
		return Proceed
	case classify.Fatal:
		return Abort
	case classify.Blocked:
		if consecutiveFailures > p.MaxAttempts {
			return Abort
		}
		return RotateAndWait
	case classify.RateLimited, classify.Transient:
		if consecutiveFailures > p.MaxAttempts {
			return Abort
		}
		return Wait
	default:
		return Abort
	}
}

// Delay computes the backoff before attempt n (1-based), exponential with
// ±20% jitter, capped at MaxBackoff.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			d = float64(p.MaxBackoff)
			break
		}
	}

	jittered := time.Duration(d * (0.8 + rand.Float64()*0.4))
	if jittered > p.MaxBackoff {
		jittered = p.MaxBackoff
	}
	return jittered
}

// EscalateParseFailure reports whether consecutive schema-drift count has
// exhausted the escalation bound.
func (p Policy) EscalateParseFailure(consecutive int) bool {
	return consecutive >= p.ParseFailureLimit
}

// Sleep waits for d, returning early with the context error if the caller
// is cancelled mid-wait. The class label is only used for metrics.
func Sleep(ctx context.Context, d time.Duration, class classify.Class) error {
	if d <= 0 {
		return ctx.Err()
	}

	backoffWaitsTotal.WithLabelValues(string(class)).Inc()
	backoffSeconds.WithLabelValues(string(class)).Observe(d.Seconds())

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
