// Package dispatch executes outbound requests under a supplied synthetic
// identity, one at a time or as a bounded-concurrency batch. It returns raw
// outcomes without interpreting them; classification is a separate concern.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shelfwatch/pkg/identity"
)

// Prometheus metrics for request dispatch.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfwatch_requests_total",
		Help: "Total dispatched requests by kind and HTTP status",
	}, []string{"kind", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shelfwatch_request_duration_seconds",
		Help:    "Request duration in seconds by kind",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"kind"})

	transportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfwatch_transport_errors_total",
		Help: "Total connection-level failures by kind and error category",
	}, []string{"kind", "error"})
)

// Kind selects which external endpoint a descriptor targets.
type Kind string

const (
	// KindStock targets the fulfillment/availability endpoint.
	KindStock Kind = "stock"

	// KindPrice targets the pricing endpoint.
	KindPrice Kind = "price"
)

// Descriptor names one request to make. The dispatcher treats Params as
// opaque; Kind only picks the endpoint.
type Descriptor struct {
	Kind   Kind
	Params map[string]string
}

// Outcome is the raw result of one dispatch: either an HTTP response
// (any status) or a transport-level failure. Exactly one of the two.
type Outcome struct {
	StatusCode int
	Body       []byte
	Header     http.Header

	// TransportErr is non-empty only for connection-level failures.
	TransportErr TransportError
}

// Failed reports whether the outcome is a transport-level failure.
func (o Outcome) Failed() bool {
	return o.TransportErr != ""
}

// IndexedOutcome pairs an outcome with the position of its descriptor in
// the batch. Completion order is unspecified; the index association is exact.
type IndexedOutcome struct {
	Index   int
	Outcome Outcome
}

// Config holds dispatcher configuration.
type Config struct {
	// Transport executes the requests. Required.
	Transport Transport

	// Endpoints maps each request kind to its base URL. Both kinds must
	// be present.
	Endpoints map[Kind]string

	// Timeout is the per-request deadline applied to every dispatch.
	Timeout time.Duration
}

// Dispatcher executes requests. It holds no mutable state across calls;
// all per-batch state lives on the stack of Batch.
type Dispatcher struct {
	transport Transport
	endpoints map[Kind]string
	timeout   time.Duration
	logger    zerolog.Logger
}

// New creates a Dispatcher, validating that a transport and both endpoint
// URLs are configured.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	for _, kind := range []Kind{KindStock, KindPrice} {
		if cfg.Endpoints[kind] == "" {
			return nil, fmt.Errorf("endpoint for kind %q is required", kind)
		}
	}

	return &Dispatcher{
		transport: cfg.Transport,
		endpoints: cfg.Endpoints,
		timeout:   cfg.Timeout,
		logger:    log.With().Str("component", "dispatcher").Logger(),
	}, nil
}

// One executes a single request under the given identity and returns its
// raw outcome. HTTP error statuses are valid outcomes; only connection-level
// failures surface as a transport error outcome.
func (d *Dispatcher) One(ctx context.Context, desc Descriptor, id identity.Identity) Outcome {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(string(desc.Kind)).Observe(time.Since(start).Seconds())
	}()

	reqCtx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	status, body, header, err := d.transport.RoundTrip(reqCtx, Request{
		URL:     d.endpoints[desc.Kind],
		Params:  desc.Params,
		Headers: id.Headers,
	})
	if err != nil {
		terr := classifyTransportError(err)
		transportErrorsTotal.WithLabelValues(string(desc.Kind), string(terr)).Inc()
		d.logger.Warn().
			Err(err).
			Str("kind", string(desc.Kind)).
			Str("error", string(terr)).
			Int("generation", id.Generation).
			Msg("Transport failure")
		return Outcome{TransportErr: terr}
	}

	requestsTotal.WithLabelValues(string(desc.Kind), fmt.Sprintf("%d", status)).Inc()
	d.logger.Debug().
		Str("kind", string(desc.Kind)).
		Int("status", status).
		Int("generation", id.Generation).
		Dur("duration", time.Since(start)).
		Msg("Request completed")

	return Outcome{StatusCode: status, Body: body, Header: header}
}

// Batch executes the descriptors against a worker pool bounded by
// concurrency. All requests share the same identity snapshot. Cancelling
// ctx stops scheduling of not-yet-started descriptors but lets already
// dispatched requests run to completion or their timeout; Batch returns
// only after every in-flight request has resolved.
func (d *Dispatcher) Batch(ctx context.Context, descs []Descriptor, id identity.Identity, concurrency int) []IndexedOutcome {
	if len(descs) == 0 {
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(descs) {
		concurrency = len(descs)
	}

	queue := make(chan int, len(descs))
	results := make(chan IndexedOutcome, len(descs))

	for i := range descs {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				// Stop picking up new work once the batch is cancelled.
				select {
				case <-ctx.Done():
					return
				default:
				}

				// A dispatched request is not cancellable: it runs against
				// its own deadline, detached from batch cancellation.
				reqCtx := context.WithoutCancel(ctx)
				results <- IndexedOutcome{
					Index:   idx,
					Outcome: d.One(reqCtx, descs[idx], id),
				}
			}
		}()
	}

	wg.Wait()
	close(results)

	out := make([]IndexedOutcome, 0, len(descs))
	for r := range results {
		out = append(out, r)
	}
	return out
}
