// Package metrics provides the centralized Prometheus metrics registry for
// shelfwatch. All metrics are defined in their respective packages (identity,
// dispatch, backoff, throughput, monitor) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by shelfwatch.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Identity Metrics (pkg/identity):
//   - shelfwatch_identity_rotations_total{reason} (Counter): Identity rotations by reason (scheduled, forced)
//
// Request Metrics (pkg/dispatch):
//   - shelfwatch_requests_total{kind, status} (Counter): Total requests by kind and HTTP status
//   - shelfwatch_request_duration_seconds{kind} (Histogram): Request duration by kind
//   - shelfwatch_transport_errors_total{kind, error} (Counter): Transport-level failures by request kind and error category
//
// Backoff Metrics (pkg/backoff):
//   - shelfwatch_backoff_waits_total{class} (Counter): Backoff sleeps by triggering class
//   - shelfwatch_backoff_seconds{class} (Histogram): Backoff sleep duration by class
//
// Controller Metrics (pkg/throughput):
//   - shelfwatch_controller_state (Gauge): Current controller state (0=probing, 1=backoff, 2=steady, 3=done)
//   - shelfwatch_controller_concurrency (Gauge): Current batch concurrency level
//   - shelfwatch_classifications_total{class} (Counter): Classified outcomes by class
//   - shelfwatch_batch_duration_seconds (Histogram): Wall-clock duration of one dispatched batch
//
// Monitor Metrics (pkg/monitor):
//   - shelfwatch_checks_total{class} (Counter): Stock checks by outcome class
//   - shelfwatch_last_quantity (Gauge): Most recently observed available-to-promise quantity
//
// Example Prometheus Queries:
//
//   # Success Rate
//   sum(rate(shelfwatch_requests_total{status="200"}[5m])) /
//   sum(rate(shelfwatch_requests_total[5m]))
//
//   # Rate Limit Pressure
//   rate(shelfwatch_checks_total{class="rate_limited"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(shelfwatch_request_duration_seconds_bucket[5m]))
//
//   # Rotation Churn
//   rate(shelfwatch_identity_rotations_total{reason="forced"}[15m])
