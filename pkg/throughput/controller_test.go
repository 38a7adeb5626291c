package throughput

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shelfwatch/pkg/dispatch"
	"shelfwatch/pkg/identity"
)

const validBody = `{"data":{"product":{}}}`

// scriptedTransport replays a fixed sequence of statuses, repeating the
// last entry once the script is exhausted.
type scriptedTransport struct {
	mu     sync.Mutex
	script []scriptStep
	idx    int
}

type scriptStep struct {
	status     int
	body       string
	retryAfter string
}

func ok() scriptStep             { return scriptStep{status: 200, body: validBody} }
func status(code int) scriptStep { return scriptStep{status: code} }

func rateLimited(ra string) scriptStep {
	return scriptStep{status: 429, retryAfter: ra}
}

func (s *scriptedTransport) RoundTrip(ctx context.Context, req dispatch.Request) (int, []byte, http.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step := s.script[len(s.script)-1]
	if s.idx < len(s.script) {
		step = s.script[s.idx]
	}
	s.idx++

	h := http.Header{}
	if step.retryAfter != "" {
		h.Set("Retry-After", step.retryAfter)
	}
	return step.status, []byte(step.body), h, nil
}

func shapeCheck(body []byte) bool { return string(body) == validBody }

// harness wires a controller over a scripted transport and records the
// concurrency level used for each batch.
func harness(t *testing.T, script []scriptStep, mutate func(*Config)) (*Controller, *[]int) {
	t.Helper()

	d, err := dispatch.New(dispatch.Config{
		Transport: &scriptedTransport{script: script},
		Endpoints: map[dispatch.Kind]string{
			dispatch.KindStock: "http://stub/stock",
			dispatch.KindPrice: "http://stub/price",
		},
		Timeout: time.Second,
	})
	require.NoError(t, err)

	levels := &[]int{}
	var ctrl *Controller

	cfg := Config{
		Pool:       identity.NewPool(),
		Dispatcher: d,
		ShapeCheck: shapeCheck,
		NewDescriptor: func(id identity.Identity) dispatch.Descriptor {
			*levels = append(*levels, ctrl.Concurrency())
			return dispatch.Descriptor{Kind: dispatch.KindStock}
		},
		TotalRequests: len(script),
		BatchSize:     1,
		InitialPacing: time.Millisecond,
		RotateEvery:   1000,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctrl, err = New(cfg)
	require.NoError(t, err)
	return ctrl, levels
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Pool: identity.NewPool()})
	require.Error(t, err)
}

func TestController_ScenarioA_CleanProbeGrowsMonotonically(t *testing.T) {
	script := make([]scriptStep, 10)
	for i := range script {
		script[i] = ok()
	}

	ctrl, levels := harness(t, script, func(c *Config) {
		c.MaxConcurrency = 8
	})

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 10, report.Dispatched)
	require.EqualValues(t, 10, report.Totals.Success)
	require.EqualValues(t, 1.0, report.SuccessRatio)
	require.False(t, report.Cancelled)

	require.Len(t, *levels, 10)
	for i := 1; i < len(*levels); i++ {
		require.GreaterOrEqual(t, (*levels)[i], (*levels)[i-1],
			"concurrency decreased during a clean probe at batch %d", i)
	}
}

func TestController_ScenarioB_RateLimitHalvesConcurrency(t *testing.T) {
	script := []scriptStep{
		ok(), ok(), ok(), ok(), ok(), ok(), ok(), ok(),
		rateLimited("30"),
		ok(),
	}

	ctrl, levels := harness(t, script, func(c *Config) {
		c.MaxConcurrency = 16
	})

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1, report.Totals.RateLimited, "report must show exactly one rate-limited outcome")
	require.EqualValues(t, 9, report.Totals.Success)

	// The batch after the 429 runs at half the violating batch's level.
	violating := (*levels)[8]
	after := (*levels)[9]
	require.Equal(t, violating/2, after, "concurrency was not halved after the 429")
}

func TestController_ConcurrencyNeverExceedsMax(t *testing.T) {
	script := make([]scriptStep, 20)
	for i := range script {
		script[i] = ok()
	}

	const maxConc = 4
	ctrl, levels := harness(t, script, func(c *Config) {
		c.MaxConcurrency = maxConc
	})

	_, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	for i, lvl := range *levels {
		require.LessOrEqual(t, lvl, maxConc, "batch %d exceeded the concurrency cap", i)
	}
}

func TestController_NeverGrowsOnFatalOutcomes(t *testing.T) {
	// A dead resource (410, or an unrecognized status) keeps answering
	// every request; escalating into it would just burn the budget.
	script := []scriptStep{
		status(410), status(418), status(410), status(418), status(410), status(418),
	}

	ctrl, levels := harness(t, script, func(c *Config) {
		c.MaxConcurrency = 16
	})

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 6, report.Totals.Fatal)
	require.EqualValues(t, 0, report.Totals.Success)
	for i, lvl := range *levels {
		require.Equal(t, 1, lvl, "concurrency grew at batch %d despite fatal outcomes", i)
	}
	require.Equal(t, Done, ctrl.State())
}

func TestController_FatalAmongSuccessesBlocksGrowth(t *testing.T) {
	script := []scriptStep{
		ok(),
		status(410), // batch at level 2: must not grow further
		ok(),
		ok(),
	}

	ctrl, levels := harness(t, script, func(c *Config) {
		c.MaxConcurrency = 16
	})

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1, report.Totals.Fatal)
	require.Equal(t, (*levels)[1], (*levels)[2], "level must hold after a batch with a fatal outcome")
	require.Greater(t, (*levels)[3], (*levels)[2], "clean batches resume growth afterwards")
}

func TestController_BlockedForcesRotationAndBackoff(t *testing.T) {
	// Three consecutive 403s under one identity: the third is Blocked.
	script := []scriptStep{
		ok(),
		status(403), status(403), status(403),
		ok(), ok(),
	}

	pool := identity.NewPool()
	ctrl, _ := harness(t, script, func(c *Config) {
		c.Pool = pool
		c.MaxConcurrency = 8
	})

	genBefore := pool.Current().Generation

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1, report.Totals.Blocked)
	require.EqualValues(t, 2, report.Totals.Transient, "first two 403s stay transient")
	require.Greater(t, pool.Current().Generation, genBefore, "blocked batch must force an identity rotation")
}

func TestController_BackoffReachesSteadyAfterCleanBatch(t *testing.T) {
	script := []scriptStep{
		ok(),
		rateLimited(""),
		ok(), // clean batch at reduced level -> Steady
		ok(),
		ok(),
	}

	ctrl, _ := harness(t, script, nil)

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	// Pacing doubled once on the single backoff; the steady stretch ran at
	// that pacing, so it is the recommendation.
	require.Equal(t, 2*time.Millisecond, report.RecommendedPacing)
	require.Greater(t, report.RecommendedRate, 0.0)
	require.Equal(t, Done, ctrl.State())
}

func TestController_NeverGrowsInBackoff(t *testing.T) {
	script := []scriptStep{
		ok(), ok(), ok(),
		rateLimited(""),
		rateLimited(""), // still violating: shrink again, never grow
		ok(),
		ok(),
	}

	ctrl, levels := harness(t, script, func(c *Config) {
		c.MaxConcurrency = 16
	})

	_, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	// Batches 4 and 5 resolve while violations keep arriving; concurrency
	// must be non-increasing through that stretch.
	require.LessOrEqual(t, (*levels)[4], (*levels)[3])
	require.LessOrEqual(t, (*levels)[5], (*levels)[4])
}

func TestController_CancellationProducesReport(t *testing.T) {
	script := make([]scriptStep, 50)
	for i := range script {
		script[i] = ok()
	}

	ctrl, _ := harness(t, script, func(c *Config) {
		c.InitialPacing = 50 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	report, err := ctrl.Run(ctx)
	require.NoError(t, err)
	require.True(t, report.Cancelled)
	require.Less(t, report.Dispatched, 50)
}

func TestBatchMetrics_AccumulateMonotonically(t *testing.T) {
	script := []scriptStep{ok(), status(500), ok()}

	ctrl, _ := harness(t, script, nil)

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 2, report.Totals.Success)
	require.EqualValues(t, 1, report.Totals.Transient)
	require.EqualValues(t, 3, report.Totals.Total())

	// The accumulator lives for the controller's lifetime; a fresh
	// controller starts from zero.
	fresh, err := New(Config{
		Pool:          identity.NewPool(),
		Dispatcher:    mustDispatcher(t),
		NewDescriptor: func(identity.Identity) dispatch.Descriptor { return dispatch.Descriptor{Kind: dispatch.KindStock} },
		TotalRequests: 1,
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, fresh.Metrics().Snapshot().Total())
}

func mustDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.New(dispatch.Config{
		Transport: &scriptedTransport{script: []scriptStep{ok()}},
		Endpoints: map[dispatch.Kind]string{
			dispatch.KindStock: "http://stub/stock",
			dispatch.KindPrice: "http://stub/price",
		},
	})
	require.NoError(t, err)
	return d
}
