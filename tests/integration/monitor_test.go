package integration

import (
	"context"
	"testing"
	"time"

	"shelfwatch/internal/testutil"
	"shelfwatch/pkg/backoff"
	"shelfwatch/pkg/classify"
	"shelfwatch/pkg/dispatch"
	"shelfwatch/pkg/identity"
	"shelfwatch/pkg/monitor"
	"shelfwatch/pkg/throughput"
)

// newDispatcher wires a real dispatcher over the mock catalog server.
func newDispatcher(t *testing.T, mock *testutil.MockRedsky) *dispatch.Dispatcher {
	t.Helper()

	d, err := dispatch.New(dispatch.Config{
		Transport: dispatch.NewPlainTransport(),
		Endpoints: map[dispatch.Kind]string{
			dispatch.KindStock: mock.URL() + "/stock",
			dispatch.KindPrice: mock.URL() + "/price",
		},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	return d
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts:       5,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		Multiplier:        2.0,
		ParseFailureLimit: 3,
	}
}

// TestMonitorEndToEnd drives the full stack (identity pool, dispatcher,
// classifier, backoff, monitor loop) against a mock catalog server through
// a realistic out-of-stock, rate-limited, in-stock sequence.
func TestMonitorEndToEnd(t *testing.T) {
	mock := testutil.NewMockRedsky()
	defer mock.Close()

	mock.SetResponseSequence("/stock", []testutil.MockResponse{
		testutil.NewStockResponse("3241", 0),
		testutil.NewRateLimitResponse("0.001"),
		testutil.NewStockResponse("3241", 0),
		testutil.NewStockResponse("3241", 2.0),
	})
	mock.SetResponse("/price", testutil.NewPriceResponse(499.99))

	loop, err := monitor.New(monitor.Config{
		TCIN:        "87576259",
		StoreID:     "3241",
		Zip:         "27599",
		State:       "NC",
		APIKey:      "integration-key",
		Interval:    time.Millisecond,
		SafetyFloor: time.Millisecond,
		TrackPrice:  true,
		Pool:        identity.NewPool(),
		Dispatcher:  newDispatcher(t, mock),
		Policy:      fastPolicy(),
	})
	if err != nil {
		t.Fatalf("Failed to create loop: %v", err)
	}

	res := loop.Run(context.Background())

	if res.Reason != monitor.ReasonFound {
		t.Fatalf("Reason = %s, want found (err: %v)", res.Reason, res.Err)
	}
	if res.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", res.Attempts)
	}
	if res.Snapshot.Quantity != 2.0 {
		t.Errorf("Quantity = %v, want 2", res.Snapshot.Quantity)
	}
	if res.Snapshot.FormattedPrice != "$499.99" {
		t.Errorf("FormattedPrice = %q, want $499.99", res.Snapshot.FormattedPrice)
	}

	// 4 stock checks plus 1 price fetch.
	if got := mock.GetRequestCount(); got != 5 {
		t.Errorf("Request count = %d, want 5", got)
	}
	for i, agent := range mock.SeenUserAgents {
		if agent == "" {
			t.Errorf("Request %d carried no User-Agent", i)
		}
	}
}

// TestProbeEndToEnd runs the throughput controller against a mock server
// that rate-limits partway through the budget.
func TestProbeEndToEnd(t *testing.T) {
	mock := testutil.NewMockRedsky()
	defer mock.Close()

	stockOK := testutil.NewStockResponse("3241", 0)
	seq := make([]testutil.MockResponse, 0, 20)
	for i := 0; i < 10; i++ {
		seq = append(seq, stockOK)
	}
	seq = append(seq, testutil.NewRateLimitResponse("0.001"))
	for i := 0; i < 9; i++ {
		seq = append(seq, stockOK)
	}
	mock.SetResponseSequence("/stock", seq)

	monCfg := monitor.Config{
		TCIN:    "87576259",
		StoreID: "3241",
		APIKey:  "integration-key",
	}

	ctrl, err := throughput.New(throughput.Config{
		Pool:       identity.NewPool(),
		Dispatcher: newDispatcher(t, mock),
		NewDescriptor: func(id identity.Identity) dispatch.Descriptor {
			return monitor.StockDescriptor(monCfg, id.SessionToken)
		},
		ShapeCheck:    monitor.StockShapeCheck("3241"),
		TotalRequests: 20,
		BatchSize:     2,
		InitialPacing: time.Millisecond,
		CoolDown:      time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}

	report, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	if report.Dispatched != 20 {
		t.Errorf("Dispatched = %d, want the full 20-request budget", report.Dispatched)
	}
	if report.Totals.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", report.Totals.RateLimited)
	}
	if report.Totals.Success != 19 {
		t.Errorf("Success = %d, want 19", report.Totals.Success)
	}
	if report.RecommendedPacing <= 0 {
		t.Error("Report must carry a recommended pacing")
	}
}

// TestClassifierAgainstRealResponses exercises classification over actual
// HTTP responses rather than synthetic outcomes.
func TestClassifierAgainstRealResponses(t *testing.T) {
	mock := testutil.NewMockRedsky()
	defer mock.Close()

	d := newDispatcher(t, mock)
	pool := identity.NewPool()
	id := pool.Current()

	tests := []struct {
		name string
		resp testutil.MockResponse
		want classify.Class
	}{
		{"in stock", testutil.NewStockResponse("3241", 1), classify.Success},
		{"rate limited", testutil.NewRateLimitResponse("30"), classify.RateLimited},
		{"server error", testutil.NewServerErrorResponse(), classify.Transient},
		{"schema drift", testutil.NewDriftResponse(), classify.Transient},
		{"discontinued", testutil.NewGoneResponse(), classify.Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.SetResponse("/stock", tt.resp)

			out := d.One(context.Background(), dispatch.Descriptor{Kind: dispatch.KindStock}, id)
			cl := classify.Classify(out, classify.Options{ShapeCheck: monitor.StockShapeCheck("3241")})

			if cl.Class != tt.want {
				t.Errorf("Class = %s, want %s (status %d)", cl.Class, tt.want, out.StatusCode)
			}
		})
	}
}
