package classify

import (
	"net/http"
	"testing"

	"shelfwatch/pkg/dispatch"
)

func outcome(status int, body string, headers map[string]string) dispatch.Outcome {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return dispatch.Outcome{StatusCode: status, Body: []byte(body), Header: h}
}

func validShape(body []byte) bool   { return string(body) == `{"valid":true}` }
func invalidShape(body []byte) bool { return false }

func TestClassify_Rules(t *testing.T) {
	tests := []struct {
		name    string
		outcome dispatch.Outcome
		opts    Options
		want    Class
	}{
		{
			name:    "transport timeout is transient",
			outcome: dispatch.Outcome{TransportErr: dispatch.TransportTimeout},
			want:    Transient,
		},
		{
			name:    "transport connection failure is transient",
			outcome: dispatch.Outcome{TransportErr: dispatch.TransportConnectionFailed},
			want:    Transient,
		},
		{
			name:    "transport dns failure is transient",
			outcome: dispatch.Outcome{TransportErr: dispatch.TransportDNSFailure},
			want:    Transient,
		},
		{
			name:    "200 with valid body",
			outcome: outcome(200, `{"valid":true}`, nil),
			opts:    Options{ShapeCheck: validShape},
			want:    Success,
		},
		{
			name:    "200 with nil shape check",
			outcome: outcome(200, `anything`, nil),
			want:    Success,
		},
		{
			name:    "200 failing shape check is schema drift",
			outcome: outcome(200, `<html>captcha</html>`, nil),
			opts:    Options{ShapeCheck: invalidShape},
			want:    Transient,
		},
		{
			name:    "429 rate limited",
			outcome: outcome(429, "", nil),
			want:    RateLimited,
		},
		{
			name:    "410 gone is fatal",
			outcome: outcome(410, "", nil),
			want:    Fatal,
		},
		{
			name:    "single 403 is transient",
			outcome: outcome(403, "", nil),
			opts:    Options{PriorRepeats: 0},
			want:    Transient,
		},
		{
			name:    "single 404 is transient",
			outcome: outcome(404, "", nil),
			opts:    Options{PriorRepeats: 1},
			want:    Transient,
		},
		{
			name:    "repeated 403 under same identity is blocked",
			outcome: outcome(403, "", nil),
			opts:    Options{PriorRepeats: 2},
			want:    Blocked,
		},
		{
			name:    "repeated 404 under same identity is blocked",
			outcome: outcome(404, "", nil),
			opts:    Options{PriorRepeats: 3},
			want:    Blocked,
		},
		{
			name:    "500 is transient",
			outcome: outcome(500, "", nil),
			want:    Transient,
		},
		{
			name:    "503 is transient",
			outcome: outcome(503, "", nil),
			want:    Transient,
		},
		{
			name:    "unexpected 302 is fatal",
			outcome: outcome(302, "", nil),
			want:    Fatal,
		},
		{
			name:    "unexpected 201 is fatal",
			outcome: outcome(201, "", nil),
			want:    Fatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.outcome, tt.opts)
			if got.Class != tt.want {
				t.Errorf("Classify() = %s, want %s", got.Class, tt.want)
			}
		})
	}
}

func TestClassify_RetryAfter(t *testing.T) {
	tests := []struct {
		name      string
		header    map[string]string
		wantHas   bool
		wantRetry float64
	}{
		{name: "delta seconds", header: map[string]string{"Retry-After": "30"}, wantHas: true, wantRetry: 30},
		{name: "fractional seconds", header: map[string]string{"Retry-After": "1.5"}, wantHas: true, wantRetry: 1.5},
		{name: "absent header", header: nil, wantHas: false},
		{name: "unparseable value", header: map[string]string{"Retry-After": "Wed, 21 Oct 2026 07:28:00 GMT"}, wantHas: false},
		{name: "negative rejected", header: map[string]string{"Retry-After": "-5"}, wantHas: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(outcome(429, "", tt.header), Options{})
			if got.Class != RateLimited {
				t.Fatalf("Classify() = %s, want rate_limited", got.Class)
			}
			if got.HasRetryAfter != tt.wantHas {
				t.Errorf("HasRetryAfter = %v, want %v", got.HasRetryAfter, tt.wantHas)
			}
			if tt.wantHas && got.RetryAfter != tt.wantRetry {
				t.Errorf("RetryAfter = %v, want %v", got.RetryAfter, tt.wantRetry)
			}
		})
	}
}

func TestClassify_Pure(t *testing.T) {
	o := outcome(429, `{"error":"slow down"}`, map[string]string{"Retry-After": "10"})
	opts := Options{PriorRepeats: 1}

	first := Classify(o, opts)
	for i := 0; i < 100; i++ {
		if got := Classify(o, opts); got != first {
			t.Fatalf("classification changed on repeat call: %+v != %+v", got, first)
		}
	}
}

func TestClassify_IndependentOfIdentity(t *testing.T) {
	// The classifier has no identity input at all; generation only enters
	// the diagnostic record. Two records for the same outcome under
	// different generations must carry the same class.
	o := outcome(500, "", nil)

	a := NewRecord(o, Classify(o, Options{}), 1)
	b := NewRecord(o, Classify(o, Options{}), 99)

	if a.Class != b.Class {
		t.Errorf("class differs by identity generation: %s vs %s", a.Class, b.Class)
	}
	if a.IdentityGeneration == b.IdentityGeneration {
		t.Error("records should carry distinct generations")
	}
}
