package dispatch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
)

// TransportError categorizes connection-level failures. HTTP error statuses
// are never transport errors; they come back as ordinary outcomes.
type TransportError string

const (
	// TransportTimeout is a request that exceeded its deadline.
	TransportTimeout TransportError = "timeout"

	// TransportConnectionFailed covers refused or reset connections.
	TransportConnectionFailed TransportError = "connection_failed"

	// TransportDNSFailure is a name-resolution failure.
	TransportDNSFailure TransportError = "dns_failure"

	// TransportOther is any other connection-level failure.
	TransportOther TransportError = "other"
)

// Request is the transport-level view of one outbound call: where to send
// it and with which query parameters and headers. The transport does not
// interpret any of it.
type Request struct {
	URL     string
	Params  map[string]string
	Headers map[string]string
}

// Transport executes one HTTP-like request and returns status, body, and
// headers, or a connection-level error. Implementations may layer
// additional low-level fingerprinting; callers must not depend on which
// concrete transport executed.
type Transport interface {
	RoundTrip(ctx context.Context, req Request) (status int, body []byte, header http.Header, err error)
}

type restyTransport struct {
	client *resty.Client
}

// NewPlainTransport returns a Transport backed by a stock resty client.
func NewPlainTransport() Transport {
	return &restyTransport{client: resty.New()}
}

// NewFingerprintTransport returns a Transport whose underlying round tripper
// is wrapped with browser-like TLS and header fingerprinting. Absence of
// this transport never changes classification or control flow, only which
// bytes go on the wire.
func NewFingerprintTransport() Transport {
	client := resty.New()
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	return &restyTransport{client: client}
}

func (t *restyTransport) RoundTrip(ctx context.Context, req Request) (int, []byte, http.Header, error) {
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(req.Params).
		SetHeaders(req.Headers).
		Get(req.URL)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode(), resp.Body(), resp.Header(), nil
}

// classifyTransportError maps a connection-level error onto the fixed
// TransportError categories.
func classifyTransportError(err error) TransportError {
	if errors.Is(err, context.DeadlineExceeded) {
		return TransportTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransportTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return TransportDNSFailure
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return TransportConnectionFailed
	}

	return TransportOther
}

// withTimeout derives the per-request deadline context. A non-positive
// timeout falls back to a conservative default.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
