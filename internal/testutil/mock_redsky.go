// Package testutil provides testing utilities for shelfwatch.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior of a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockRedsky is a configurable stand-in for the remote catalog API.
type MockRedsky struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount   int
	SeenUserAgents []string
	SeenVisitorIDs []string
}

// NewMockRedsky creates a new mock catalog server.
func NewMockRedsky() *MockRedsky {
	mock := &MockRedsky{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.SeenUserAgents = append(mock.SeenUserAgents, r.Header.Get("User-Agent"))
		if v := r.URL.Query().Get("visitor_id"); v != "" {
			mock.SeenVisitorIDs = append(mock.SeenVisitorIDs, v)
		}
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"product":{}}}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockRedsky) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockRedsky) Close() {
	m.server.Close()
}

// Reset clears all tracking state.
func (m *MockRedsky) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.SeenUserAgents = nil
	m.SeenVisitorIDs = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockRedsky) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple canned response for a path.
func (m *MockRedsky) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetResponseSequence serves one response per request in order, sticking on
// the last entry afterwards.
func (m *MockRedsky) SetResponseSequence(path string, resps []MockResponse) {
	var mu sync.Mutex
	idx := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[len(resps)-1]
		if idx < len(resps) {
			resp = resps[idx]
		}
		idx++
		mu.Unlock()

		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests the server has seen.
func (m *MockRedsky) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// StockBody builds a fulfillment response body with one store option.
func StockBody(storeID string, quantity float64, locationName string) string {
	return fmt.Sprintf(`{
		"data": {
			"product": {
				"tcin": "87576259",
				"fulfillment": {
					"store_options": [
						{
							"location_id": %q,
							"location_available_to_promise_quantity": %g,
							"store": {"location_name": %q}
						}
					]
				}
			}
		}
	}`, storeID, quantity, locationName)
}

// PriceBody builds a product summary response body.
func PriceBody(retail float64, formatted, title string) string {
	return fmt.Sprintf(`{
		"data": {
			"product": {
				"price": {
					"current_retail": %g,
					"formatted_current_price": %q
				},
				"item": {"product_description": {"title": %q}}
			}
		}
	}`, retail, formatted, title)
}

// NewStockResponse creates a 200 fulfillment response for storeID.
func NewStockResponse(storeID string, quantity float64) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       StockBody(storeID, quantity, "UNC Franklin St"),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewPriceResponse creates a 200 summary response.
func NewPriceResponse(retail float64) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       PriceBody(retail, fmt.Sprintf("$%.2f", retail), "Xbox Series X Console"),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 with an optional Retry-After value.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too many requests"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewBlockedResponse creates a 403.
func NewBlockedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"error": "Access denied"}`,
	}
}

// NewGoneResponse creates a 410 for a discontinued product.
func NewGoneResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusGone,
		Body:       `{"error": "Gone"}`,
	}
}

// NewServerErrorResponse creates a 500.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}

// NewDriftResponse creates a 200 whose body does not match the expected
// schema, simulating remote schema drift.
func NewDriftResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"unexpected": "shape"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
