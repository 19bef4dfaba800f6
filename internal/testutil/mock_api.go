// Package testutil provides a mock seller API server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock seller API server.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount      int
	pathCounts        map[string]int
	lastRequestHeader http.Header
	lastQuery         map[string][]string
}

// NewMockAPI starts a mock server. Unknown paths answer 404.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
		lastQuery:  make(map[string][]string),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastRequestHeader = r.Header.Clone()
		mock.lastQuery[r.URL.Path] = append(mock.lastQuery[r.URL.Path], r.URL.RawQuery)
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if !exists {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[{"code":"NotFound","message":"Resource not found"}]}`))
			return
		}
		handler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, resp.write)
}

// SetSequence answers successive requests to path with resps in order. The
// last response repeats once the sequence is exhausted.
func (m *MockAPI) SetSequence(path string, resps ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[next]
		if next < len(resps)-1 {
			next++
		}
		mu.Unlock()
		resp.write(w, r)
	})
}

// SetPages serves a cursor chain on path. The first request (no token in
// tokenParam) gets bodies[0]; a request carrying token "page-N" gets bodies[N].
// Build bodies with PageToken so every page but the last links to the next.
func (m *MockAPI) SetPages(path, tokenParam string, bodies ...string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if tok := r.URL.Query().Get(tokenParam); tok != "" {
			num, ok := strings.CutPrefix(tok, "page-")
			n, err := strconv.Atoi(num)
			if !ok || err != nil || n < 0 || n >= len(bodies) {
				NewClientErrorResponse(http.StatusBadRequest, "invalid token").write(w, r)
				return
			}
			idx = n
		}
		NewOKResponse(bodies[idx]).write(w, r)
	})
}

// PageToken returns the continuation token SetPages resolves to page n.
func PageToken(n int) string {
	return fmt.Sprintf("page-%d", n)
}

// RequestCount returns the number of requests made to the server.
func (m *MockAPI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests made to path.
func (m *MockAPI) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// Queries returns the raw query strings received on path, in order.
func (m *MockAPI) Queries(path string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.lastQuery[path]...)
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockAPI) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

func (resp MockResponse) write(w http.ResponseWriter, r *http.Request) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewOKResponse creates a 200 OK JSON response.
func NewOKResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errors":[{"code":"QuotaExceeded","message":"You exceeded your quota for the requested resource."}]}`,
		Headers: map[string]string{
			"Content-Type":           "application/json",
			"x-amzn-RateLimit-Limit": "0.0167",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errors":[{"code":"InternalFailure","message":"We encountered an internal error."}]}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewClientErrorResponse creates a 4xx response with the given message.
func NewClientErrorResponse(status int, message string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"errors": []map[string]string{{"code": http.StatusText(status), "message": message}},
	})
	return MockResponse{
		StatusCode: status,
		Body:       string(body),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// OrdersPage renders an orders response. next is omitted when empty.
func OrdersPage(next string, orders ...map[string]any) string {
	payload := map[string]any{"Orders": orders}
	if next != "" {
		payload["NextToken"] = next
	}
	return render(map[string]any{"payload": payload})
}

// OrderItemsPage renders an order items response.
func OrderItemsPage(orderID, next string, items ...map[string]any) string {
	payload := map[string]any{"AmazonOrderId": orderID, "OrderItems": items}
	if next != "" {
		payload["NextToken"] = next
	}
	return render(map[string]any{"payload": payload})
}

// InventoryPage renders an inventory summaries response with the token
// under pagination.nextToken.
func InventoryPage(next string, summaries ...map[string]any) string {
	body := map[string]any{"payload": map[string]any{"inventorySummaries": summaries}}
	if next != "" {
		body["pagination"] = map[string]any{"nextToken": next}
	}
	return render(body)
}

// Order returns a minimal order payload.
func Order(id string, purchased time.Time) map[string]any {
	return map[string]any{
		"AmazonOrderId": id,
		"PurchaseDate":  purchased.UTC().Format(time.RFC3339),
		"OrderStatus":   "Shipped",
	}
}

// Summary returns a minimal inventory summary payload.
func Summary(sku string, quantity int) map[string]any {
	return map[string]any{
		"sellerSku":       sku,
		"fnSku":           "X00" + sku,
		"totalQuantity":   quantity,
		"lastUpdatedTime": "2024-03-01T00:00:00Z",
	}
}

func render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
