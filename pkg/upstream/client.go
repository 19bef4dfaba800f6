// Package upstream is the HTTP adapter for the seller API endpoints the
// ingestion runs read from. It classifies failures into transient and
// permanent errors and decodes responses into ingest pages.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_upstream_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// Endpoint paths.
const (
	OrdersEndpoint             = "/orders/v0/orders"
	InventorySummariesEndpoint = "/fba/inventory/v1/summaries"
	InventoryDetailsEndpoint   = "/fba/inventory/v1/inventories"
	CatalogItemsEndpoint       = "/catalog/2020-12-01/items"
)

// OrderItemsEndpoint returns the item listing path for one order.
func OrderItemsEndpoint(orderID string) string {
	return OrdersEndpoint + "/" + url.PathEscape(orderID) + "/orderItems"
}

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// Config holds the client configuration.
type Config struct {
	// BaseURL is the regional API host, e.g. https://sellingpartnerapi-na.amazon.com.
	BaseURL string

	// MarketplaceID scopes every request.
	MarketplaceID string

	// AccessToken is sent as x-amz-access-token. Token refresh happens elsewhere.
	AccessToken string

	// UserAgent identifies the application.
	UserAgent string

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// DefaultConfig returns a configuration for the North America endpoint.
func DefaultConfig(marketplaceID, accessToken string) Config {
	return Config{
		BaseURL:       "https://sellingpartnerapi-na.amazon.com",
		MarketplaceID: marketplaceID,
		AccessToken:   accessToken,
		UserAgent:     "sp-api-ingest/0.1.0 (Language=Go)",
		Timeout:       30 * time.Second,
	}
}

// Client issues upstream requests. It does not retry or rate limit; callers
// compose it with the pagination package for that.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.MarketplaceID == "" {
		return nil, fmt.Errorf("marketplace id is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     logger.With().Str("component", "upstream-client").Logger(),
		now:        time.Now,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// get performs a GET and decodes a JSON body into out. Every failure is
// returned as an *ingest.UpstreamError.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	start := time.Now()
	metricEndpoint := metricLabel(endpoint)
	defer func() {
		requestDuration.WithLabelValues(metricEndpoint).Observe(time.Since(start).Seconds())
	}()

	u := *c.baseURL
	u.Path = c.baseURL.Path + endpoint
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &ingest.UpstreamError{Class: ingest.ErrorClassClient, Endpoint: endpoint, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.config.AccessToken != "" {
		req.Header.Set("x-amz-access-token", c.config.AccessToken)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("query", u.RawQuery).
		Msg("Executing upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is not an upstream fault.
			return ctx.Err()
		}
		requestsTotal.WithLabelValues(metricEndpoint, "network_error").Inc()
		errorsTotal.WithLabelValues(string(ingest.ErrorClassNetwork)).Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Upstream request failed")
		return &ingest.UpstreamError{Class: ingest.ErrorClassNetwork, Endpoint: endpoint, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(metricEndpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(class)).Inc()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := resp.Status
		if len(body) > 0 {
			msg += ": " + strings.TrimSpace(string(body))
		}

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream request error")

		return &ingest.UpstreamError{StatusCode: resp.StatusCode, Class: class, Endpoint: endpoint, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errorsTotal.WithLabelValues(string(ingest.ErrorClassDecode)).Inc()
		return &ingest.UpstreamError{StatusCode: resp.StatusCode, Class: ingest.ErrorClassDecode, Endpoint: endpoint, Message: "decode response", Err: err}
	}
	return nil
}

// classifyStatus maps an HTTP error status to an error class.
func classifyStatus(status int) ingest.ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ingest.ErrorClassRateLimit
	case status == http.StatusRequestTimeout:
		return ingest.ErrorClassNetwork
	case status >= 500:
		return ingest.ErrorClassServer
	default:
		return ingest.ErrorClassClient
	}
}

// metricLabel collapses order ids out of item paths to keep label cardinality bounded.
func metricLabel(endpoint string) string {
	if strings.HasPrefix(endpoint, OrdersEndpoint+"/") && strings.HasSuffix(endpoint, "/orderItems") {
		return OrdersEndpoint + "/{id}/orderItems"
	}
	return endpoint
}

// ConnectionResult is the outcome of TestConnection.
type ConnectionResult struct {
	Status         string  `json:"status"`
	MarketplaceID  string  `json:"marketplace_id"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	Error          string  `json:"error,omitempty"`
	Timestamp      string  `json:"timestamp"`
}

// OK reports whether the connection test succeeded.
func (r ConnectionResult) OK() bool {
	return r.Status == "success"
}

// TestConnection issues a small catalog lookup to verify credentials and reachability.
func (c *Client) TestConnection(ctx context.Context) ConnectionResult {
	c.logger.Info().Msg("Testing upstream connection")

	query := url.Values{}
	query.Set("keywords", "test")
	query.Set("marketplaceIds", c.config.MarketplaceID)

	start := time.Now()
	err := c.get(ctx, CatalogItemsEndpoint, query, nil)
	elapsed := time.Since(start)

	res := ConnectionResult{
		Status:         "success",
		MarketplaceID:  c.config.MarketplaceID,
		ResponseTimeMS: float64(elapsed.Microseconds()) / 1000,
		Timestamp:      c.now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		res.Status = "failed"
		res.Error = err.Error()
		c.logger.Error().Err(err).Msg("Upstream connection test failed")
	}
	return res
}
