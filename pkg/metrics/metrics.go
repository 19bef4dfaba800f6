// Package metrics serves the Prometheus endpoint of the ingestion commands.
// Metrics themselves are defined with promauto in the packages that record
// them (ratelimit, retry, pagination, staging, orchestrator, upstream).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer all ingest metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// ReadyFunc reports whether the dependencies of a run are reachable.
type ReadyFunc func(ctx context.Context) error

// Handler returns a mux with /metrics, /health and /ready. A nil ready
// always reports ready.
func Handler(ready ReadyFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(ready))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(ready ReadyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				http.Error(w, "NOT READY: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

// Server exposes Handler on an address for the lifetime of a run.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   zerolog.Logger
	done     chan error
}

// Start listens on addr and serves in the background. Use ":0" for a
// random port; Addr reports the bound address.
func Start(addr string, ready ReadyFunc, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           Handler(ready),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger.With().Str("component", "metrics").Logger(),
		done:     make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return <-s.done
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - ingest_rate_limit_wait_seconds{key} (Histogram): time spent waiting for a slot
//   - ingest_rate_limit_acquires_total{key, waited} (Counter): slot acquisitions
//
// Retry Metrics (pkg/retry):
//   - ingest_retries_total{op} (Counter): retry attempts
//   - ingest_retry_backoff_seconds{op} (Histogram): backoff before each retry
//   - ingest_retry_exhausted_total{op} (Counter): operations that spent the retry budget
//
// Pagination Metrics (pkg/pagination):
//   - ingest_pages_fetched_total{endpoint} (Counter)
//   - ingest_page_records_total{endpoint} (Counter)
//
// Upstream Metrics (pkg/upstream):
//   - ingest_upstream_requests_total{endpoint, status} (Counter)
//   - ingest_upstream_request_duration_seconds{endpoint} (Histogram)
//   - ingest_upstream_errors_total{class} (Counter): client, server, rate_limit, network, decode
//
// Staging Metrics (pkg/staging):
//   - ingest_staging_records_total{table, outcome} (Counter): inserted, duplicate, archived
//   - ingest_staging_write_errors_total{table, mode} (Counter)
//   - ingest_staging_write_seconds{mode} (Histogram)
//
// Run Metrics (pkg/orchestrator):
//   - ingest_chunks_total{data_type, status} (Counter): ok, error, cancelled
//   - ingest_run_duration_seconds{data_type} (Histogram)
//   - ingest_run_records_total{data_type} (Counter)
//
// Example Prometheus Queries:
//
//   # Duplicate ratio of appended records
//   sum(rate(ingest_staging_records_total{outcome="duplicate"}[1h])) /
//   sum(rate(ingest_staging_records_total{outcome=~"inserted|duplicate"}[1h]))
//
//   # Upstream throttling
//   rate(ingest_upstream_errors_total{class="rate_limit"}[5m])
//
//   # Failed chunks per data type
//   sum by (data_type) (increase(ingest_chunks_total{status="error"}[1d]))
