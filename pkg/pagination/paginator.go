package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/Sternrassler/sp-api-ingest/pkg/ratelimit"
	"github.com/Sternrassler/sp-api-ingest/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for pagination.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pages_fetched_total",
		Help: "Total pages fetched by endpoint",
	}, []string{"endpoint"})

	pageRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_page_records_total",
		Help: "Total records received in pages by endpoint",
	}, []string{"endpoint"})
)

var (
	// ErrCursorLoop is returned when the upstream repeats a continuation token.
	ErrCursorLoop = errors.New("pagination cursor repeated")

	// ErrMaxPages is returned when a walk exceeds Config.MaxPages.
	ErrMaxPages = errors.New("pagination page limit reached")
)

// FetchFunc fetches the page at cursor. The first page is requested with an
// empty cursor; filter parameters are bound by the caller.
type FetchFunc func(ctx context.Context, cursor string) (ingest.Page, error)

// Config holds paginator configuration.
type Config struct {
	// PagePause is the courtesy delay between consecutive page fetches.
	PagePause time.Duration

	// Timeout bounds a single fetch attempt (0 disables).
	Timeout time.Duration

	// MaxPages stops a walk after this many pages (0 means unlimited).
	MaxPages int
}

// DefaultConfig returns a one second pause between pages.
func DefaultConfig() Config {
	return Config{
		PagePause: 1 * time.Second,
		Timeout:   30 * time.Second,
	}
}

// Paginator fetches pages through a rate limiter and retry executor.
type Paginator struct {
	limiter ratelimit.Limiter
	retrier *retry.Executor
	config  Config
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a paginator.
func New(limiter ratelimit.Limiter, retrier *retry.Executor, cfg Config, logger zerolog.Logger) (*Paginator, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if retrier == nil {
		return nil, fmt.Errorf("retry executor is required")
	}
	if cfg.PagePause < 0 || cfg.Timeout < 0 || cfg.MaxPages < 0 {
		return nil, fmt.Errorf("pagination config values must be >= 0")
	}

	return &Paginator{
		limiter: limiter,
		retrier: retrier,
		config:  cfg,
		logger:  logger.With().Str("component", "paginator").Logger(),
		sleep:   sleepContext,
	}, nil
}

// Pause waits for the configured page pause. Callers use it between
// successive single fetches that do not go through Pages.
func (p *Paginator) Pause(ctx context.Context) error {
	if p.config.PagePause <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, p.config.PagePause)
}

// Fetch performs one upstream call at cursor. Every attempt, including
// retries, first acquires a rate limiter slot for endpoint.
func (p *Paginator) Fetch(ctx context.Context, endpoint string, fetch FetchFunc, cursor string) (ingest.Page, error) {
	var page ingest.Page
	err := p.retrier.Run(ctx, func(ctx context.Context) error {
		if err := p.limiter.Acquire(ctx, endpoint); err != nil {
			return err
		}

		attemptCtx := ctx
		if p.config.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
			defer cancel()
		}

		var err error
		page, err = fetch(attemptCtx, cursor)
		if err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			// Only this attempt timed out; the run is still alive.
			return &ingest.UpstreamError{
				Class:    ingest.ErrorClassNetwork,
				Endpoint: endpoint,
				Message:  fmt.Sprintf("attempt timed out after %v", p.config.Timeout),
				Err:      err,
			}
		}
		return err
	})
	if err != nil {
		return ingest.Page{}, err
	}

	pagesFetchedTotal.WithLabelValues(endpoint).Inc()
	pageRecordsTotal.WithLabelValues(endpoint).Add(float64(len(page.Records)))
	return page, nil
}

// Pages walks the cursor chain from the first page and calls fn for every page
// in order. It returns the number of pages handed to fn. An error from fetch or
// fn stops the walk; pages already passed to fn stay delivered.
func (p *Paginator) Pages(ctx context.Context, endpoint string, fetch FetchFunc, fn func(ingest.Page) error) (int, error) {
	start := time.Now()
	seen := make(map[string]struct{})
	cursor := ""
	pages := 0
	records := 0

	for {
		if pages > 0 {
			if err := p.Pause(ctx); err != nil {
				return pages, err
			}
		}

		page, err := p.Fetch(ctx, endpoint, fetch, cursor)
		if err != nil {
			return pages, fmt.Errorf("fetch page %d of %s: %w", pages+1, endpoint, err)
		}
		pages++
		records += len(page.Records)

		if err := fn(page); err != nil {
			return pages, err
		}

		if pages%50 == 0 {
			p.logger.Info().
				Str("endpoint", endpoint).
				Int("pages", pages).
				Int("records", records).
				Msg("Pagination progress")
		}

		if page.NextCursor == "" {
			break
		}
		if _, dup := seen[page.NextCursor]; dup {
			p.logger.Error().
				Str("endpoint", endpoint).
				Int("pages", pages).
				Msg("Upstream repeated a continuation token")
			return pages, fmt.Errorf("%s after page %d: %w", endpoint, pages, ErrCursorLoop)
		}
		seen[page.NextCursor] = struct{}{}
		cursor = page.NextCursor

		if p.config.MaxPages > 0 && pages >= p.config.MaxPages {
			return pages, fmt.Errorf("%s: %w (%d)", endpoint, ErrMaxPages, p.config.MaxPages)
		}
	}

	p.logger.Debug().
		Str("endpoint", endpoint).
		Int("pages", pages).
		Int("records", records).
		Dur("duration", time.Since(start)).
		Msg("Pagination complete")
	return pages, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
