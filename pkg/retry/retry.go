// Package retry runs operations with bounded exponential backoff.
//
// Only failures the classifier accepts are retried; by default that is any
// error matching ingest.ErrTransientUpstream. Permanent failures and
// unclassified errors are returned on the first attempt.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retries_total",
		Help: "Total number of retry attempts by operation",
	}, []string{"op"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by operation",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
	}, []string{"op"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation",
	}, []string{"op"})
)

// Config holds the configuration for retry logic.
type Config struct {
	// Name labels metrics and log lines.
	Name string

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps any single wait.
	MaxBackoff time.Duration

	// Multiplier grows the wait between consecutive retries.
	Multiplier float64

	// Jitter randomizes each wait by ±Jitter (fraction, 0 disables).
	Jitter float64

	// Retryable decides whether an error is worth another attempt.
	// Nil means ingest.IsTransient.
	Retryable func(error) bool
}

// DefaultConfig waits 2s, 4s, 8s before the three retries.
func DefaultConfig() Config {
	return Config{
		Name:           "upstream",
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
	}
}

// Executor applies a Config to operations.
type Executor struct {
	cfg    Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
}

// New creates an Executor.
func New(cfg Config, logger zerolog.Logger) (*Executor, error) {
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.InitialBackoff < 0 || cfg.MaxBackoff < 0 {
		return nil, fmt.Errorf("backoff durations must be >= 0")
	}
	if cfg.Multiplier < 1 {
		return nil, fmt.Errorf("multiplier must be >= 1 (got %v)", cfg.Multiplier)
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		return nil, fmt.Errorf("jitter must be in [0, 1) (got %v)", cfg.Jitter)
	}
	if cfg.Retryable == nil {
		cfg.Retryable = ingest.IsTransient
	}
	if cfg.Name == "" {
		cfg.Name = "operation"
	}

	return &Executor{
		cfg:    cfg,
		logger: logger.With().Str("component", "retry").Str("op", cfg.Name).Logger(),
		sleep:  sleepContext,
		rand:   rand.Float64,
	}, nil
}

// Config returns the executor's configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Backoff returns the wait before retry n (1-based), before jitter.
func (e *Executor) Backoff(n int) time.Duration {
	d := float64(e.cfg.InitialBackoff) * math.Pow(e.cfg.Multiplier, float64(n-1))
	if e.cfg.MaxBackoff > 0 && d > float64(e.cfg.MaxBackoff) {
		return e.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// Run executes op until it succeeds, fails permanently, or MaxRetries retries
// have been spent. The error of the final attempt is returned unchanged.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Info().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !e.cfg.Retryable(err) {
			return lastErr
		}

		if attempt >= e.cfg.MaxRetries {
			break
		}

		backoff := e.withJitter(e.Backoff(attempt + 1))
		retriesTotal.WithLabelValues(e.cfg.Name).Inc()
		retryBackoffSeconds.WithLabelValues(e.cfg.Name).Observe(backoff.Seconds())

		e.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", e.cfg.MaxRetries).
			Dur("backoff", backoff).
			Msg("Retrying after transient error")

		if err := e.sleep(ctx, backoff); err != nil {
			e.logger.Warn().
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("retry interrupted: %w (last error: %w)", err, lastErr)
		}
	}

	retryExhaustedTotal.WithLabelValues(e.cfg.Name).Inc()
	e.logger.Warn().
		Err(lastErr).
		Int("max_retries", e.cfg.MaxRetries).
		Msg("Retry attempts exhausted")

	return lastErr
}

func (e *Executor) withJitter(d time.Duration) time.Duration {
	if e.cfg.Jitter == 0 {
		return d
	}
	factor := 1 - e.cfg.Jitter + e.rand()*2*e.cfg.Jitter
	return time.Duration(float64(d) * factor)
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
