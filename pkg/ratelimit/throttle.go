package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request throttling.
var (
	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a request slot by key",
		Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"key"})

	rateLimitAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_rate_limit_acquires_total",
		Help: "Total request slots granted by key and whether the caller had to wait",
	}, []string{"key", "waited"})
)

// Limiter spaces calls per key so the upstream quota is respected.
type Limiter interface {
	// Acquire blocks until a call for key may proceed. It fails only if ctx
	// is cancelled while waiting.
	Acquire(ctx context.Context, key string) error
}

// Config holds throttle configuration.
type Config struct {
	// CallsPerSecond is the sustained rate allowed per key.
	CallsPerSecond float64

	// MaxJitter bounds the random delay added whenever a caller has to wait.
	MaxJitter time.Duration
}

// DefaultConfig returns one call per second per key with up to 100ms jitter.
func DefaultConfig() Config {
	return Config{
		CallsPerSecond: 1.0,
		MaxJitter:      100 * time.Millisecond,
	}
}

// Interval returns the minimum spacing between calls for one key.
func (c Config) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.CallsPerSecond)
}

func (c Config) validate() error {
	if c.CallsPerSecond <= 0 {
		return fmt.Errorf("calls_per_second must be > 0 (got %v)", c.CallsPerSecond)
	}
	if c.MaxJitter < 0 {
		return fmt.Errorf("max_jitter must be >= 0 (got %v)", c.MaxJitter)
	}
	return nil
}

// pacer holds the clock, jitter source and sleeper shared by both limiters.
type pacer struct {
	interval  time.Duration
	maxJitter time.Duration
	now       func() time.Time
	jitter    func(max time.Duration) time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger
}

func newPacer(cfg Config, logger zerolog.Logger) pacer {
	return pacer{
		interval:  cfg.Interval(),
		maxJitter: cfg.MaxJitter,
		now:       time.Now,
		jitter:    randomJitter,
		sleep:     sleepContext,
		logger:    logger,
	}
}

// wait sleeps from now until slot and records metrics.
func (p *pacer) wait(ctx context.Context, key string, now, slot time.Time) error {
	d := slot.Sub(now)
	if d <= 0 {
		rateLimitAcquiresTotal.WithLabelValues(key, "false").Inc()
		rateLimitWaitSeconds.WithLabelValues(key).Observe(0)
		return nil
	}

	rateLimitAcquiresTotal.WithLabelValues(key, "true").Inc()
	rateLimitWaitSeconds.WithLabelValues(key).Observe(d.Seconds())
	p.logger.Debug().
		Str("key", key).
		Dur("wait", d).
		Msg("Throttling request")

	if err := p.sleep(ctx, d); err != nil {
		p.logger.Warn().Str("key", key).Msg("Context cancelled while waiting for request slot")
		return err
	}
	return nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
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

// Throttle is an in-process Limiter keeping the last slot handed out per key.
type Throttle struct {
	pacer
	mu   sync.Mutex
	last map[string]time.Time
}

// New creates an in-process throttle.
func New(cfg Config, logger zerolog.Logger) (*Throttle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Throttle{
		pacer: newPacer(cfg, logger.With().Str("component", "rate-limiter").Logger()),
		last:  make(map[string]time.Time),
	}, nil
}

// Acquire implements Limiter. The first call for a key never waits. Later calls
// wait until the interval since the previously granted slot has passed, plus jitter.
// Slots are reserved under the lock so concurrent callers queue behind each other.
func (t *Throttle) Acquire(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	now := t.now()
	slot := now
	prev, hadPrev := t.last[key]
	if hadPrev {
		if next := prev.Add(t.interval); now.Before(next) {
			slot = next.Add(t.jitter(t.maxJitter))
		}
	}
	t.last[key] = slot
	t.mu.Unlock()

	if err := t.wait(ctx, key, now, slot); err != nil {
		t.release(key, slot, prev, hadPrev)
		return err
	}
	return nil
}

// release gives back a slot whose caller stopped waiting. A later
// reservation on the key is left in place.
func (t *Throttle) release(key string, slot, prev time.Time, hadPrev bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last[key].Equal(slot) {
		return
	}
	if hadPrev {
		t.last[key] = prev
		return
	}
	delete(t.last, key)
}
