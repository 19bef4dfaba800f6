package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/sp-api-ingest/internal/config"
	"github.com/Sternrassler/sp-api-ingest/pkg/metrics"
	"github.com/Sternrassler/sp-api-ingest/pkg/orchestrator"
	"github.com/Sternrassler/sp-api-ingest/pkg/pagination"
	"github.com/Sternrassler/sp-api-ingest/pkg/ratelimit"
	"github.com/Sternrassler/sp-api-ingest/pkg/retry"
	"github.com/Sternrassler/sp-api-ingest/pkg/staging"
	"github.com/Sternrassler/sp-api-ingest/pkg/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// dependencies is the wired object graph of one command invocation.
type dependencies struct {
	store        *staging.Store
	orchestrator *orchestrator.Orchestrator
	chunkDelay   time.Duration

	closers []func() error
	logger  zerolog.Logger
}

// wire builds storage, pacing and the orchestrator from the configuration.
// Dry runs stage into memory; everything else goes to MySQL. Redis, when
// configured, shares rate limits and run locks between hosts.
func wire(ctx context.Context, cfg config.Config, opts options, client *upstream.Client, logger zerolog.Logger) (*dependencies, error) {
	deps := &dependencies{chunkDelay: cfg.ChunkDelay, logger: logger}
	ok := false
	defer func() {
		if !ok {
			deps.Close()
		}
	}()

	var (
		repo  staging.Repository
		ready metrics.ReadyFunc
	)
	if opts.dryRun {
		logger.Warn().Msg("Dry run: staging into memory, nothing is persisted")
		repo = staging.NewMemoryRepository()
	} else {
		db, err := config.OpenDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, sqlDB.Close)
		repo = staging.NewGormRepository(db)
		ready = sqlDB.PingContext
	}

	store, err := staging.NewStore(repo, staging.Config{
		Tables:     staging.DefaultTables(),
		StaleAfter: cfg.StaleAfter,
	}, logger)
	if err != nil {
		return nil, err
	}
	deps.store = store
	if opts.dryRun {
		// Memory tables start empty.
		if err := store.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	redisClient, err := config.OpenRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		deps.closers = append(deps.closers, redisClient.Close)
	}

	limiter, locker, err := pacing(cfg, redisClient, logger)
	if err != nil {
		return nil, err
	}

	retrier, err := retry.New(retry.Config{
		Name:           "upstream",
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}, logger)
	if err != nil {
		return nil, err
	}

	paginator, err := pagination.New(limiter, retrier, pagination.Config{
		PagePause: cfg.PagePause,
		Timeout:   cfg.Upstream.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.BatchSize = cfg.BatchSize
	orchCfg.ChunkDelay = cfg.ChunkDelay
	orchCfg.KeyChunkSize = upstream.MaxSKUsPerRequest
	deps.orchestrator, err = orchestrator.New(client, paginator, store, locker, orchCfg, logger)
	if err != nil {
		return nil, err
	}

	if opts.metricsAddr != "" {
		srv, err := metrics.Start(opts.metricsAddr, ready, logger)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	ok = true
	return deps, nil
}

// pacing picks the Redis-backed limiter and locker when Redis is available.
func pacing(cfg config.Config, redisClient *redis.Client, logger zerolog.Logger) (ratelimit.Limiter, staging.Locker, error) {
	rlCfg := ratelimit.Config{
		CallsPerSecond: cfg.RateLimit.CallsPerSecond,
		MaxJitter:      cfg.RateLimit.MaxJitter,
	}

	if redisClient == nil {
		limiter, err := ratelimit.New(rlCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return limiter, staging.NewLocalLocker(), nil
	}

	limiter, err := ratelimit.NewRedis(redisClient, rlCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	locker, err := staging.NewRedisLocker(redisClient, cfg.LockTTL, logger)
	if err != nil {
		return nil, nil, err
	}
	return limiter, locker, nil
}

// pause waits ChunkDelay between flows. Cancellation is observed by the
// next flow, so its error is not reported here.
func (d *dependencies) pause(ctx context.Context) {
	if d.chunkDelay <= 0 {
		return
	}
	timer := time.NewTimer(d.chunkDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Close releases resources in reverse order of acquisition.
func (d *dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn().Err(err).Msg("Shutdown incomplete")
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
