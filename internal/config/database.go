package config

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// connectBackoff returns the wait after a failed attempt: 2s, 4s, ... capped at 30s.
func connectBackoff(attempt int) time.Duration {
	d := time.Second * time.Duration(1<<min(attempt, 5))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

var sleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OpenDatabase connects to MySQL through gorm, retrying up to
// ConnectAttempts times, and applies the pool settings.
func OpenDatabase(ctx context.Context, cfg DatabaseConfig, logger zerolog.Logger) (*gorm.DB, error) {
	log := logger.With().Str("component", "database").Str("host", cfg.Host).Str("database", cfg.Name).Logger()
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	gormCfg := &gorm.Config{
		Logger:                 logging.NewGormLogger(logger, cfg.SlowQuery),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := gorm.Open(mysql.Open(cfg.DSN()), gormCfg)
		if err == nil {
			if err = configurePool(ctx, db, cfg); err == nil {
				log.Info().Int("attempt", attempt).Msg("Connected to database")
				return db, nil
			}
			if sqlDB, derr := db.DB(); derr == nil {
				sqlDB.Close()
			}
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		wait := connectBackoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Database connection failed")
		if err := sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("connect to database: %w (last error: %w)", err, lastErr)
		}
	}
	return nil, fmt.Errorf("connect to database after %d attempts: %w", attempts, lastErr)
}

func configurePool(ctx context.Context, db *gorm.DB, cfg DatabaseConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

// OpenRedis connects to Redis and verifies it with a ping. It returns nil
// without error when no address is configured.
func OpenRedis(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info().Str("component", "redis").Str("addr", cfg.Addr).Msg("Connected to Redis")
	return client, nil
}
