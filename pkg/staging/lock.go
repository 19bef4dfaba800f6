package staging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/sp-api-ingest/pkg/ingest"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LockKeyPrefix namespaces run locks in Redis.
const LockKeyPrefix = "ingest:lock:"

// Lock is a held run lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker grants one run at a time per DataType. A second run is rejected
// with an *ingest.ConflictError rather than queued.
type Locker interface {
	Obtain(ctx context.Context, dataType ingest.DataType, holder string) (Lock, error)
}

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	mu     sync.Mutex
	holder map[ingest.DataType]string
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{holder: make(map[ingest.DataType]string)}
}

// Obtain implements Locker.
func (l *LocalLocker) Obtain(ctx context.Context, dataType ingest.DataType, holder string) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holder[dataType]; ok {
		return nil, &ingest.ConflictError{DataType: dataType, Holder: h}
	}
	l.holder[dataType] = holder
	return &localLock{locker: l, dataType: dataType}, nil
}

type localLock struct {
	locker   *LocalLocker
	dataType ingest.DataType
	once     sync.Once
}

func (l *localLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.holder, l.dataType)
		l.locker.mu.Unlock()
	})
	return nil
}

// RedisLocker holds run locks in Redis so runs on different hosts exclude
// each other. Held locks are refreshed in the background until released.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisLocker creates a Redis-backed locker. ttl bounds how long a crashed
// holder blocks the DataType.
func NewRedisLocker(redisClient *redis.Client, ttl time.Duration, logger zerolog.Logger) (*RedisLocker, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl < time.Second {
		return nil, fmt.Errorf("lock ttl must be >= 1s (got %v)", ttl)
	}
	return &RedisLocker{
		client: redislock.New(redisClient),
		ttl:    ttl,
		logger: logger.With().Str("component", "run-lock").Logger(),
	}, nil
}

// Obtain implements Locker.
func (l *RedisLocker) Obtain(ctx context.Context, dataType ingest.DataType, holder string) (Lock, error) {
	key := LockKeyPrefix + string(dataType)
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{Metadata: holder})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, &ingest.ConflictError{DataType: dataType}
	}
	if err != nil {
		return nil, fmt.Errorf("obtain run lock %s: %w", key, err)
	}

	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rl := &redisLock{lock: lock, cancel: cancel, done: make(chan struct{})}
	go l.refresh(refreshCtx, rl)

	l.logger.Debug().Str("key", key).Str("holder", holder).Dur("ttl", l.ttl).Msg("Run lock obtained")
	return rl, nil
}

func (l *RedisLocker) refresh(ctx context.Context, rl *redisLock) {
	defer close(rl.done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rl.lock.Refresh(ctx, l.ttl, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error().Err(err).Str("key", rl.lock.Key()).Msg("Failed to refresh run lock")
				if errors.Is(err, redislock.ErrNotObtained) {
					return
				}
			}
		}
	}
}

type redisLock struct {
	lock   *redislock.Lock
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (l *redisLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		if err := l.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.err = fmt.Errorf("release run lock %s: %w", l.lock.Key(), err)
		}
	})
	return l.err
}
