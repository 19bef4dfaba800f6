package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KeyPrefix namespaces the per-key slot entries in Redis.
const KeyPrefix = "ingest:ratelimit:"

// reserveScript atomically hands out the next slot for a key.
// KEYS[1] slot key; ARGV: now ms, interval ms, jitter ms, ttl ms.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local slot = now
local last = redis.call('GET', KEYS[1])
if last then
  local next = tonumber(last) + tonumber(ARGV[2])
  if now < next then
    slot = next + tonumber(ARGV[3])
  end
end
redis.call('SET', KEYS[1], slot, 'PX', tonumber(ARGV[4]))
return slot
`)

// RedisThrottle is a Limiter whose slots are shared by every process using the
// same Redis. Slot times come from the caller's clock, so hosts should be in sync.
type RedisThrottle struct {
	pacer
	redis *redis.Client
	ttl   time.Duration
}

// NewRedis creates a Redis-backed throttle.
func NewRedis(redisClient *redis.Client, cfg Config, logger zerolog.Logger) (*RedisThrottle, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := newPacer(cfg, logger.With().Str("component", "rate-limiter").Str("backend", "redis").Logger())
	ttl := 10 * (p.interval + p.maxJitter)
	if ttl < time.Second {
		ttl = time.Second
	}

	return &RedisThrottle{
		pacer: p,
		redis: redisClient,
		ttl:   ttl,
	}, nil
}

// Acquire implements Limiter.
func (t *RedisThrottle) Acquire(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := t.now()
	slotMS, err := reserveScript.Run(ctx, t.redis, []string{KeyPrefix + key},
		now.UnixMilli(),
		t.interval.Milliseconds(),
		t.jitter(t.maxJitter).Milliseconds(),
		t.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Redis unavailable: fall back to pacing by the interval alone.
		t.logger.Warn().Err(err).Str("key", key).Msg("Slot reservation failed, waiting full interval")
		return t.wait(ctx, key, now, now.Add(t.interval))
	}

	return t.wait(ctx, key, now, time.UnixMilli(slotMS))
}
