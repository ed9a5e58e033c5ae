package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/stream254/throttle/internal/storage"
)

const fixedKeyPrefix = "ratelimit:fixed:"

// Redis fixed window: SET NX PX creates the window with its expiry, INCR counts
// the attempt and PTTL tells when the window ends. All three run in one MULTI.
type RedisFixedWindow struct {
	redis *storage.RedisClient
}

func NewRedisFixedWindow(redis *storage.RedisClient) *RedisFixedWindow {
	return &RedisFixedWindow{redis: redis}
}

func (f *RedisFixedWindow) Name() string {
	return "redis"
}

func (f *RedisFixedWindow) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	redisKey := fixedKeyPrefix + key

	pipe := f.redis.TxPipeline()
	pipe.SetNX(ctx, redisKey, 0, window)
	countCmd := pipe.Incr(ctx, redisKey)
	ttlCmd := pipe.PTTL(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return Counter{}, fmt.Errorf("redis fixed window: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl <= 0 || ttl > window {
		ttl = window
	}

	resetAt := now.Add(ttl)
	return Counter{
		Count:       countCmd.Val(),
		WindowStart: resetAt.Add(-window),
		ResetAt:     resetAt,
	}, nil
}

func (f *RedisFixedWindow) Reset(ctx context.Context, key string) error {
	return f.redis.Del(ctx, fixedKeyPrefix+key)
}
