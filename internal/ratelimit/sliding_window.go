package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stream254/throttle/internal/storage"
)

const slidingKeyPrefix = "ratelimit:sliding:"

// Redis sliding window log. Each attempt is a sorted set member scored by its
// unix millisecond timestamp; the set expires on its own once abandoned.
type RedisSlidingWindow struct {
	redis *storage.RedisClient
}

func NewRedisSlidingWindow(redis *storage.RedisClient) *RedisSlidingWindow {
	return &RedisSlidingWindow{redis: redis}
}

func (s *RedisSlidingWindow) Name() string {
	return "redis"
}

func (s *RedisSlidingWindow) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	redisKey := slidingKeyPrefix + key
	nowMs := now.UnixMilli()
	cutoff := now.Add(-window).UnixMilli()

	pipe := s.redis.TxPipeline()

	// Evict attempts that left the window
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10))

	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(nowMs),
		Member: strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString(),
	})
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.PExpire(ctx, redisKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return Counter{}, fmt.Errorf("redis sliding window: %w", err)
	}

	oldest := now
	if entries := oldestCmd.Val(); len(entries) > 0 {
		oldest = time.UnixMilli(int64(entries[0].Score)).UTC()
	}

	return Counter{
		Count:       countCmd.Val(),
		WindowStart: oldest,
		ResetAt:     oldest.Add(window),
	}, nil
}

func (s *RedisSlidingWindow) Reset(ctx context.Context, key string) error {
	return s.redis.Del(ctx, slidingKeyPrefix+key)
}
