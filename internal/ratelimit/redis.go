package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a fixed one-minute window counter
// per key, shared across replicas. Use it when more than one API
// instance serves the same agents; a single instance is fine with
// MemoryLimiter.
type RedisLimiter struct {
	client    *redis.Client
	perMinute int
}

// NewRedisLimiter creates a Redis-backed limiter allowing perMinute
// requests per key per minute.
func NewRedisLimiter(client *redis.Client, perMinute int) *RedisLimiter {
	return &RedisLimiter{client: client, perMinute: perMinute}
}

// Allow increments the current window's counter for key and compares it
// against the per-minute budget. INCR and EXPIRE run in one pipeline so
// a crash between them cannot leave an immortal counter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := time.Now().UTC().Truncate(time.Minute).Unix()
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, window)

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return count.Val() <= int64(l.perMinute), nil
}

// Close releases nothing; the Redis client is owned by the caller.
func (l *RedisLimiter) Close() error { return nil }
