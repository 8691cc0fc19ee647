package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter is a fixed-window counter in Redis, shared by every
// API instance
type DistributedRateLimiter struct {
	redis  *redis.Client
	config Config
	prefix string
}

// NewDistributedRateLimiter creates a Redis-backed limiter
func NewDistributedRateLimiter(client *redis.Client, config Config, prefix string) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "recur:ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  client,
		config: config.withDefaults(),
		prefix: prefix,
	}
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow counts the request in the current window. The window starts with the
// first request and its key expires with it.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := rl.key(key)

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	if count == 1 {
		if err := rl.redis.Expire(ctx, redisKey, rl.config.Window).Err(); err != nil {
			return true, fmt.Errorf("redis error: %w", err)
		}
	}

	return count <= int64(rl.config.RequestsPerWindow+rl.config.Burst), nil
}

// Remaining returns the requests left in key's current window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, rl.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return rl.config.RequestsPerWindow + rl.config.Burst, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := rl.config.RequestsPerWindow + rl.config.Burst - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// TTL returns the time until key's window resets
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, rl.key(key)).Result()
}

// Reset clears key's window
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// Config returns the limit
func (rl *DistributedRateLimiter) Config() Config {
	return rl.config
}
