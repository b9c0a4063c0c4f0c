package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter shares a sliding-window limit between all dispatcher
// instances. Each request is a sorted-set member scored by its timestamp.
//
// Algorithm:
//  1. Remove entries older than the window
//  2. Count remaining entries
//  3. If count < limit, add new entry and allow
//  4. Otherwise, reject
//
// All operations are atomic using a Lua script.
type RedisRateLimiter struct {
	client   redis.Scripter
	config   RedisRateLimiterConfig
	fallback *RateLimiterManager
	logger   *slog.Logger
	seq      atomic.Uint64
	now      func() time.Time
}

// RedisRateLimiterConfig holds configuration for the Redis rate limiter.
type RedisRateLimiterConfig struct {
	Window       time.Duration
	KeyPrefix    string
	DefaultLimit int
}

// DefaultRedisRateLimiterConfig returns sensible defaults.
func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{
		Window:       time.Second,
		KeyPrefix:    "courier:ratelimit",
		DefaultLimit: 100,
	}
}

// NewRedisRateLimiter creates a new Redis-backed rate limiter.
// Falls back to in-memory rate limiting when Redis is unavailable.
func NewRedisRateLimiter(client redis.Scripter, config RedisRateLimiterConfig, logger *slog.Logger) *RedisRateLimiter {
	defaults := DefaultRedisRateLimiterConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = defaults.DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisRateLimiter{
		client:   client,
		config:   config,
		fallback: NewRateLimiterManager(DefaultRateLimiterConfig()),
		logger:   logger,
		now:      time.Now,
	}
}

// rateLimitScript returns 1 if allowed, 0 if rate limited.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		limit = r.config.DefaultLimit
	}

	now := r.now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, r.seq.Add(1))

	result, err := rateLimitScript.Run(ctx, r.client,
		[]string{r.config.KeyPrefix + ":" + key},
		now, r.config.Window.Milliseconds(), limit, member,
	).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback",
			"error", err,
			"key", key,
		)
		return r.fallback.Allow(ctx, key, limit)
	}

	return result == 1, nil
}
