// Package resilience protects delivery destinations with per-key rate limits
// and circuit breakers. Keys are destination identities, e.g. a webhook
// subscription id.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// RateLimiter defines the interface for rate limiting implementations.
// This allows swapping between in-memory and Redis-backed implementations.
type RateLimiter interface {
	// Allow reports whether one more request to key fits in limit requests
	// per second. A limit <= 0 uses the implementation default.
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// CircuitBreaker defines the interface for circuit breaker implementations.
type CircuitBreaker interface {
	// Acquire asks to send one request to key. It returns ErrCircuitOpen while
	// the breaker rejects traffic. Otherwise report must be called once with
	// the outcome of the request.
	Acquire(ctx context.Context, key string) (report func(success bool), err error)
	State(ctx context.Context, key string) (CircuitState, error)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half-open"
)

// Float maps the state to the circuit_breaker_state gauge value.
func (s CircuitState) Float() float64 {
	switch s {
	case CircuitStateHalfOpen:
		return 1
	case CircuitStateOpen:
		return 2
	default:
		return 0
	}
}

// RedisConfig holds configuration for Redis connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults for Redis connection.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient parses config.URL and applies the pool settings on top of
// whatever the URL specifies.
func NewRedisClient(config RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if config.PoolSize > 0 {
		opt.PoolSize = config.PoolSize
	}
	if config.ReadTimeout > 0 {
		opt.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opt.WriteTimeout = config.WriteTimeout
	}
	return redis.NewClient(opt), nil
}
