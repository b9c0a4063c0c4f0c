package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the default token bucket of a key.
//
// RequestsPerSecond controls the steady-state rate of allowed requests.
// BurstSize allows temporary spikes above the rate limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
	}
}

type keyedLimiter struct {
	limiter *rate.Limiter
	limit   int
}

// RateLimiterManager keeps one x/time/rate token bucket per key. A bucket is
// rebuilt when the configured limit of its key changes.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[string]*keyedLimiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[string]*keyedLimiter),
	}
}

func (m *RateLimiterManager) newLimiter(limit int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	}
	return rate.NewLimiter(rate.Limit(limit), limit/10+1)
}

// limiter uses double-checked locking so the common path only takes a read lock.
func (m *RateLimiterManager) limiter(key string, limit int) *rate.Limiter {
	m.mu.RLock()
	kl, exists := m.limiters[key]
	m.mu.RUnlock()

	if exists && kl.limit == limit {
		return kl.limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if kl, exists = m.limiters[key]; exists && kl.limit == limit {
		return kl.limiter
	}

	kl = &keyedLimiter{limiter: m.newLimiter(limit), limit: limit}
	m.limiters[key] = kl
	return kl.limiter
}

func (m *RateLimiterManager) Allow(ctx context.Context, key string, limit int) (bool, error) {
	return m.limiter(key, limit).Allow(), nil
}

// Remove deletes the limiter for key, freeing memory.
func (m *RateLimiterManager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, key)
}
