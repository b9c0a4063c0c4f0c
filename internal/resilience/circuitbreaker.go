package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig tunes the per-key breakers. The breaker trips once
// MinRequests have been seen in the current Interval and the failure share
// reaches FailureRatio. After Timeout it lets MaxRequests probes through.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

// CircuitBreakerManager keeps one gobreaker two-step breaker per key, so a
// failing destination does not hold back deliveries to healthy ones.
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	mu       sync.RWMutex

	onStateChange func(key string, from, to CircuitState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// OnStateChange registers a callback for circuit breaker state transitions.
// Register it before the first Acquire.
func (m *CircuitBreakerManager) OnStateChange(fn func(key string, from, to CircuitState)) {
	m.onStateChange = fn
}

func (m *CircuitBreakerManager) breaker(key string) *gobreaker.TwoStepCircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[key]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[key]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewTwoStepCircuitBreaker(settings)
	m.breakers[key] = cb
	return cb
}

func (m *CircuitBreakerManager) Acquire(ctx context.Context, key string) (func(success bool), error) {
	done, err := m.breaker(key).Allow()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		return nil, err
	}
	return done, nil
}

func (m *CircuitBreakerManager) State(ctx context.Context, key string) (CircuitState, error) {
	return toState(m.breaker(key).State()), nil
}

// Remove deletes the breaker for key, e.g. when a subscription is deleted.
func (m *CircuitBreakerManager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, key)
}

func toState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}
