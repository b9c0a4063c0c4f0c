package resilience

import (
	"context"
	"log/slog"

	"github.com/felipemaragno/courier/internal/observability"
)

// Guard runs requests to a destination behind its rate limiter and circuit
// breaker. Either may be nil.
type Guard struct {
	limiter RateLimiter
	breaker CircuitBreaker
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewGuard(limiter RateLimiter, breaker CircuitBreaker, metrics *observability.Metrics, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{limiter: limiter, breaker: breaker, metrics: metrics, logger: logger}
}

// Do calls fn unless key is rate limited (ErrRateLimited) or its circuit is
// open (ErrCircuitOpen). isFailure decides which errors of fn count against
// the breaker; a nil isFailure counts every error.
func (g *Guard) Do(ctx context.Context, key string, limit int, fn func(ctx context.Context) error, isFailure func(error) bool) error {
	if g == nil {
		return fn(ctx)
	}

	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, key, limit)
		if err != nil {
			g.logger.Warn("rate limiter error", "error", err, "key", key)
		}
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RateLimiterRejections.WithLabelValues(key).Inc()
			}
			return ErrRateLimited
		}
	}

	if g.breaker == nil {
		return fn(ctx)
	}

	report, err := g.breaker.Acquire(ctx, key)
	if err != nil {
		if err == ErrCircuitOpen {
			g.setState(key, CircuitStateOpen)
			return ErrCircuitOpen
		}
		g.logger.Warn("circuit breaker error", "error", err, "key", key)
		return fn(ctx)
	}

	callErr := fn(ctx)
	failed := callErr != nil && (isFailure == nil || isFailure(callErr))
	report(!failed)

	if state, err := g.breaker.State(context.WithoutCancel(ctx), key); err == nil {
		g.setState(key, state)
	}
	return callErr
}

func (g *Guard) setState(key string, state CircuitState) {
	if g.metrics != nil {
		g.metrics.CircuitBreakerState.WithLabelValues(key).Set(state.Float())
	}
}

// TrackTrips counts transitions into the open state. Wire it to
// CircuitBreakerManager.OnStateChange.
func (g *Guard) TrackTrips(key string, from, to CircuitState) {
	g.setState(key, to)
	if to == CircuitStateOpen && g.metrics != nil {
		g.metrics.CircuitBreakerTrips.WithLabelValues(key).Inc()
	}
	g.logger.Info("circuit breaker state changed", "key", key, "from", from, "to", to)
}
