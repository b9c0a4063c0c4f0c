package resilience

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCircuitBreaker is a circuit breaker whose state is shared by all
// dispatcher instances. State transitions are atomic Lua scripts. When Redis
// is unreachable the breaker degrades to an in-memory one.
type RedisCircuitBreaker struct {
	client   redis.Cmdable
	config   RedisCircuitBreakerConfig
	fallback *CircuitBreakerManager
	logger   *slog.Logger
	now      func() time.Time
}

// RedisCircuitBreakerConfig holds configuration for the Redis circuit breaker.
type RedisCircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open to close the circuit
	SuccessThreshold int
	// Timeout is how long the circuit stays open before transitioning to half-open
	Timeout time.Duration
	// Window is the time window for counting failures
	Window    time.Duration
	KeyPrefix string
}

// DefaultRedisCircuitBreakerConfig returns sensible defaults.
func DefaultRedisCircuitBreakerConfig() RedisCircuitBreakerConfig {
	return RedisCircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		Window:           60 * time.Second,
		KeyPrefix:        "courier:cb",
	}
}

func NewRedisCircuitBreaker(client redis.Cmdable, config RedisCircuitBreakerConfig, logger *slog.Logger) *RedisCircuitBreaker {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisCircuitBreakerConfig().KeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisCircuitBreaker{
		client:   client,
		config:   config,
		fallback: NewCircuitBreakerManager(DefaultCircuitBreakerConfig()),
		logger:   logger,
		now:      time.Now,
	}
}

func (r *RedisCircuitBreaker) key(key, field string) string {
	return r.config.KeyPrefix + ":" + key + ":" + field
}

// allowScript returns 1 = allowed, 0 = blocked (circuit open).
var allowScript = redis.NewScript(`
local state_key = KEYS[1]
local opened_at_key = KEYS[2]
local now = tonumber(ARGV[1])
local timeout_ms = tonumber(ARGV[2])

local state = redis.call('GET', state_key)
if not state then
    state = 'closed'
end

if state == 'open' then
    local opened_at = redis.call('GET', opened_at_key)
    if opened_at and (now - tonumber(opened_at)) < timeout_ms then
        return 0
    end
    redis.call('SET', state_key, 'half-open')
end

return 1
`)

var recordSuccessScript = redis.NewScript(`
local state_key = KEYS[1]
local successes_key = KEYS[2]
local failures_key = KEYS[3]
local success_threshold = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local state = redis.call('GET', state_key)
if not state then
    state = 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', successes_key)
    redis.call('PEXPIRE', successes_key, window_ms)

    if successes >= success_threshold then
        redis.call('SET', state_key, 'closed')
        redis.call('DEL', failures_key)
        redis.call('DEL', successes_key)
    end
elseif state == 'closed' then
    redis.call('DEL', failures_key)
end

return 1
`)

var recordFailureScript = redis.NewScript(`
local state_key = KEYS[1]
local failures_key = KEYS[2]
local opened_at_key = KEYS[3]
local successes_key = KEYS[4]
local failure_threshold = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('GET', state_key)
if not state then
    state = 'closed'
end

local open = false
if state == 'closed' then
    local failures = redis.call('INCR', failures_key)
    redis.call('PEXPIRE', failures_key, window_ms)
    open = failures >= failure_threshold
elseif state == 'half-open' then
    open = true
end

if open then
    redis.call('SET', state_key, 'open')
    redis.call('SET', opened_at_key, now)
    redis.call('PEXPIRE', opened_at_key, window_ms * 2)
    redis.call('DEL', successes_key)
end

return 1
`)

func (r *RedisCircuitBreaker) Acquire(ctx context.Context, key string) (func(success bool), error) {
	result, err := allowScript.Run(ctx, r.client,
		[]string{r.key(key, "state"), r.key(key, "opened_at")},
		r.now().UnixMilli(), r.config.Timeout.Milliseconds(),
	).Int()
	if err != nil {
		r.logger.Warn("redis circuit breaker failed, using fallback",
			"error", err,
			"key", key,
		)
		return r.fallback.Acquire(ctx, key)
	}
	if result == 0 {
		return nil, ErrCircuitOpen
	}

	return func(success bool) {
		// the delivery context may already be done; the report must still land
		if err := r.record(context.WithoutCancel(ctx), key, success); err != nil {
			r.logger.Warn("redis circuit breaker record failed",
				"error", err,
				"key", key,
				"success", success,
			)
		}
	}, nil
}

func (r *RedisCircuitBreaker) record(ctx context.Context, key string, success bool) error {
	windowMs := r.config.Window.Milliseconds()
	if success {
		return recordSuccessScript.Run(ctx, r.client,
			[]string{r.key(key, "state"), r.key(key, "successes"), r.key(key, "failures")},
			r.config.SuccessThreshold, windowMs,
		).Err()
	}
	return recordFailureScript.Run(ctx, r.client,
		[]string{r.key(key, "state"), r.key(key, "failures"), r.key(key, "opened_at"), r.key(key, "successes")},
		r.config.FailureThreshold, windowMs, r.now().UnixMilli(),
	).Err()
}

func (r *RedisCircuitBreaker) State(ctx context.Context, key string) (CircuitState, error) {
	state, err := r.client.Get(ctx, r.key(key, "state")).Result()
	if errors.Is(err, redis.Nil) {
		return CircuitStateClosed, nil
	}
	if err != nil {
		r.logger.Warn("redis circuit breaker state failed, using fallback",
			"error", err,
			"key", key,
		)
		return r.fallback.State(ctx, key)
	}

	return CircuitState(state), nil
}

// FailureCount returns the failures counted in the current window.
func (r *RedisCircuitBreaker) FailureCount(ctx context.Context, key string) (int, error) {
	count, err := r.client.Get(ctx, r.key(key, "failures")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(count)
}
