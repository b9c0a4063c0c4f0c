// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/felipemaragno/courier/internal/outbox"
	"github.com/felipemaragno/courier/internal/resilience"
	"github.com/felipemaragno/courier/internal/retry"
)

type Config struct {
	HTTP    HTTPConfig
	DB      DBConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	Worker  WorkerConfig
	Lease   LeaseConfig
	Retry   RetryConfig
	Webhook WebhookConfig
	Outbox  OutboxConfig

	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"courier"`
}

type HTTPConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DBConfig selects the store. An empty URL runs on the in-memory store,
// which is only suitable for a single process.
type DBConfig struct {
	URL      string `envconfig:"DATABASE_URL"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"30"`
	Migrate  bool   `envconfig:"DB_MIGRATE" default:"true"`
}

// RedisConfig enables the Redis-backed limiter, breaker and stream sink when
// URL is set. Without it the worker falls back to in-process resilience and
// does not register the stream sink.
type RedisConfig struct {
	URL          string `envconfig:"REDIS_URL"`
	PoolSize     int    `envconfig:"REDIS_POOL_SIZE" default:"10"`
	StreamPrefix string `envconfig:"REDIS_STREAM_PREFIX" default:"courier"`
	StreamMaxLen int64  `envconfig:"REDIS_STREAM_MAXLEN" default:"100000"`
}

// KafkaConfig enables ingest and export when Brokers is set.
type KafkaConfig struct {
	Brokers       []string `envconfig:"KAFKA_BROKERS"`
	IngestTopic   string   `envconfig:"KAFKA_INGEST_TOPIC"`
	ExportTopic   string   `envconfig:"KAFKA_EXPORT_TOPIC" default:"courier.analytics"`
	ConsumerGroup string   `envconfig:"KAFKA_CONSUMER_GROUP" default:"courier-ingest"`
}

type WorkerConfig struct {
	InstanceID      string        `envconfig:"INSTANCE_ID"`
	Workers         int           `envconfig:"WORKERS" default:"10"`
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"100ms"`
	BatchSize       int           `envconfig:"BATCH_SIZE" default:"10"`
	Channels        []string      `envconfig:"CHANNELS"`
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"30s"`
}

type LeaseConfig struct {
	Timeout         time.Duration `envconfig:"LEASE_TIMEOUT" default:"2m"`
	ReclaimInterval time.Duration `envconfig:"RECLAIM_INTERVAL" default:"15s"`
}

type RetryConfig struct {
	InitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"1s"`
	MaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"1h"`
	Multiplier      float64       `envconfig:"RETRY_MULTIPLIER" default:"2"`
	Jitter          float64       `envconfig:"RETRY_JITTER" default:"0.1"`
	MaxAttempts     int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
}

type WebhookConfig struct {
	// RateLimit is requests per second per subscription when the
	// subscription does not set its own.
	RateLimit int           `envconfig:"WEBHOOK_RATE_LIMIT" default:"100"`
	Timeout   time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
}

type OutboxConfig struct {
	// Routes maps event types to channels for events published without
	// explicit channels, e.g. "order.*=analytics-export|notification-fanout".
	Routes outbox.Routes `envconfig:"ROUTES"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Worker.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "courier"
		}
		cfg.Worker.InstanceID = host
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	positive("WORKERS", c.Worker.Workers > 0)
	positive("BATCH_SIZE", c.Worker.BatchSize > 0)
	positive("POLL_INTERVAL", c.Worker.PollInterval > 0)
	positive("DELIVERY_TIMEOUT", c.Worker.DeliveryTimeout > 0)
	positive("LEASE_TIMEOUT", c.Lease.Timeout > 0)
	positive("RECLAIM_INTERVAL", c.Lease.ReclaimInterval > 0)
	positive("DB_MAX_CONNS", c.DB.MaxConns > 0)

	if c.Lease.Timeout <= c.Worker.DeliveryTimeout {
		errs = append(errs, fmt.Errorf("LEASE_TIMEOUT (%s) must be larger than DELIVERY_TIMEOUT (%s)",
			c.Lease.Timeout, c.Worker.DeliveryTimeout))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry policy: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		Multiplier:      c.Retry.Multiplier,
		Jitter:          c.Retry.Jitter,
		MaxAttempts:     c.Retry.MaxAttempts,
	}
}

func (c *Config) RedisClientConfig() resilience.RedisConfig {
	cfg := resilience.DefaultRedisConfig()
	cfg.URL = c.Redis.URL
	cfg.PoolSize = c.Redis.PoolSize
	return cfg
}

// KafkaEnabled reports whether any broker is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0 && c.Kafka.Brokers[0] != ""
}
