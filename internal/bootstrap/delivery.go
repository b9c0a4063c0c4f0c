package bootstrap

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/config"
	"github.com/felipemaragno/courier/internal/dispatch"
	"github.com/felipemaragno/courier/internal/kafka"
	"github.com/felipemaragno/courier/internal/lease"
	"github.com/felipemaragno/courier/internal/observability"
	"github.com/felipemaragno/courier/internal/outbox"
	"github.com/felipemaragno/courier/internal/resilience"
	"github.com/felipemaragno/courier/internal/sink"
	"github.com/felipemaragno/courier/internal/sink/redisstream"
	"github.com/felipemaragno/courier/internal/sink/webhook"
	"github.com/felipemaragno/courier/internal/worker"
)

// Channel names served by the built-in sinks.
const (
	ChannelWebhook            = "webhook"
	ChannelNotificationFanout = "notification-fanout"
	ChannelAnalyticsExport    = "analytics-export"
)

// NewOutbox builds the producer-facing service.
func NewOutbox(cfg *config.Config, store *Store, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *outbox.Service {
	return outbox.NewService(outbox.ServiceConfig{
		Recorder: outbox.NewRecorder(clk),
		Enqueuer: outbox.NewEnqueuer(clk, cfg.Retry.MaxAttempts),
		Router:   outbox.NewRouter(store.Subscriptions, cfg.Outbox.Routes),
		Tx:       store.Tx,
		Metrics:  metrics,
		Logger:   logger,
	})
}

// NewGuard picks the Redis-backed limiter and breaker when a client is
// available so all workers share the per-destination state.
func NewGuard(cfg *config.Config, rdb *redis.Client, metrics *observability.Metrics, logger *slog.Logger) *resilience.Guard {
	if rdb != nil {
		limiterConfig := resilience.DefaultRedisRateLimiterConfig()
		limiterConfig.DefaultLimit = cfg.Webhook.RateLimit
		return resilience.NewGuard(
			resilience.NewRedisRateLimiter(rdb, limiterConfig, logger),
			resilience.NewRedisCircuitBreaker(rdb, resilience.DefaultRedisCircuitBreakerConfig(), logger),
			metrics,
			logger,
		)
	}

	limiterConfig := resilience.DefaultRateLimiterConfig()
	limiterConfig.RequestsPerSecond = float64(cfg.Webhook.RateLimit)
	breaker := resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig())
	guard := resilience.NewGuard(resilience.NewRateLimiterManager(limiterConfig), breaker, metrics, logger)
	breaker.OnStateChange(guard.TrackTrips)
	return guard
}

// Sinks holds the registry and the resources its sinks own.
type Sinks struct {
	Registry *sink.Registry
	closers  []func() error
}

func (s *Sinks) Close() {
	for _, c := range s.closers {
		_ = c()
	}
}

// NewSinks registers the webhook sink always, the Redis stream sink when
// Redis is available and the Kafka export sink when brokers are configured.
func NewSinks(cfg *config.Config, store *Store, rdb *redis.Client, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Sinks {
	sinks := &Sinks{Registry: sink.NewRegistry()}

	httpClient := &http.Client{Timeout: cfg.Webhook.Timeout}
	guard := NewGuard(cfg, rdb, metrics, logger)
	sinks.Registry.Register(ChannelWebhook, webhook.New(webhook.DefaultConfig(), store.Subscriptions, httpClient, guard, clk, logger))

	if rdb != nil {
		streamConfig := redisstream.DefaultConfig()
		streamConfig.StreamPrefix = cfg.Redis.StreamPrefix
		streamConfig.MaxLen = cfg.Redis.StreamMaxLen
		sinks.Registry.Register(ChannelNotificationFanout, redisstream.New(rdb, streamConfig, logger))
	}

	if cfg.KafkaEnabled() {
		exportConfig := kafka.DefaultExporterConfig()
		exportConfig.Brokers = cfg.Kafka.Brokers
		exportConfig.Topic = cfg.Kafka.ExportTopic
		exporter := kafka.NewExporter(kafka.NewWriter(exportConfig), logger)
		sinks.Registry.Register(ChannelAnalyticsExport, exporter)
		sinks.closers = append(sinks.closers, exporter.Close)
	}

	logger.Info("sinks registered", "channels", sinks.Registry.Channels())
	return sinks
}

// Delivery is the claim, dispatch and reclaim side of the queue.
type Delivery struct {
	Leases     *lease.Manager
	Dispatcher *dispatch.Dispatcher
	Pool       *worker.Pool
	Reclaimer  *lease.Reclaimer

	wg sync.WaitGroup
}

func NewDelivery(cfg *config.Config, store *Store, registry *sink.Registry, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Delivery {
	leases := lease.NewManager(store.Entries, clk, logger).WithMetrics(metrics)

	dispatchConfig := dispatch.DefaultConfig()
	dispatchConfig.DeliveryTimeout = cfg.Worker.DeliveryTimeout
	dispatchConfig.LeaseTimeout = cfg.Lease.Timeout
	dispatcher := dispatch.New(dispatchConfig, registry, store.Entries, cfg.RetryPolicy(), clk, logger).
		WithMetrics(metrics)

	pool := worker.NewPool(worker.Config{
		InstanceID:   cfg.Worker.InstanceID,
		Workers:      cfg.Worker.Workers,
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		Channels:     cfg.Worker.Channels,
	}, leases, dispatcher, logger)

	reclaimer := lease.NewReclaimer(leases, lease.ReclaimerConfig{
		Interval:     cfg.Lease.ReclaimInterval,
		LeaseTimeout: cfg.Lease.Timeout,
	}, logger)

	return &Delivery{Leases: leases, Dispatcher: dispatcher, Pool: pool, Reclaimer: reclaimer}
}

func (d *Delivery) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Reclaimer.Start(ctx)
	}()
	d.Pool.Start(ctx)
}

// Stop drains the pool before stopping the reclaimer.
func (d *Delivery) Stop() {
	d.Pool.Stop()
	d.Reclaimer.Stop()
	d.wg.Wait()
}

// NewIngest returns nil unless Kafka brokers and an ingest topic are set.
func NewIngest(cfg *config.Config, publisher kafka.Publisher, metrics *observability.Metrics, logger *slog.Logger) *kafka.Consumer {
	if !cfg.KafkaEnabled() || cfg.Kafka.IngestTopic == "" {
		return nil
	}

	consumerConfig := kafka.DefaultConsumerConfig()
	consumerConfig.Brokers = cfg.Kafka.Brokers
	consumerConfig.Topic = cfg.Kafka.IngestTopic
	consumerConfig.GroupID = cfg.Kafka.ConsumerGroup
	consumerConfig.InstanceID = cfg.Worker.InstanceID

	handler := kafka.NewIngestHandler(publisher, kafka.WithMetrics(metrics), kafka.WithLogger(logger))
	return kafka.NewConsumer(consumerConfig, kafka.NewReader(consumerConfig), handler, logger)
}
