// Worker process for the outbox queue. Run as many instances as needed; the
// claim query hands every entry to exactly one of them.
//
// Each instance runs:
//  1. the worker pool: claims ready entries and delivers them through the sinks
//  2. the lease reclaimer: frees entries whose worker crashed or stalled
//  3. optionally, the Kafka ingest consumer feeding the outbox
//
// /health, /ready and /metrics are served on ADDR.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/felipemaragno/courier/internal/bootstrap"
	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/config"
	"github.com/felipemaragno/courier/internal/observability"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info(".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel).With(
		"service", "courier-worker",
		"instance_id", cfg.Worker.InstanceID,
	)
	slog.SetDefault(logger)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := bootstrap.OpenStore(ctx, cfg.DB, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if !store.Shared() {
		logger.Warn("worker is using a private in-memory store; only events ingested by this process will be delivered")
	}

	rdb := bootstrap.OpenRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	clk := clock.RealClock{}

	sinks := bootstrap.NewSinks(cfg, store, rdb, clk, metrics, logger)
	defer sinks.Close()

	delivery := bootstrap.NewDelivery(cfg, store, sinks.Registry, clk, metrics, logger)
	delivery.Start(ctx)

	ingest := bootstrap.NewIngest(cfg, bootstrap.NewOutbox(cfg, store, clk, metrics, logger), metrics, logger)
	if ingest != nil {
		ingest.Start(ctx)
	}

	healthHandler := observability.NewHealthHandler().
		WithCheck("database", store.HealthCheck()).
		WithCheck("redis", bootstrap.RedisHealthCheck(rdb))

	router := chi.NewRouter()
	router.Get("/health", healthHandler.Health)
	router.Get("/ready", healthHandler.Ready)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()
	healthHandler.SetReady(true)

	logger.Info("worker started",
		"workers", cfg.Worker.Workers,
		"batch_size", cfg.Worker.BatchSize,
		"channels", cfg.Worker.Channels,
		"lease_timeout", cfg.Lease.Timeout,
		"ingest", ingest != nil,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// stop taking new work first, then let in-flight deliveries settle
	if ingest != nil {
		ingest.Stop()
	}
	delivery.Stop()
	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}
