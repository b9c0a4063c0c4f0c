// Operator API for the outbox: records events, exposes queue state and lets
// operators cancel or redrive entries.
//
// With a database configured the API only records and inspects; cmd/worker
// processes the queue. Without one the queue lives in this process, so the
// delivery side runs here too.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/felipemaragno/courier/internal/api"
	"github.com/felipemaragno/courier/internal/bootstrap"
	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/config"
	"github.com/felipemaragno/courier/internal/lease"
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

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel).With("service", "courier-api")
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

	rdb := bootstrap.OpenRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	clk := clock.RealClock{}
	service := bootstrap.NewOutbox(cfg, store, clk, metrics, logger)

	var delivery *bootstrap.Delivery
	leases := lease.NewManager(store.Entries, clk, logger).WithMetrics(metrics)
	if !store.Shared() {
		sinks := bootstrap.NewSinks(cfg, store, rdb, clk, metrics, logger)
		defer sinks.Close()
		delivery = bootstrap.NewDelivery(cfg, store, sinks.Registry, clk, metrics, logger)
		leases = delivery.Leases
		delivery.Start(ctx)
		logger.Info("running delivery in-process")
	}

	healthHandler := observability.NewHealthHandler().
		WithCheck("database", store.HealthCheck()).
		WithCheck("redis", bootstrap.RedisHealthCheck(rdb))

	handler := api.NewHandler(api.HandlerConfig{
		Publisher:        service,
		Events:           store.Events,
		Entries:          store.Entries,
		Subscriptions:    store.Subscriptions,
		Stats:            leases,
		LeaseTimeout:     cfg.Lease.Timeout,
		DefaultRateLimit: cfg.Webhook.RateLimit,
		Clock:            clk,
		Logger:           logger,
	})
	router := api.NewRouter(api.RouterConfig{
		Handler:        handler,
		HealthHandler:  healthHandler,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()
	healthHandler.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if delivery != nil {
		delivery.Stop()
	}

	logger.Info("shutdown complete")
}
