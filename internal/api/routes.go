package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/courier/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	// MetricsHandler serves /metrics; nil uses the default registry.
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", metricsHandler)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", cfg.Handler.CreateEvent)
		r.Get("/{id}", cfg.Handler.GetEvent)
		r.Get("/{id}/entries", cfg.Handler.GetEventEntries)
	})

	r.Route("/entries", func(r chi.Router) {
		r.Get("/", cfg.Handler.ListEntries)
		r.Get("/stats", cfg.Handler.EntryStats)
		r.Get("/{id}", cfg.Handler.GetEntry)
		r.Post("/{id}/cancel", cfg.Handler.CancelEntry)
		r.Post("/{id}/redrive", cfg.Handler.RedriveEntry)
	})

	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", cfg.Handler.CreateSubscription)
		r.Get("/", cfg.Handler.GetSubscriptions)
		r.Get("/{id}", cfg.Handler.GetSubscription)
		r.Delete("/{id}", cfg.Handler.DeleteSubscription)
	})

	return r
}
