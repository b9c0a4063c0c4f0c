// Package observability provides Prometheus metrics, health checks, and logging.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes used as the "outcome" label.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
	OutcomeDeferred  = "deferred"
	OutcomeDryRun    = "dry_run"
	OutcomeReleased  = "released"
)

// Metrics holds all Prometheus metrics of the outbox.
//
// Key metrics for monitoring:
//   - entries_by_status{status="pending"}: backlog depth
//   - deliveries_total{outcome="failed"}: dead letters (alerts)
//   - leases_reclaimed_total: crashed or stuck workers
//   - delivery_duration_seconds: sink latency per channel
type Metrics struct {
	EventsRecorded   prometheus.Counter
	EntriesEnqueued  *prometheus.CounterVec
	EntriesClaimed   prometheus.Counter
	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	LeasesReclaimed  prometheus.Counter
	LeaseConflicts   prometheus.Counter
	EntriesByStatus  *prometheus.GaugeVec
	IngestMessages   *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg, or with the
// default registerer when reg is nil. The namespace prefixes all metric names
// (e.g., "courier_deliveries_total").
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Total number of domain events recorded",
		}),
		EntriesEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_enqueued_total",
			Help:      "Total number of dispatch entries created",
		}, []string{"channel"}),
		EntriesClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_claimed_total",
			Help:      "Total number of dispatch entries leased by workers",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of delivery attempts by outcome",
		}, []string{"channel", "outcome"}),
		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of sink deliveries in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"channel"}),
		LeasesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_reclaimed_total",
			Help:      "Total number of expired leases returned to the ready pool",
		}),
		LeaseConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_conflicts_total",
			Help:      "Total number of outcomes dropped because the worker lost its lease",
		}),
		EntriesByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries_by_status",
			Help:      "Number of dispatch entries per status at the last stats refresh",
		}, []string{"status"}),
		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Total number of Kafka ingest messages by result",
		}, []string{"result"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"key"}),
		CircuitBreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"key"}),
		RateLimiterRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of requests rejected by rate limiter",
		}, []string{"key"}),
	}
}

// RecordEnqueued counts newly created entries per channel.
func (m *Metrics) RecordEnqueued(channel string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EntriesEnqueued.WithLabelValues(channel).Add(float64(n))
}

// SetStatusCounts replaces the entries_by_status gauge values.
func (m *Metrics) SetStatusCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.EntriesByStatus.WithLabelValues(status).Set(float64(n))
	}
}
