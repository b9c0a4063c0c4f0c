package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/observability"
	"github.com/felipemaragno/courier/internal/outbox"
)

// Publisher records an event and its entries in one transaction.
type Publisher interface {
	PublishTx(ctx context.Context, in outbox.RecordInput, channels []string, opts ...outbox.EnqueueOption) (*outbox.PublishResult, error)
}

// Ingest results used as the metric label.
const (
	IngestPersisted = "persisted"
	IngestDuplicate = "duplicate"
	IngestRejected  = "rejected"
)

// IngestHandler turns ingest records into outbox events.
type IngestHandler struct {
	publisher Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// HandlerOption configures an IngestHandler.
type HandlerOption func(*IngestHandler)

// WithMetrics counts ingest results.
func WithMetrics(m *observability.Metrics) HandlerOption {
	return func(h *IngestHandler) {
		h.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *IngestHandler) {
		h.logger = l
	}
}

func NewIngestHandler(publisher Publisher, opts ...HandlerOption) *IngestHandler {
	h := &IngestHandler{
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ProcessBatch publishes records in order. Invalid events are logged and
// skipped; the first storage error aborts the batch so the consumer retries
// it. Records already persisted are deduplicated on the retry.
func (h *IngestHandler) ProcessBatch(ctx context.Context, records []*Record) error {
	for _, rec := range records {
		result, err := h.process(ctx, rec)
		switch {
		case err == nil:
			if result.Created == 0 && len(result.Entries) > 0 {
				h.count(IngestDuplicate)
			} else {
				h.count(IngestPersisted)
			}
		case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrAlreadyExists):
			h.count(IngestRejected)
			h.logger.Warn("ingest event rejected",
				"error", err,
				"event_id", rec.Event.ID,
				"partition", rec.Partition,
				"offset", rec.Offset,
			)
		default:
			return fmt.Errorf("publish event %s: %w", rec.Event.ID, err)
		}
	}
	return nil
}

func (h *IngestHandler) process(ctx context.Context, rec *Record) (*outbox.PublishResult, error) {
	if rec.Event.ID == "" {
		return nil, fmt.Errorf("%w: ingest events need an id", domain.ErrInvalidInput)
	}

	if len(rec.Carrier) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, rec.Carrier)
	}

	var opts []outbox.EnqueueOption
	if rec.Event.MaxAttempts > 0 {
		opts = append(opts, outbox.WithMaxAttempts(rec.Event.MaxAttempts))
	}
	if rec.Event.DryRun {
		opts = append(opts, outbox.WithDryRun())
	}

	return h.publisher.PublishTx(ctx, outbox.RecordInput{
		ID:            rec.Event.ID,
		EntityType:    rec.Event.EntityType,
		EntityID:      rec.Event.EntityID,
		EventType:     rec.Event.EventType,
		Payload:       rec.Event.Payload,
		PerformedBy:   rec.Event.PerformedBy,
		CorrelationID: rec.Event.CorrelationID,
		OccurredAt:    rec.Event.OccurredAt,
	}, rec.Event.Channels, opts...)
}

func (h *IngestHandler) count(result string) {
	if h.metrics != nil {
		h.metrics.IngestMessages.WithLabelValues(result).Inc()
	}
}
