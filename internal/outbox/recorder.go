// Package outbox is the producer side of the queue: it records domain events
// and fans them out into dispatch entries inside the caller's transaction.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/repository"
)

var validate = validator.New()

// RecordInput describes one business change.
type RecordInput struct {
	// ID is optional. Producers that may retry the same logical event (for
	// example a redelivered Kafka message) pass a stable id.
	ID            string          `validate:"omitempty,max=128"`
	EntityType    string          `validate:"required,max=128"`
	EntityID      string          `validate:"required,max=128"`
	EventType     string          `validate:"required,max=256"`
	Payload       json.RawMessage ``
	PerformedBy   string          `validate:"max=128"`
	TraceID       string          `validate:"max=64"`
	CorrelationID string          `validate:"max=128"`
	OccurredAt    time.Time
}

type Recorder struct {
	clock clock.Clock
}

func NewRecorder(clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Recorder{clock: clk}
}

// Record appends the event through w. w must share the transaction of the
// business mutation so a rollback discards the event too. Recording an id
// that already exists returns the stored event unchanged.
func (r *Recorder) Record(ctx context.Context, w repository.EventWriter, in RecordInput) (*domain.DomainEvent, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	payload := bytes.TrimSpace(in.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", domain.ErrInvalidInput)
	}

	event := &domain.DomainEvent{
		ID:            in.ID,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		EventType:     in.EventType,
		Payload:       json.RawMessage(payload),
		PerformedBy:   in.PerformedBy,
		TraceID:       in.TraceID,
		CorrelationID: in.CorrelationID,
		OccurredAt:    in.OccurredAt,
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.clock.Now()
	}
	if event.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			event.TraceID = sc.TraceID().String()
		}
	}

	stored, err := w.InsertEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("record %s event: %w", event.EventType, err)
	}
	return stored, nil
}
