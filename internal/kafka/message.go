package kafka

import (
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
)

// Header keys set on exported records.
const (
	HeaderEntryID       = "courier-entry-id"
	HeaderEventType     = "courier-event-type"
	HeaderTraceID       = "courier-trace-id"
	HeaderCorrelationID = "courier-correlation-id"
)

// EventMessage is a domain event submitted through the ingest topic by a
// producer that cannot write to the outbox tables directly.
type EventMessage struct {
	// ID is required; redelivered messages with the same id are recorded once.
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PerformedBy   string          `json:"performed_by,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at,omitempty"`
	// Channels overrides subscription routing when set.
	Channels    []string `json:"channels,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	DryRun      bool     `json:"dry_run,omitempty"`
}

// Record is a decoded ingest message with its position and trace carrier.
type Record struct {
	Event     EventMessage
	Carrier   propagation.MapCarrier
	Partition int
	Offset    int64
}

func headersToCarrier(headers []kafka.Header) propagation.MapCarrier {
	carrier := make(propagation.MapCarrier, len(headers))
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return carrier
}

func carrierToHeaders(carrier propagation.MapCarrier, headers []kafka.Header) []kafka.Header {
	for _, k := range carrier.Keys() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}
	return headers
}
