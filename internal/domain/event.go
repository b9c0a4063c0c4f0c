package domain

import (
	"encoding/json"
	"time"
)

// DomainEvent records that an entity underwent a change. Rows are appended in
// the same transaction as the mutation they describe and are never updated.
type DomainEvent struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PerformedBy   string          `json:"performed_by,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Metadata is free-form per-entry configuration. Its keys depend on the
// delivery channel and are not interpreted by the queue itself.
type Metadata map[string]any

// String returns the value stored under key when it is a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
