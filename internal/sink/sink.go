// Package sink defines the delivery boundary of the dispatcher. A sink pushes
// one message to an external system; the registry maps delivery channels to
// sinks.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felipemaragno/courier/internal/domain"
)

// Message is what a sink receives for one dispatch entry.
type Message struct {
	EntryID       string
	EventID       string
	EntityType    string
	EntityID      string
	EventType     string
	Channel       string
	Payload       json.RawMessage
	PerformedBy   string
	OccurredAt    time.Time
	TraceID       string
	CorrelationID string
	// Attempt is 1 for the first delivery of the entry.
	Attempt  int
	Metadata domain.Metadata
}

// NewMessage builds the message for a claimed entry.
func NewMessage(entry *domain.DispatchEntry, event *domain.DomainEvent) Message {
	return Message{
		EntryID:       entry.ID,
		EventID:       event.ID,
		EntityType:    event.EntityType,
		EntityID:      event.EntityID,
		EventType:     event.EventType,
		Channel:       entry.DeliveryChannel,
		Payload:       event.Payload,
		PerformedBy:   event.PerformedBy,
		OccurredAt:    event.OccurredAt,
		TraceID:       entry.TraceID,
		CorrelationID: entry.CorrelationID,
		Attempt:       entry.Attempts + 1,
		Metadata:      entry.Metadata,
	}
}

// Envelope is the JSON document sinks put on the wire.
type Envelope struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PerformedBy   string          `json:"performed_by,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Attempt       int             `json:"attempt"`
}

func (m Message) Envelope() Envelope {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Envelope{
		ID:            m.EntryID,
		EventID:       m.EventID,
		EntityType:    m.EntityType,
		EntityID:      m.EntityID,
		EventType:     m.EventType,
		Payload:       payload,
		PerformedBy:   m.PerformedBy,
		OccurredAt:    m.OccurredAt.UTC(),
		TraceID:       m.TraceID,
		CorrelationID: m.CorrelationID,
		Attempt:       m.Attempt,
	}
}

// Body returns the JSON encoded envelope.
func (m Message) Body() ([]byte, error) {
	return json.Marshal(m.Envelope())
}

// Sink delivers a message. A nil error means the destination accepted it.
// Errors wrapped with Terminal are never retried; errors wrapped with
// Deferred reschedule the entry without using an attempt; anything else is
// retried with backoff.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, msg Message) error

func (f Func) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

var ErrNoSink = errors.New("no sink registered for channel")

// Registry maps delivery channels to sinks. A channel resolves to the sink
// registered under its exact name, or else under its kind, the part before
// the first ':' ("webhook:sub_1" resolves to "webhook").
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

func (r *Registry) Register(channel string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[channel] = s
}

func (r *Registry) Resolve(channel string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sinks[channel]; ok {
		return s, nil
	}
	if kind, _, ok := strings.Cut(channel, ":"); ok {
		if s, ok := r.sinks[kind]; ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSink, channel)
}

// Channels lists the registered names in order.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
