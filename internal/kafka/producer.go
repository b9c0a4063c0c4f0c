package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/felipemaragno/courier/internal/sink"
)

// MessageWriter is the subset of *kafka.Writer the sinks use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ExporterConfig configures the analytics export sink.
type ExporterConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// DefaultExporterConfig returns sensible defaults for production.
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "courier.analytics",
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Exporter is a sink that writes each entry as one Kafka record keyed by the
// event id, so all deliveries of an event land on the same partition.
type Exporter struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewWriter builds the synchronous writer used by the exporter.
func NewWriter(config ExporterConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll, // Wait for all replicas
		Async:        false,            // a delivery is acknowledged only after the broker has it
		Compression:  kafka.Snappy,
	}
}

func NewExporter(writer MessageWriter, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{writer: writer, logger: logger}
}

func (e *Exporter) Deliver(ctx context.Context, msg sink.Message) error {
	body, err := msg.Body()
	if err != nil {
		return sink.Terminal(fmt.Errorf("encode envelope: %w", err))
	}

	headers := []kafka.Header{
		{Key: HeaderEntryID, Value: []byte(msg.EntryID)},
		{Key: HeaderEventType, Value: []byte(msg.EventType)},
	}
	if msg.TraceID != "" {
		headers = append(headers, kafka.Header{Key: HeaderTraceID, Value: []byte(msg.TraceID)})
	}
	if msg.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(msg.CorrelationID)})
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers = carrierToHeaders(carrier, headers)

	record := kafka.Message{
		Key:     []byte(msg.EventID),
		Value:   body,
		Headers: headers,
	}

	if err := e.writer.WriteMessages(ctx, record); err != nil {
		if isPermanentWriteError(err) {
			return sink.Terminal(fmt.Errorf("write message: %w", err))
		}
		return fmt.Errorf("write message: %w", err)
	}

	e.logger.Debug("entry exported", "entry_id", msg.EntryID, "event_id", msg.EventID)
	return nil
}

// Close closes the underlying writer.
func (e *Exporter) Close() error {
	return e.writer.Close()
}

// isPermanentWriteError reports broker rejections that a retry cannot fix.
func isPermanentWriteError(err error) bool {
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, werr := range werrs {
			if werr != nil && !isPermanentWriteError(werr) {
				return false
			}
		}
		return werrs.Count() > 0
	}
	return errors.Is(err, kafka.MessageSizeTooLarge) ||
		errors.Is(err, kafka.InvalidMessage) ||
		errors.Is(err, kafka.TopicAuthorizationFailed)
}

// LoadProducer writes synthetic events to the ingest topic for load tests.
type LoadProducer struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewLoadProducer creates a producer for load testing.
func NewLoadProducer(brokers []string, topic string, logger *slog.Logger) *LoadProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.RoundRobin{}, // Distribute evenly
		BatchSize:    500,
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireOne, // Faster for load test
		Async:        true,             // Async for max throughput
		Compression:  kafka.Snappy,
	}

	return &LoadProducer{
		writer: writer,
		logger: logger,
	}
}

// Produce writes count events spread round-robin over numTypes event types
// named "<typePrefix>.<n>".
func (p *LoadProducer) Produce(ctx context.Context, count, numTypes int, typePrefix string, channels []string) error {
	if numTypes <= 0 {
		numTypes = 1
	}
	messages := make([]kafka.Message, 0, 1000)
	runID := time.Now().UnixNano()

	for i := 0; i < count; i++ {
		event := EventMessage{
			ID:         fmt.Sprintf("evt_load_%d_%d", runID, i),
			EntityType: "loadtest",
			EntityID:   fmt.Sprintf("entity_%d", i),
			EventType:  fmt.Sprintf("%s.%d", typePrefix, (i%numTypes)+1),
			Payload:    json.RawMessage(fmt.Sprintf(`{"test": true, "index": %d}`, i)),
			OccurredAt: time.Now().UTC(),
			Channels:   channels,
		}

		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", i, err)
		}

		messages = append(messages, kafka.Message{
			Key:   []byte(event.ID),
			Value: value,
		})

		if len(messages) >= 1000 {
			if err := p.writer.WriteMessages(ctx, messages...); err != nil {
				return fmt.Errorf("write batch: %w", err)
			}
			messages = messages[:0]

			if i%10000 == 0 {
				p.logger.Info("produced events", "count", i, "types", numTypes)
			}
		}
	}

	if len(messages) > 0 {
		if err := p.writer.WriteMessages(ctx, messages...); err != nil {
			return fmt.Errorf("write final batch: %w", err)
		}
	}

	p.logger.Info("finished producing events", "total", count, "types", numTypes)
	return nil
}

// Close closes the producer.
func (p *LoadProducer) Close() error {
	return p.writer.Close()
}
