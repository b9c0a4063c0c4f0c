// Package kafka connects the outbox to Kafka: an ingest consumer for producers
// outside the database boundary, an export sink, and a load generator.
// Ingest is at-least-once: offsets are committed only after the batch is
// persisted, and the outbox dedupes redelivered events by id.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/courier/internal/retry"
)

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	InstanceID    string
	BatchTimeout  time.Duration // Max time to collect messages before processing
	CommitTimeout time.Duration // Timeout for offset commits
	// Backoff spaces out attempts to persist a batch while the store is unavailable.
	Backoff retry.Policy
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchTimeout:  100 * time.Millisecond, // Process whatever arrived in 100ms
		CommitTimeout: 5 * time.Second,
		Backoff: retry.Policy{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
			Jitter:          0.1,
		},
	}
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BatchHandler persists a batch of ingest records. A nil error means every
// record is durable or was rejected as malformed; the consumer then commits.
type BatchHandler interface {
	ProcessBatch(ctx context.Context, records []*Record) error
}

// Consumer reads events from Kafka and hands them to the handler in batches.
type Consumer struct {
	config  ConsumerConfig
	reader  MessageReader
	handler BatchHandler
	logger  *slog.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewReader builds the consumer-group reader with manual commits.
func NewReader(config ConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0, // Manual commits only
		StartOffset:    kafka.FirstOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})
}

func NewConsumer(config ConsumerConfig, reader MessageReader, handler BatchHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultConsumerConfig().BatchTimeout
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = DefaultConsumerConfig().CommitTimeout
	}
	if config.Backoff.InitialInterval <= 0 {
		config.Backoff = DefaultConsumerConfig().Backoff
	}

	return &Consumer{
		config:   config,
		reader:   reader,
		handler:  handler,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// Start begins consuming messages.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"instance", c.config.InstanceID,
		"batch_timeout", c.config.BatchTimeout,
	)
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.shutdown) })
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *Consumer) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for !c.stopping(ctx) {
		messages, records := c.collectBatch(ctx)
		if len(messages) > 0 {
			c.processBatchAndCommit(ctx, messages, records)
		}
	}
}

// collectBatch fetches messages until BatchTimeout elapses. Malformed
// messages are committed straight away so they do not block the partition.
func (c *Consumer) collectBatch(ctx context.Context) ([]kafka.Message, []*Record) {
	var (
		messages []kafka.Message
		records  []*Record
	)

	deadline := time.Now().Add(c.config.BatchTimeout)

	for !c.stopping(ctx) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		var event EventMessage
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.Error("failed to unmarshal event",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			if err := c.commitMessages(ctx, []kafka.Message{msg}); err != nil {
				c.logger.Error("failed to commit bad message", "error", err)
			}
			continue
		}

		messages = append(messages, msg)
		records = append(records, &Record{
			Event:     event,
			Carrier:   headersToCarrier(msg.Headers),
			Partition: msg.Partition,
			Offset:    msg.Offset,
		})
	}

	return messages, records
}

// processBatchAndCommit retries the batch until it is persisted or the
// consumer stops. Uncommitted messages are redelivered after a restart.
func (c *Consumer) processBatchAndCommit(ctx context.Context, messages []kafka.Message, records []*Record) {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := c.handler.ProcessBatch(ctx, records)
		if err == nil {
			break
		}

		delay := c.config.Backoff.CalculateDelay(attempt)
		c.logger.Warn("failed to persist ingest batch, retrying",
			"error", err,
			"count", len(records),
			"attempt", attempt,
			"retry_in", delay,
		)

		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-time.After(delay):
		}
	}

	c.logger.Debug("batch persisted",
		"count", len(records),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := c.commitMessages(ctx, messages); err != nil {
		c.logger.Error("failed to commit messages",
			"error", err,
			"count", len(messages),
		)
	}
}

func (c *Consumer) commitMessages(ctx context.Context, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	// commit even while shutting down; the batch is already persisted
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()

	return c.reader.CommitMessages(commitCtx, messages...)
}
