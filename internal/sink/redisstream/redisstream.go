// Package redisstream fans dispatch entries out to Redis streams, one stream
// per delivery channel.
package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/courier/internal/sink"
)

type Config struct {
	StreamPrefix string
	// MaxLen caps each stream approximately (XADD MAXLEN ~). Zero disables trimming.
	MaxLen int64
}

func DefaultConfig() Config {
	return Config{
		StreamPrefix: "courier",
		MaxLen:       100_000,
	}
}

type Sink struct {
	client redis.Cmdable
	config Config
	logger *slog.Logger
}

func New(client redis.Cmdable, config Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{client: client, config: config, logger: logger}
}

// Stream returns the stream a message is appended to. A "stream" metadata
// value on the entry overrides the channel-derived name.
func (s *Sink) Stream(msg sink.Message) string {
	if name := msg.Metadata.String("stream"); name != "" {
		return name
	}
	if s.config.StreamPrefix == "" {
		return msg.Channel
	}
	return s.config.StreamPrefix + ":" + msg.Channel
}

func (s *Sink) Deliver(ctx context.Context, msg sink.Message) error {
	body, err := msg.Body()
	if err != nil {
		return sink.Terminal(fmt.Errorf("encode envelope: %w", err))
	}

	args := &redis.XAddArgs{
		Stream: s.Stream(msg),
		Values: map[string]any{
			"entry_id":       msg.EntryID,
			"event_id":       msg.EventID,
			"event_type":     msg.EventType,
			"trace_id":       msg.TraceID,
			"correlation_id": msg.CorrelationID,
			"attempt":        strconv.Itoa(msg.Attempt),
			"envelope":       string(body),
		},
	}
	if s.config.MaxLen > 0 {
		args.MaxLen = s.config.MaxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}

	s.logger.Debug("entry appended to stream",
		"entry_id", msg.EntryID,
		"stream", args.Stream,
		"stream_id", id,
	)
	return nil
}
