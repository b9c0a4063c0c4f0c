package outbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/observability"
	"github.com/felipemaragno/courier/internal/repository"
)

// PublishResult is what a producer gets back from Publish.
type PublishResult struct {
	Event   *domain.DomainEvent
	Entries []*domain.DispatchEntry
	// Created counts the entries inserted by this call; repeated publishes of
	// the same event report 0.
	Created int

	created map[string]bool
}

type ServiceConfig struct {
	Recorder *Recorder
	Enqueuer *Enqueuer
	Router   *Router
	Tx       repository.TxRunner
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Service records an event and enqueues its deliveries in one step.
type Service struct {
	recorder *Recorder
	enqueuer *Enqueuer
	router   *Router
	tx       repository.TxRunner
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NewRecorder(nil)
	}
	enqueuer := cfg.Enqueuer
	if enqueuer == nil {
		enqueuer = NewEnqueuer(nil, 0)
	}

	return &Service{
		recorder: recorder,
		enqueuer: enqueuer,
		router:   cfg.Router,
		tx:       cfg.Tx,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Publish records in and enqueues it for channels through w, which belongs to
// the caller's transaction. Without explicit channels the router decides.
func (s *Service) Publish(
	ctx context.Context,
	w repository.EventWriter,
	in RecordInput,
	channels []string,
	opts ...EnqueueOption,
) (*PublishResult, error) {
	event, err := s.recorder.Record(ctx, w, in)
	if err != nil {
		return nil, err
	}

	if len(channels) == 0 && s.router != nil {
		channels, err = s.router.Resolve(ctx, event.EventType)
		if err != nil {
			return nil, err
		}
	}

	candidates := make(map[string]bool)
	entries, err := s.enqueuer.Enqueue(ctx, w, event, channels, append(opts[:len(opts):len(opts)], trackCandidates(candidates))...)
	if err != nil {
		return nil, err
	}

	result := &PublishResult{Event: event, Entries: entries, created: make(map[string]bool)}
	for _, e := range entries {
		if candidates[e.ID] {
			result.created[e.ID] = true
			result.Created++
		}
	}
	return result, nil
}

// PublishTx runs Publish in a transaction of its own, for producers that do
// not share a database transaction with the outbox (HTTP API, Kafka ingest).
func (s *Service) PublishTx(ctx context.Context, in RecordInput, channels []string, opts ...EnqueueOption) (*PublishResult, error) {
	if s.tx == nil {
		return nil, errors.New("outbox: no transaction runner configured")
	}

	var result *PublishResult
	err := s.tx.InTx(ctx, func(w repository.EventWriter) error {
		var err error
		result, err = s.Publish(ctx, w, in, channels, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Committed(result)
	return result, nil
}

// Committed reports a publish after its transaction committed. Callers of
// Publish that own the transaction call it themselves.
func (s *Service) Committed(result *PublishResult) {
	if result == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.EventsRecorded.Inc()
		created := make(map[string]int)
		for _, e := range result.Entries {
			if result.created[e.ID] {
				created[e.DeliveryChannel]++
			}
		}
		for channel, n := range created {
			s.metrics.RecordEnqueued(channel, n)
		}
	}

	s.logger.Debug("event published",
		"event_id", result.Event.ID,
		"event_type", result.Event.EventType,
		"entries", len(result.Entries),
		"created", result.Created,
	)
}
