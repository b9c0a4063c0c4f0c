package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/repository"
)

type enqueueOptions struct {
	maxAttempts int
	dryRun      bool
	availableAt time.Time
	metadata    map[string]domain.Metadata
	candidates  map[string]bool
}

type EnqueueOption func(*enqueueOptions)

// WithMaxAttempts overrides the retry budget of the new entries.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}

// WithDryRun marks entries so the dispatcher skips the sink and reports success.
func WithDryRun() EnqueueOption {
	return func(o *enqueueOptions) {
		o.dryRun = true
	}
}

// WithAvailableAt delays the first claim.
func WithAvailableAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.availableAt = t
	}
}

// trackCandidates collects the ids generated for new entries, so callers can
// tell created rows from ones that already existed.
func trackCandidates(ids map[string]bool) EnqueueOption {
	return func(o *enqueueOptions) {
		o.candidates = ids
	}
}

// WithMetadata attaches channel-specific metadata to the entry for channel.
func WithMetadata(channel string, md domain.Metadata) EnqueueOption {
	return func(o *enqueueOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]domain.Metadata)
		}
		o.metadata[channel] = md
	}
}

type Enqueuer struct {
	clock       clock.Clock
	maxAttempts int
}

// NewEnqueuer creates an enqueuer whose entries default to maxAttempts.
func NewEnqueuer(clk clock.Clock, maxAttempts int) *Enqueuer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Enqueuer{clock: clk, maxAttempts: maxAttempts}
}

// NormalizeChannels trims and de-duplicates channel names, keeping order.
// Webhook channels must name their subscription, as in "webhook:<id>".
func NormalizeChannels(channels []string) ([]string, error) {
	seen := make(map[string]bool, len(channels))
	result := make([]string, 0, len(channels))
	for _, c := range channels {
		c = strings.TrimSpace(c)
		if c == "" {
			return nil, fmt.Errorf("%w: empty delivery channel", domain.ErrInvalidInput)
		}
		if kind, _, _ := strings.Cut(c, ":"); kind == domain.WebhookChannelPrefix {
			if _, ok := domain.SubscriptionIDFromChannel(c); !ok {
				return nil, fmt.Errorf("%w: channel %q must be %s:<subscription-id>",
					domain.ErrInvalidInput, c, domain.WebhookChannelPrefix)
			}
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		result = append(result, c)
	}
	return result, nil
}

// Enqueue creates one pending entry per channel. Entries that already exist
// for the (event, channel) pair are returned as stored instead of duplicated.
func (q *Enqueuer) Enqueue(
	ctx context.Context,
	w repository.EventWriter,
	event *domain.DomainEvent,
	channels []string,
	opts ...EnqueueOption,
) ([]*domain.DispatchEntry, error) {
	if event == nil || event.ID == "" {
		return nil, fmt.Errorf("%w: event is required", domain.ErrInvalidInput)
	}

	channels, err := NormalizeChannels(channels)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}

	o := enqueueOptions{maxAttempts: q.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts <= 0 {
		return nil, fmt.Errorf("%w: max attempts must be positive", domain.ErrInvalidInput)
	}

	now := q.clock.Now()
	availableAt := now
	if !o.availableAt.IsZero() {
		availableAt = o.availableAt
	}

	entries := make([]*domain.DispatchEntry, 0, len(channels))
	for _, channel := range channels {
		checksum, err := PayloadChecksum(event.ID, channel, event.Payload)
		if err != nil {
			return nil, err
		}
		id := uuid.NewString()
		if o.candidates != nil {
			o.candidates[id] = true
		}
		entries = append(entries, &domain.DispatchEntry{
			ID:              id,
			DomainEventID:   event.ID,
			DeliveryChannel: channel,
			Status:          domain.EntryStatusPending,
			Attempts:        0,
			MaxAttempts:     o.maxAttempts,
			AvailableAt:     availableAt,
			PayloadChecksum: checksum,
			TraceID:         event.TraceID,
			CorrelationID:   event.CorrelationID,
			DryRun:          o.dryRun,
			Metadata:        o.metadata[channel],
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	stored, err := w.InsertEntries(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("enqueue event %s: %w", event.ID, err)
	}
	return stored, nil
}
