// Package dispatch delivers leased entries through their sinks and records
// the outcome. An outcome is only stored while the worker still holds the
// lease; a worker whose lease was reclaimed has its result dropped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/observability"
	"github.com/felipemaragno/courier/internal/repository"
	"github.com/felipemaragno/courier/internal/retry"
	"github.com/felipemaragno/courier/internal/sink"
)

const maxErrorLength = 1024

// RetryClassifier lets deployments mark sink errors as permanent without
// changing the sink.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

func (f RetryClassifierFunc) IsNonRetryable(err error) bool {
	return f(err)
}

type Config struct {
	// DeliveryTimeout bounds one sink call. It must stay below the lease
	// timeout or a slow delivery races the reclaimer.
	DeliveryTimeout time.Duration
	// SettleTimeout bounds persisting an outcome, which still runs after
	// the worker's context is cancelled.
	SettleTimeout time.Duration
	// LeaseTimeout is the reclaimer's lease timeout. When set, an entry whose
	// lease would expire before a full delivery timeout is released instead
	// of delivered. Zero disables the check.
	LeaseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DeliveryTimeout: 30 * time.Second,
		SettleTimeout:   5 * time.Second,
	}
}

// Kind classifies what happened to an entry.
type Kind string

const (
	KindDelivered Kind = "delivered"
	KindRetry     Kind = "retry"
	KindTerminal  Kind = "terminal"
	KindDeferred  Kind = "deferred"
	// KindReleased means the sink was not called because the lease had too
	// little time left; the entry went back to pending.
	KindReleased Kind = "released"
)

// Outcome reports one Dispatch call.
type Outcome struct {
	Kind Kind
	// Status is the entry status after the outcome was applied.
	Status domain.EntryStatus
	// Err is the sink error, nil on success.
	Err error
	// LeaseLost is set when the outcome was dropped because another worker
	// owns the entry now.
	LeaseLost bool
	Duration  time.Duration
}

type Dispatcher struct {
	config     Config
	registry   *sink.Registry
	entries    repository.EntryRepository
	policy     retry.Policy
	clock      clock.Clock
	classifier RetryClassifier
	metrics    *observability.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
}

func New(
	config Config,
	registry *sink.Registry,
	entries repository.EntryRepository,
	policy retry.Policy,
	clk clock.Clock,
	logger *slog.Logger,
) *Dispatcher {
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = DefaultConfig().SettleTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		config:   config,
		registry: registry,
		entries:  entries,
		policy:   policy,
		clock:    clk,
		tracer:   otel.Tracer("github.com/felipemaragno/courier/internal/dispatch"),
		logger:   logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (d *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithClassifier adds a RetryClassifier consulted for non-terminal errors.
func (d *Dispatcher) WithClassifier(c RetryClassifier) *Dispatcher {
	d.classifier = c
	return d
}

// Dispatch delivers a claimed entry and stores the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, claimed *domain.ClaimedEntry) Outcome {
	entry := claimed.Entry

	ctx, span := d.tracer.Start(ctx, "dispatch "+entry.DeliveryChannel,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("courier.entry_id", entry.ID),
			attribute.String("courier.event_id", entry.DomainEventID),
			attribute.String("courier.channel", entry.DeliveryChannel),
			attribute.Int("courier.attempt", entry.Attempts+1),
			attribute.String("courier.origin_trace_id", entry.TraceID),
		),
	)
	defer span.End()

	if d.leaseTooShort(entry, d.clock.Now()) {
		return d.releaseStale(ctx, entry)
	}

	start := d.clock.Now()
	deliverErr := d.deliver(ctx, claimed)
	duration := d.clock.Now().Sub(start)

	var (
		out       Outcome
		settleErr error
	)
	if deliverErr == nil {
		out.Kind = KindDelivered
		settleErr = d.Ack(ctx, entry)
	} else {
		out.Kind = d.classify(deliverErr)
		out.Err = deliverErr
		settleErr = d.fail(ctx, entry, deliverErr, out.Kind)
		span.RecordError(deliverErr)
		span.SetStatus(codes.Error, deliverErr.Error())
	}
	out.Duration = duration
	out.Status = entry.Status
	out.LeaseLost = errors.Is(settleErr, domain.ErrLeaseLost)

	if settleErr != nil && !out.LeaseLost {
		d.logger.Error("failed to store delivery outcome",
			"error", settleErr,
			"entry_id", entry.ID,
			"outcome", out.Kind,
		)
	}

	d.record(entry, out)
	return out
}

// leaseTooShort reports whether the lease on entry ends before a delivery
// started at now could time out. Entries late in a batch of slow deliveries
// get there; calling the sink would race whoever claims them after reclaim.
func (d *Dispatcher) leaseTooShort(entry *domain.DispatchEntry, now time.Time) bool {
	if d.config.LeaseTimeout <= 0 || entry.LockedAt == nil {
		return false
	}
	expires := entry.LockedAt.Add(d.config.LeaseTimeout)
	return !now.Add(d.config.DeliveryTimeout).Before(expires)
}

func (d *Dispatcher) releaseStale(ctx context.Context, entry *domain.DispatchEntry) Outcome {
	lockedAt := *entry.LockedAt
	err := d.Release(ctx, entry)
	out := Outcome{
		Kind:      KindReleased,
		Status:    entry.Status,
		LeaseLost: errors.Is(err, domain.ErrLeaseLost),
	}
	if err != nil && !out.LeaseLost {
		d.logger.Error("failed to release entry", "error", err, "entry_id", entry.ID)
	}
	d.logger.Info("lease too short for delivery, entry released",
		"entry_id", entry.ID,
		"channel", entry.DeliveryChannel,
		"locked_at", lockedAt,
	)
	if d.metrics != nil && !out.LeaseLost {
		d.metrics.Deliveries.WithLabelValues(entry.DeliveryChannel, observability.OutcomeReleased).Inc()
	}
	return out
}

// deliver runs the sink under the delivery timeout. Dry-run entries are
// acknowledged without calling the sink.
func (d *Dispatcher) deliver(ctx context.Context, claimed *domain.ClaimedEntry) (err error) {
	entry := claimed.Entry
	if entry.DryRun {
		d.logger.Debug("dry run, skipping sink", "entry_id", entry.ID, "channel", entry.DeliveryChannel)
		return nil
	}
	if claimed.Event == nil {
		return sink.Terminal(fmt.Errorf("event %s not found for entry %s", entry.DomainEventID, entry.ID))
	}

	s, err := d.registry.Resolve(entry.DeliveryChannel)
	if err != nil {
		return sink.Terminal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()

	err = s.Deliver(ctx, sink.NewMessage(entry, claimed.Event))
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("delivery timed out after %s: %w", d.config.DeliveryTimeout, err)
	}
	return err
}

func (d *Dispatcher) classify(err error) Kind {
	if _, ok := sink.DeferredFor(err); ok {
		return KindDeferred
	}
	if sink.IsTerminal(err) {
		return KindTerminal
	}
	if d.classifier != nil && d.classifier.IsNonRetryable(err) {
		return KindTerminal
	}
	return KindRetry
}

// Ack marks a leased entry delivered.
func (d *Dispatcher) Ack(ctx context.Context, entry *domain.DispatchEntry) error {
	return d.settle(ctx, entry, func(now time.Time) error {
		return entry.MarkDelivered(now)
	})
}

// Fail records a failed delivery of a leased entry. Terminal errors end the
// entry, deferred errors reschedule it without using an attempt, and any
// other error is retried with backoff until the attempt budget runs out.
func (d *Dispatcher) Fail(ctx context.Context, entry *domain.DispatchEntry, cause error) error {
	return d.fail(ctx, entry, cause, d.classify(cause))
}

// Release hands a leased entry back without delivering it, e.g. when the
// worker shuts down with part of a batch undelivered.
func (d *Dispatcher) Release(ctx context.Context, entry *domain.DispatchEntry) error {
	return d.settle(ctx, entry, func(now time.Time) error {
		return entry.ReleaseLease(now)
	})
}

func (d *Dispatcher) fail(ctx context.Context, entry *domain.DispatchEntry, cause error, kind Kind) error {
	msg := truncate(cause.Error())

	return d.settle(ctx, entry, func(now time.Time) error {
		switch kind {
		case KindDeferred:
			after, _ := sink.DeferredFor(cause)
			return entry.MarkDeferred(now, now.Add(after))
		case KindTerminal:
			return entry.MarkTerminalFailure(now, msg)
		default:
			next := d.policy.NextAvailableAt(now, entry.Attempts+1)
			return entry.MarkRetryableFailure(now, next, msg)
		}
	})
}

func (d *Dispatcher) settle(ctx context.Context, entry *domain.DispatchEntry, apply func(now time.Time) error) error {
	workerID := entry.LeaseHolder()
	if workerID == "" {
		return fmt.Errorf("entry %s is not leased: %w", entry.ID, domain.ErrInvalidTransition)
	}
	if err := apply(d.clock.Now()); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.SettleTimeout)
	defer cancel()

	err := d.entries.Settle(ctx, entry, workerID)
	if errors.Is(err, domain.ErrLeaseLost) {
		if d.metrics != nil {
			d.metrics.LeaseConflicts.Inc()
		}
		d.logger.Warn("lease lost before outcome was stored, dropping it",
			"entry_id", entry.ID,
			"worker_id", workerID,
			"status", entry.Status,
		)
	}
	return err
}

func (d *Dispatcher) record(entry *domain.DispatchEntry, out Outcome) {
	if out.Kind == KindDelivered {
		d.logger.Debug("entry delivered",
			"entry_id", entry.ID,
			"channel", entry.DeliveryChannel,
			"duration_ms", out.Duration.Milliseconds(),
		)
	} else if out.Status == domain.EntryStatusFailedTerminal {
		d.logger.Warn("entry failed permanently",
			"entry_id", entry.ID,
			"channel", entry.DeliveryChannel,
			"attempts", entry.Attempts,
			"error", out.Err,
		)
	} else {
		d.logger.Info("entry rescheduled",
			"entry_id", entry.ID,
			"channel", entry.DeliveryChannel,
			"outcome", out.Kind,
			"attempts", entry.Attempts,
			"available_at", entry.AvailableAt,
			"error", out.Err,
		)
	}

	if d.metrics == nil || out.LeaseLost {
		return
	}
	d.metrics.Deliveries.WithLabelValues(entry.DeliveryChannel, metricOutcome(entry, out)).Inc()
	if !entry.DryRun && out.Kind != KindDeferred {
		d.metrics.DeliveryDuration.WithLabelValues(entry.DeliveryChannel).Observe(out.Duration.Seconds())
	}
}

func metricOutcome(entry *domain.DispatchEntry, out Outcome) string {
	switch {
	case out.Kind == KindDelivered && entry.DryRun:
		return observability.OutcomeDryRun
	case out.Kind == KindDelivered:
		return observability.OutcomeDelivered
	case out.Kind == KindDeferred:
		return observability.OutcomeDeferred
	case out.Status == domain.EntryStatusFailedTerminal:
		return observability.OutcomeFailed
	default:
		return observability.OutcomeRetrying
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}
