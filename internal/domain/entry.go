package domain

import (
	"fmt"
	"time"
)

type EntryStatus string

const (
	EntryStatusPending         EntryStatus = "pending"
	EntryStatusDelivering      EntryStatus = "delivering"
	EntryStatusDelivered       EntryStatus = "delivered"
	EntryStatusFailedRetryable EntryStatus = "failed_retryable"
	EntryStatusFailedTerminal  EntryStatus = "failed_terminal"
)

// AllEntryStatuses lists every status in lifecycle order.
var AllEntryStatuses = []EntryStatus{
	EntryStatusPending,
	EntryStatusDelivering,
	EntryStatusDelivered,
	EntryStatusFailedRetryable,
	EntryStatusFailedTerminal,
}

var entryTransitions = map[EntryStatus][]EntryStatus{
	EntryStatusPending:         {EntryStatusDelivering, EntryStatusFailedTerminal},
	EntryStatusFailedRetryable: {EntryStatusDelivering, EntryStatusFailedTerminal},
	EntryStatusDelivering: {
		EntryStatusDelivered,
		EntryStatusFailedRetryable,
		EntryStatusFailedTerminal,
		EntryStatusPending,
	},
	EntryStatusFailedTerminal: {EntryStatusPending},
}

func (s EntryStatus) IsValid() bool {
	_, ok := entryTransitions[s]
	return ok || s == EntryStatusDelivered
}

// IsTerminal reports whether no worker will touch an entry in this status again.
func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusDelivered || s == EntryStatusFailedTerminal
}

// IsClaimable reports whether a worker may lease an entry in this status.
func (s EntryStatus) IsClaimable() bool {
	return s == EntryStatusPending || s == EntryStatusFailedRetryable
}

func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	for _, allowed := range entryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DispatchEntry is one delivery of a DomainEvent to one channel.
type DispatchEntry struct {
	ID              string      `json:"id"`
	DomainEventID   string      `json:"domain_event_id"`
	DeliveryChannel string      `json:"delivery_channel"`
	Status          EntryStatus `json:"status"`
	Attempts        int         `json:"attempts"`
	MaxAttempts     int         `json:"max_attempts"`
	AvailableAt     time.Time   `json:"available_at"`
	LockedAt        *time.Time  `json:"locked_at,omitempty"`
	LockedBy        *string     `json:"locked_by,omitempty"`
	DeliveredAt     *time.Time  `json:"delivered_at,omitempty"`
	FailedAt        *time.Time  `json:"failed_at,omitempty"`
	LastError       *string     `json:"last_error,omitempty"`
	LastErrorAt     *time.Time  `json:"last_error_at,omitempty"`
	PayloadChecksum string      `json:"payload_checksum"`
	TraceID         string      `json:"trace_id,omitempty"`
	CorrelationID   string      `json:"correlation_id,omitempty"`
	DryRun          bool        `json:"dry_run"`
	Metadata        Metadata    `json:"metadata,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (e *DispatchEntry) CanRetry() bool {
	return e.Attempts < e.MaxAttempts
}

// IsReady reports whether the entry can be claimed at now.
func (e *DispatchEntry) IsReady(now time.Time) bool {
	return e.Status.IsClaimable() && !e.AvailableAt.After(now)
}

// LeaseHolder returns the worker holding the entry, or "" when unlocked.
func (e *DispatchEntry) LeaseHolder() string {
	if e.LockedBy == nil {
		return ""
	}
	return *e.LockedBy
}

func (e *DispatchEntry) transition(next EntryStatus) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	e.Status = next
	return nil
}

func (e *DispatchEntry) clearLease() {
	e.LockedAt = nil
	e.LockedBy = nil
}

func (e *DispatchEntry) recordError(now time.Time, msg string) {
	e.LastError = &msg
	e.LastErrorAt = &now
}

// MarkDelivering leases the entry to workerID.
func (e *DispatchEntry) MarkDelivering(workerID string, now time.Time) error {
	if err := e.transition(EntryStatusDelivering); err != nil {
		return err
	}
	e.LockedBy = &workerID
	e.LockedAt = &now
	e.UpdatedAt = now
	return nil
}

func (e *DispatchEntry) MarkDelivered(now time.Time) error {
	if err := e.transition(EntryStatusDelivered); err != nil {
		return err
	}
	e.DeliveredAt = &now
	e.clearLease()
	e.UpdatedAt = now
	return nil
}

// MarkRetryableFailure counts the attempt and either schedules the entry for
// nextAvailableAt or, once the budget is spent, fails it terminally.
func (e *DispatchEntry) MarkRetryableFailure(now, nextAvailableAt time.Time, lastError string) error {
	if e.Status != EntryStatusDelivering {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, EntryStatusFailedRetryable)
	}
	e.Attempts++
	if e.CanRetry() {
		e.Status = EntryStatusFailedRetryable
		e.AvailableAt = nextAvailableAt
	} else {
		e.Status = EntryStatusFailedTerminal
		e.FailedAt = &now
	}
	e.recordError(now, lastError)
	e.clearLease()
	e.UpdatedAt = now
	return nil
}

// MarkTerminalFailure counts the attempt and fails the entry regardless of
// the remaining budget.
func (e *DispatchEntry) MarkTerminalFailure(now time.Time, lastError string) error {
	if err := e.transition(EntryStatusFailedTerminal); err != nil {
		return err
	}
	e.Attempts++
	e.FailedAt = &now
	e.recordError(now, lastError)
	e.clearLease()
	e.UpdatedAt = now
	return nil
}

// MarkDeferred hands the entry back without counting an attempt. Used when
// the sink refused to call the destination (rate limit, open breaker).
func (e *DispatchEntry) MarkDeferred(now, availableAt time.Time) error {
	if e.Status != EntryStatusDelivering {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, EntryStatusPending)
	}
	e.Status = EntryStatusPending
	e.AvailableAt = availableAt
	e.clearLease()
	e.UpdatedAt = now
	return nil
}

// ReleaseLease returns an expired lease to the ready pool. Attempts are kept.
func (e *DispatchEntry) ReleaseLease(now time.Time) error {
	return e.MarkDeferred(now, now)
}

// Cancel fails a waiting entry terminally with a cancellation reason.
func (e *DispatchEntry) Cancel(now time.Time, reason string) error {
	if !e.Status.IsClaimable() {
		return fmt.Errorf("%w: cannot cancel %s entry", ErrInvalidTransition, e.Status)
	}
	e.Status = EntryStatusFailedTerminal
	e.FailedAt = &now
	e.recordError(now, "cancelled: "+reason)
	e.UpdatedAt = now
	return nil
}

// Redrive returns a terminally failed entry to the queue with extra attempts
// added to its budget.
func (e *DispatchEntry) Redrive(now time.Time, extraAttempts int) error {
	if extraAttempts <= 0 {
		return fmt.Errorf("%w: extra attempts must be positive", ErrInvalidInput)
	}
	if err := e.transition(EntryStatusPending); err != nil {
		return err
	}
	e.MaxAttempts = e.Attempts + extraAttempts
	e.AvailableAt = now
	e.FailedAt = nil
	e.UpdatedAt = now
	return nil
}

// CheckInvariants returns the first violated invariant, if any.
func (e *DispatchEntry) CheckInvariants() error {
	if !e.Status.IsValid() {
		return fmt.Errorf("entry %s: unknown status %q", e.ID, e.Status)
	}
	if e.Status != EntryStatusFailedTerminal && e.Attempts > e.MaxAttempts {
		return fmt.Errorf("entry %s: attempts %d exceed max %d in status %s", e.ID, e.Attempts, e.MaxAttempts, e.Status)
	}
	if (e.LockedBy != nil) != (e.Status == EntryStatusDelivering) {
		return fmt.Errorf("entry %s: locked_by=%q with status %s", e.ID, e.LeaseHolder(), e.Status)
	}
	if (e.DeliveredAt != nil) != (e.Status == EntryStatusDelivered) {
		return fmt.Errorf("entry %s: delivered_at set=%t with status %s", e.ID, e.DeliveredAt != nil, e.Status)
	}
	return nil
}

// EntryFilter narrows List queries. Zero values match everything.
type EntryFilter struct {
	Status        EntryStatus
	Channel       string
	DomainEventID string
	Limit         int
}

// EntryStats summarises the queue for operators.
type EntryStats struct {
	ByStatus          map[EntryStatus]int `json:"by_status"`
	OldestReadyAt     *time.Time          `json:"oldest_ready_at,omitempty"`
	LatestErrorAt     *time.Time          `json:"latest_error_at,omitempty"`
	ExpiredLeaseCount int                 `json:"expired_lease_count"`
}

// ClaimedEntry is a leased entry together with the event it delivers.
type ClaimedEntry struct {
	Entry *DispatchEntry
	Event *DomainEvent
}
