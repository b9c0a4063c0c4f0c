// Package repository declares the storage contracts of the outbox.
package repository

import (
	"context"
	"time"

	"github.com/felipemaragno/courier/internal/domain"
)

// EventWriter appends events and dispatch entries. Implementations are bound
// to a single transaction owned by the caller.
type EventWriter interface {
	// InsertEvent stores the event, or returns the stored one when an event
	// with the same id already exists.
	InsertEvent(ctx context.Context, event *domain.DomainEvent) (*domain.DomainEvent, error)
	// InsertEntries stores entries, skipping any whose (event, channel) pair or
	// checksum is already present. It returns the stored row for every input.
	InsertEntries(ctx context.Context, entries []*domain.DispatchEntry) ([]*domain.DispatchEntry, error)
}

// TxRunner opens a transaction for producers that do not own one.
type TxRunner interface {
	InTx(ctx context.Context, fn func(w EventWriter) error) error
}

type EventRepository interface {
	GetEventByID(ctx context.Context, id string) (*domain.DomainEvent, error)
}

// ClaimRequest selects ready entries for a worker.
type ClaimRequest struct {
	WorkerID  string
	BatchSize int
	Channels  []string
	Now       time.Time
}

// EntryRepository is the only write path into entry state besides enqueue.
type EntryRepository interface {
	// Claim atomically leases up to BatchSize ready entries, oldest first.
	// Concurrent callers never receive the same entry.
	Claim(ctx context.Context, req ClaimRequest) ([]*domain.ClaimedEntry, error)
	// Settle persists the outcome of a delivery. It returns domain.ErrLeaseLost
	// when workerID no longer holds the entry.
	Settle(ctx context.Context, entry *domain.DispatchEntry, workerID string) error
	// ReclaimExpired returns entries locked before cutoff to the ready pool.
	ReclaimExpired(ctx context.Context, cutoff, now time.Time) (int, error)
	// Update loads the entry under a row lock, applies fn and stores the result.
	Update(ctx context.Context, id string, fn func(e *domain.DispatchEntry) error) (*domain.DispatchEntry, error)

	GetEntryByID(ctx context.Context, id string) (*domain.DispatchEntry, error)
	ListEntries(ctx context.Context, filter domain.EntryFilter) ([]*domain.DispatchEntry, error)
	Stats(ctx context.Context, now, leaseCutoff time.Time) (*domain.EntryStats, error)
}

type SubscriptionRepository interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	GetActive(ctx context.Context) ([]*domain.Subscription, error)
	GetByEventType(ctx context.Context, eventType string) ([]*domain.Subscription, error)
	Delete(ctx context.Context, id string) error
}
