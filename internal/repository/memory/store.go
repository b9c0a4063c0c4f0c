// Package memory is an in-process implementation of the outbox repositories.
// It backs unit tests and single-process development runs; every mutation
// happens under one mutex, which gives the same atomic claim guarantees as
// the PostgreSQL implementation.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/repository"
)

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	events     map[string]*domain.DomainEvent
	entries    map[string]*domain.DispatchEntry
	byPair     map[string]string
	byChecksum map[string]string
	subs       map[string]*domain.Subscription
}

func NewStore() *Store {
	return &Store{
		events:     make(map[string]*domain.DomainEvent),
		entries:    make(map[string]*domain.DispatchEntry),
		byPair:     make(map[string]string),
		byChecksum: make(map[string]string),
		subs:       make(map[string]*domain.Subscription),
	}
}

var (
	_ repository.TxRunner               = (*Store)(nil)
	_ repository.EventRepository        = (*Store)(nil)
	_ repository.EntryRepository        = (*Store)(nil)
	_ repository.SubscriptionRepository = (*Store)(nil)
)

func pairKey(eventID, channel string) string {
	return eventID + "\x00" + channel
}

func cloneEvent(e *domain.DomainEvent) *domain.DomainEvent {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

func cloneEntry(e *domain.DispatchEntry) *domain.DispatchEntry {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

// InTx runs fn against a staged writer. Staged rows become visible only when
// fn returns nil. Transactions are serialised.
func (s *Store) InTx(ctx context.Context, fn func(w repository.EventWriter) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &txWriter{
		store:   s,
		events:  make(map[string]*domain.DomainEvent),
		entries: make(map[string]*domain.DispatchEntry),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range tx.events {
		s.events[id] = e
	}
	for _, e := range tx.order {
		s.entries[e.ID] = e
		s.byPair[pairKey(e.DomainEventID, e.DeliveryChannel)] = e.ID
		s.byChecksum[e.PayloadChecksum] = e.ID
	}
	return nil
}

type txWriter struct {
	store   *Store
	events  map[string]*domain.DomainEvent
	entries map[string]*domain.DispatchEntry
	order   []*domain.DispatchEntry
}

func (w *txWriter) InsertEvent(ctx context.Context, event *domain.DomainEvent) (*domain.DomainEvent, error) {
	if e, ok := w.events[event.ID]; ok {
		return cloneEvent(e), nil
	}

	w.store.mu.RLock()
	existing, ok := w.store.events[event.ID]
	w.store.mu.RUnlock()
	if ok {
		return cloneEvent(existing), nil
	}

	w.events[event.ID] = cloneEvent(event)
	return cloneEvent(event), nil
}

func (w *txWriter) lookup(pair, checksum string) (*domain.DispatchEntry, bool) {
	for _, e := range w.order {
		if pairKey(e.DomainEventID, e.DeliveryChannel) == pair || e.PayloadChecksum == checksum {
			return e, true
		}
	}

	w.store.mu.RLock()
	defer w.store.mu.RUnlock()
	if id, ok := w.store.byPair[pair]; ok {
		return w.store.entries[id], true
	}
	if id, ok := w.store.byChecksum[checksum]; ok {
		return w.store.entries[id], true
	}
	return nil, false
}

func (w *txWriter) InsertEntries(ctx context.Context, entries []*domain.DispatchEntry) ([]*domain.DispatchEntry, error) {
	result := make([]*domain.DispatchEntry, 0, len(entries))
	for _, e := range entries {
		pair := pairKey(e.DomainEventID, e.DeliveryChannel)
		if existing, ok := w.lookup(pair, e.PayloadChecksum); ok {
			if pairKey(existing.DomainEventID, existing.DeliveryChannel) != pair {
				return nil, fmt.Errorf("entry %s/%s: %w", e.DomainEventID, e.DeliveryChannel, domain.ErrAlreadyExists)
			}
			result = append(result, cloneEntry(existing))
			continue
		}

		if _, ok := w.events[e.DomainEventID]; !ok {
			w.store.mu.RLock()
			_, ok = w.store.events[e.DomainEventID]
			w.store.mu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("entry references unknown event %s: %w", e.DomainEventID, domain.ErrNotFound)
			}
		}

		stored := cloneEntry(e)
		if stored.Metadata == nil {
			stored.Metadata = domain.Metadata{}
		}
		stored.UpdatedAt = stored.CreatedAt
		w.entries[stored.ID] = stored
		w.order = append(w.order, stored)
		result = append(result, cloneEntry(stored))
	}
	return result, nil
}

func (s *Store) GetEventByID(ctx context.Context, id string) (*domain.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneEvent(e), nil
}

func readyOrder(a, b *domain.DispatchEntry) bool {
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) Claim(ctx context.Context, req repository.ClaimRequest) ([]*domain.ClaimedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var channels map[string]bool
	if len(req.Channels) > 0 {
		channels = make(map[string]bool, len(req.Channels))
		for _, c := range req.Channels {
			channels[c] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*domain.DispatchEntry
	for _, e := range s.entries {
		if !e.IsReady(req.Now) {
			continue
		}
		if channels != nil && !channels[e.DeliveryChannel] {
			continue
		}
		ready = append(ready, e)
	}
	sort.Slice(ready, func(i, j int) bool { return readyOrder(ready[i], ready[j]) })
	if len(ready) > req.BatchSize {
		ready = ready[:req.BatchSize]
	}

	claimed := make([]*domain.ClaimedEntry, 0, len(ready))
	for _, e := range ready {
		if err := e.MarkDelivering(req.WorkerID, req.Now); err != nil {
			return nil, err
		}
		claimed = append(claimed, &domain.ClaimedEntry{
			Entry: cloneEntry(e),
			Event: cloneEvent(s.events[e.DomainEventID]),
		})
	}
	return claimed, nil
}

func (s *Store) Settle(ctx context.Context, entry *domain.DispatchEntry, workerID string) error {
	if err := entry.CheckInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[entry.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != domain.EntryStatusDelivering || current.LeaseHolder() != workerID {
		return domain.ErrLeaseLost
	}
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *Store) ReclaimExpired(ctx context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.entries {
		if e.Status != domain.EntryStatusDelivering || e.LockedAt == nil || !e.LockedAt.Before(cutoff) {
			continue
		}
		if err := e.ReleaseLease(now); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Store) Update(ctx context.Context, id string, fn func(e *domain.DispatchEntry) error) (*domain.DispatchEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	e := cloneEntry(current)
	if err := fn(e); err != nil {
		return nil, err
	}
	if err := e.CheckInvariants(); err != nil {
		return nil, err
	}
	s.entries[id] = e
	return cloneEntry(e), nil
}

func (s *Store) GetEntryByID(ctx context.Context, id string) (*domain.DispatchEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *Store) ListEntries(ctx context.Context, filter domain.EntryFilter) ([]*domain.DispatchEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DispatchEntry
	for _, e := range s.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Channel != "" && e.DeliveryChannel != filter.Channel {
			continue
		}
		if filter.DomainEventID != "" && e.DomainEventID != filter.DomainEventID {
			continue
		}
		result = append(result, cloneEntry(e))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) Stats(ctx context.Context, now, leaseCutoff time.Time) (*domain.EntryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.EntryStats{ByStatus: make(map[domain.EntryStatus]int, len(domain.AllEntryStatuses))}
	for _, st := range domain.AllEntryStatuses {
		stats.ByStatus[st] = 0
	}

	for _, e := range s.entries {
		stats.ByStatus[e.Status]++
		if e.IsReady(now) && (stats.OldestReadyAt == nil || e.AvailableAt.Before(*stats.OldestReadyAt)) {
			t := e.AvailableAt
			stats.OldestReadyAt = &t
		}
		if e.LastErrorAt != nil && (stats.LatestErrorAt == nil || e.LastErrorAt.After(*stats.LatestErrorAt)) {
			t := *e.LastErrorAt
			stats.LatestErrorAt = &t
		}
		if e.Status == domain.EntryStatusDelivering && e.LockedAt != nil && e.LockedAt.Before(leaseCutoff) {
			stats.ExpiredLeaseCount++
		}
	}
	return stats, nil
}

// Snapshot returns a copy of every entry. Intended for invariant checks.
func (s *Store) Snapshot() []*domain.DispatchEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.DispatchEntry, 0, len(s.entries))
	for _, e := range s.entries {
		result = append(result, cloneEntry(e))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
