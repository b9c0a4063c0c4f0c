package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/repository"
)

const entryColumns = `id, domain_event_id, delivery_channel, status, attempts, max_attempts, available_at,
	locked_at, locked_by, delivered_at, failed_at, last_error, last_error_at, payload_checksum,
	trace_id, correlation_id, dry_run, metadata, created_at, updated_at`

// MaxClaimBatch bounds a single claim.
const MaxClaimBatch = 1000

func entryScanTargets(e *domain.DispatchEntry) []any {
	return []any{
		&e.ID,
		&e.DomainEventID,
		&e.DeliveryChannel,
		&e.Status,
		&e.Attempts,
		&e.MaxAttempts,
		&e.AvailableAt,
		&e.LockedAt,
		&e.LockedBy,
		&e.DeliveredAt,
		&e.FailedAt,
		&e.LastError,
		&e.LastErrorAt,
		&e.PayloadChecksum,
		&e.TraceID,
		&e.CorrelationID,
		&e.DryRun,
		&e.Metadata,
		&e.CreatedAt,
		&e.UpdatedAt,
	}
}

func scanEntry(row pgx.Row) (*domain.DispatchEntry, error) {
	var e domain.DispatchEntry
	if err := row.Scan(entryScanTargets(&e)...); err != nil {
		return nil, mapError(err)
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*domain.DispatchEntry, error) {
	defer rows.Close()

	var entries []*domain.DispatchEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntryRepository implements leasing and settlement of dispatch entries.
type EntryRepository struct {
	pool *pgxpool.Pool
}

func NewEntryRepository(pool *pgxpool.Pool) *EntryRepository {
	return &EntryRepository{pool: pool}
}

// Claim leases ready entries in one statement. SKIP LOCKED lets concurrent
// claimants pass over rows another transaction is already taking.
func (r *EntryRepository) Claim(ctx context.Context, req repository.ClaimRequest) ([]*domain.ClaimedEntry, error) {
	const query = `
		WITH ready AS (
			SELECT id FROM dispatch_entries
			WHERE status IN ('pending', 'failed_retryable')
			  AND available_at <= $2
			  AND (cardinality($3::text[]) = 0 OR delivery_channel = ANY($3::text[]))
			ORDER BY available_at, created_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE dispatch_entries d
		SET status = 'delivering', locked_by = $1, locked_at = $2, updated_at = $2
		FROM ready, domain_events ev
		WHERE d.id = ready.id AND ev.id = d.domain_event_id
		RETURNING d.id, d.domain_event_id, d.delivery_channel, d.status, d.attempts, d.max_attempts,
			d.available_at, d.locked_at, d.locked_by, d.delivered_at, d.failed_at, d.last_error,
			d.last_error_at, d.payload_checksum, d.trace_id, d.correlation_id, d.dry_run, d.metadata,
			d.created_at, d.updated_at,
			ev.id, ev.entity_type, ev.entity_id, ev.event_type, ev.payload, ev.performed_by,
			ev.trace_id, ev.correlation_id, ev.occurred_at
	`

	channels := req.Channels
	if channels == nil {
		channels = []string{}
	}

	rows, err := r.pool.Query(ctx, query, req.WorkerID, req.Now, channels, req.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}
	defer rows.Close()

	var claimed []*domain.ClaimedEntry
	for rows.Next() {
		var (
			entry domain.DispatchEntry
			event domain.DomainEvent
		)
		targets := append(entryScanTargets(&entry),
			&event.ID,
			&event.EntityType,
			&event.EntityID,
			&event.EventType,
			&event.Payload,
			&event.PerformedBy,
			&event.TraceID,
			&event.CorrelationID,
			&event.OccurredAt,
		)
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan claimed entry: %w", err)
		}
		claimed = append(claimed, &domain.ClaimedEntry{Entry: &entry, Event: &event})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}

	// RETURNING does not preserve the CTE order
	sort.SliceStable(claimed, func(i, j int) bool {
		a, b := claimed[i].Entry, claimed[j].Entry
		if !a.AvailableAt.Equal(b.AvailableAt) {
			return a.AvailableAt.Before(b.AvailableAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return claimed, nil
}

const updateEntrySet = `
	status = $2, attempts = $3, max_attempts = $4, available_at = $5, locked_at = $6, locked_by = $7,
	delivered_at = $8, failed_at = $9, last_error = $10, last_error_at = $11, updated_at = $12`

func updateEntryArgs(e *domain.DispatchEntry) []any {
	return []any{
		e.ID,
		e.Status,
		e.Attempts,
		e.MaxAttempts,
		e.AvailableAt,
		e.LockedAt,
		e.LockedBy,
		e.DeliveredAt,
		e.FailedAt,
		e.LastError,
		e.LastErrorAt,
		e.UpdatedAt,
	}
}

// Settle writes the outcome only while workerID still holds the lease.
func (r *EntryRepository) Settle(ctx context.Context, entry *domain.DispatchEntry, workerID string) error {
	query := `UPDATE dispatch_entries SET ` + updateEntrySet + `
		WHERE id = $1 AND status = 'delivering' AND locked_by = $13`

	tag, err := r.pool.Exec(ctx, query, append(updateEntryArgs(entry), workerID)...)
	if err != nil {
		return fmt.Errorf("settle entry %s: %w", entry.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *EntryRepository) ReclaimExpired(ctx context.Context, cutoff, now time.Time) (int, error) {
	const query = `
		UPDATE dispatch_entries
		SET status = 'pending', locked_at = NULL, locked_by = NULL, available_at = $2, updated_at = $2
		WHERE status = 'delivering' AND locked_at < $1
	`

	tag, err := r.pool.Exec(ctx, query, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *EntryRepository) Update(ctx context.Context, id string, fn func(e *domain.DispatchEntry) error) (*domain.DispatchEntry, error) {
	var updated *domain.DispatchEntry
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		query := `SELECT ` + entryColumns + ` FROM dispatch_entries WHERE id = $1 FOR UPDATE`
		e, err := scanEntry(tx.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE dispatch_entries SET `+updateEntrySet+` WHERE id = $1`, updateEntryArgs(e)...); err != nil {
			return mapError(err)
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *EntryRepository) GetEntryByID(ctx context.Context, id string) (*domain.DispatchEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM dispatch_entries WHERE id = $1`
	return scanEntry(r.pool.QueryRow(ctx, query, id))
}

func (r *EntryRepository) ListEntries(ctx context.Context, filter domain.EntryFilter) ([]*domain.DispatchEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Channel != "" {
		args = append(args, filter.Channel)
		where = append(where, fmt.Sprintf("delivery_channel = $%d", len(args)))
	}
	if filter.DomainEventID != "" {
		args = append(args, filter.DomainEventID)
		where = append(where, fmt.Sprintf("domain_event_id = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 || limit > MaxClaimBatch {
		limit = 100
	}
	args = append(args, limit)

	var qb strings.Builder
	qb.WriteString(`SELECT ` + entryColumns + ` FROM dispatch_entries`)
	if len(where) > 0 {
		qb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	fmt.Fprintf(&qb, " ORDER BY created_at, id LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return collectEntries(rows)
}

func (r *EntryRepository) Stats(ctx context.Context, now, leaseCutoff time.Time) (*domain.EntryStats, error) {
	stats := &domain.EntryStats{ByStatus: make(map[domain.EntryStatus]int, len(domain.AllEntryStatuses))}
	for _, s := range domain.AllEntryStatuses {
		stats.ByStatus[s] = 0
	}

	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM dispatch_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	for rows.Next() {
		var (
			status domain.EntryStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const query = `
		SELECT
			min(available_at) FILTER (WHERE status IN ('pending', 'failed_retryable') AND available_at <= $1),
			max(last_error_at),
			count(*) FILTER (WHERE status = 'delivering' AND locked_at < $2)
		FROM dispatch_entries
	`
	err = r.pool.QueryRow(ctx, query, now, leaseCutoff).Scan(
		&stats.OldestReadyAt,
		&stats.LatestErrorAt,
		&stats.ExpiredLeaseCount,
	)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry stats: %w", err)
	}
	return stats, nil
}
