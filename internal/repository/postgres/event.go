package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/courier/internal/domain"
)

const eventColumns = `id, entity_type, entity_id, event_type, payload, performed_by, trace_id, correlation_id, occurred_at`

func scanEvent(row pgx.Row) (*domain.DomainEvent, error) {
	var e domain.DomainEvent
	err := row.Scan(
		&e.ID,
		&e.EntityType,
		&e.EntityID,
		&e.EventType,
		&e.Payload,
		&e.PerformedBy,
		&e.TraceID,
		&e.CorrelationID,
		&e.OccurredAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &e, nil
}

// Writer appends events and entries through the caller's transaction.
// Pass the pgx.Tx that carries the business mutation.
type Writer struct {
	db DBTX
}

func NewWriter(db DBTX) *Writer {
	return &Writer{db: db}
}

func (w *Writer) InsertEvent(ctx context.Context, event *domain.DomainEvent) (*domain.DomainEvent, error) {
	const query = `
		INSERT INTO domain_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + eventColumns

	stored, err := scanEvent(w.db.QueryRow(ctx, query,
		event.ID,
		event.EntityType,
		event.EntityID,
		event.EventType,
		event.Payload,
		event.PerformedBy,
		event.TraceID,
		event.CorrelationID,
		event.OccurredAt,
	))
	if err == nil {
		return stored, nil
	}
	if err != domain.ErrNotFound {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	// conflict: the event was recorded earlier
	return getEvent(ctx, w.db, event.ID)
}

// entryInsertColumns is the number of parameters per row in InsertEntries.
const entryInsertColumns = 13

// InsertEntries writes all entries in one statement. Rows that collide with an
// existing (event, channel) pair or checksum are skipped and the stored rows
// are returned in their place.
func (w *Writer) InsertEntries(ctx context.Context, entries []*domain.DispatchEntry) ([]*domain.DispatchEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var qb strings.Builder
	qb.WriteString(`
		INSERT INTO dispatch_entries (id, domain_event_id, delivery_channel, status, attempts, max_attempts,
			available_at, payload_checksum, trace_id, correlation_id, dry_run, metadata, created_at, updated_at)
		VALUES `)

	args := make([]any, 0, len(entries)*entryInsertColumns)
	eventIDs := make([]string, len(entries))
	channels := make([]string, len(entries))
	for i, e := range entries {
		if i > 0 {
			qb.WriteString(", ")
		}
		base := i * entryInsertColumns
		fmt.Fprintf(&qb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
			base+9, base+10, base+11, base+12, base+13, base+13)

		metadata := e.Metadata
		if metadata == nil {
			metadata = domain.Metadata{}
		}
		args = append(args,
			e.ID,
			e.DomainEventID,
			e.DeliveryChannel,
			e.Status,
			e.Attempts,
			e.MaxAttempts,
			e.AvailableAt,
			e.PayloadChecksum,
			e.TraceID,
			e.CorrelationID,
			e.DryRun,
			metadata,
			e.CreatedAt,
		)
		eventIDs[i] = e.DomainEventID
		channels[i] = e.DeliveryChannel
	}
	qb.WriteString(" ON CONFLICT DO NOTHING")

	if _, err := w.db.Exec(ctx, qb.String(), args...); err != nil {
		return nil, fmt.Errorf("insert entries: %w", err)
	}

	query := `
		SELECT ` + entryColumns + `
		FROM dispatch_entries
		WHERE (domain_event_id, delivery_channel) IN (
			SELECT * FROM unnest($1::text[], $2::text[])
		)`
	rows, err := w.db.Query(ctx, query, eventIDs, channels)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	stored, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*domain.DispatchEntry, len(stored))
	for _, e := range stored {
		byKey[e.DomainEventID+"\x00"+e.DeliveryChannel] = e
	}
	result := make([]*domain.DispatchEntry, 0, len(entries))
	for _, e := range entries {
		s, ok := byKey[e.DomainEventID+"\x00"+e.DeliveryChannel]
		if !ok {
			// checksum matched a row of another (event, channel) pair
			return nil, fmt.Errorf("entry %s/%s: %w", e.DomainEventID, e.DeliveryChannel, domain.ErrAlreadyExists)
		}
		result = append(result, s)
	}
	return result, nil
}

func getEvent(ctx context.Context, db DBTX, id string) (*domain.DomainEvent, error) {
	const query = `SELECT ` + eventColumns + ` FROM domain_events WHERE id = $1`
	return scanEvent(db.QueryRow(ctx, query, id))
}

// EventRepository reads recorded events.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

func (r *EventRepository) GetEventByID(ctx context.Context, id string) (*domain.DomainEvent, error) {
	return getEvent(ctx, r.pool, id)
}
