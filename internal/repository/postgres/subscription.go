package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/courier/internal/domain"
)

const subscriptionColumns = `id, url, event_types, secret, rate_limit, created_at, active`

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.URL,
		&sub.EventTypes,
		&sub.Secret,
		&sub.RateLimit,
		&sub.CreatedAt,
		&sub.Active,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &sub, nil
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	const query = `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		sub.ID,
		sub.URL,
		sub.EventTypes,
		sub.Secret,
		sub.RateLimit,
		sub.CreatedAt,
		sub.Active,
	)
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", sub.ID, mapError(err))
	}
	return nil
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.pool.QueryRow(ctx, query, id))
}

func (r *SubscriptionRepository) GetActive(ctx context.Context) ([]*domain.Subscription, error) {
	const query = `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE active = TRUE
		ORDER BY created_at, id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetByEventType filters active subscriptions in Go because event type
// patterns support trailing wildcards.
func (r *SubscriptionRepository) GetByEventType(ctx context.Context, eventType string) ([]*domain.Subscription, error) {
	subs, err := r.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	matched := subs[:0]
	for _, sub := range subs {
		if sub.MatchesEventType(eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	const query = `
		UPDATE subscriptions
		SET active = FALSE
		WHERE id = $1 AND active = TRUE
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
