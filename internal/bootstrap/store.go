// Package bootstrap wires configuration into running components shared by the
// courier binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/courier/internal/config"
	"github.com/felipemaragno/courier/internal/migrations"
	"github.com/felipemaragno/courier/internal/observability"
	"github.com/felipemaragno/courier/internal/repository"
	"github.com/felipemaragno/courier/internal/repository/memory"
	"github.com/felipemaragno/courier/internal/repository/postgres"
	"github.com/felipemaragno/courier/internal/resilience"
)

// Store groups the repositories of one backing store.
type Store struct {
	Tx            repository.TxRunner
	Events        repository.EventRepository
	Entries       repository.EntryRepository
	Subscriptions repository.SubscriptionRepository

	// Pool is nil on the in-memory store.
	Pool *pgxpool.Pool
}

// Shared reports whether other processes see the same data.
func (s *Store) Shared() bool {
	return s.Pool != nil
}

// HealthCheck probes the database, or returns nil for the in-memory store.
func (s *Store) HealthCheck() observability.HealthChecker {
	if s.Pool == nil {
		return nil
	}
	return s.Pool
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenStore connects to Postgres when DATABASE_URL is set, applying
// migrations if enabled. Otherwise it returns a process-local memory store.
func OpenStore(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*Store, error) {
	if cfg.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		mem := memory.NewStore()
		return &Store{Tx: mem, Events: mem, Entries: mem, Subscriptions: mem}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MaxConns / 3

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to database", "max_conns", cfg.MaxConns)

	if cfg.Migrate {
		if err := migrations.Up(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}

	return &Store{
		Tx:            postgres.NewTxRunner(pool),
		Events:        postgres.NewEventRepository(pool),
		Entries:       postgres.NewEntryRepository(pool),
		Subscriptions: postgres.NewSubscriptionRepository(pool),
		Pool:          pool,
	}, nil
}

// OpenRedis returns nil when REDIS_URL is unset or the server is unreachable;
// callers fall back to in-process resilience.
func OpenRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.Redis.URL == "" {
		logger.Info("REDIS_URL not set, using in-memory resilience")
		return nil
	}

	client, err := resilience.NewRedisClient(cfg.RedisClientConfig())
	if err != nil {
		logger.Error("invalid REDIS_URL, using in-memory resilience", "error", err)
		return nil
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis not available, using in-memory resilience", "error", err)
		client.Close()
		return nil
	}
	logger.Info("connected to Redis")
	return client
}

// RedisHealthCheck adapts a possibly nil client.
func RedisHealthCheck(client *redis.Client) observability.HealthChecker {
	if client == nil {
		return nil
	}
	return observability.CheckFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}
