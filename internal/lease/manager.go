// Package lease hands ready dispatch entries to workers and takes them back
// when a worker stops renewing its claim.
package lease

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/observability"
	"github.com/felipemaragno/courier/internal/repository"
)

// MaxBatchSize caps a single claim.
const MaxBatchSize = 1000

type Manager struct {
	entries repository.EntryRepository
	clock   clock.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewManager(entries repository.EntryRepository, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{entries: entries, clock: clk, logger: logger}
}

// WithMetrics enables Prometheus metrics collection.
func (m *Manager) WithMetrics(metrics *observability.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Claim leases up to batchSize ready entries to workerID, oldest first. With
// channels given only entries for those channels are considered. Concurrent
// callers receive disjoint sets and may get fewer entries than requested.
func (m *Manager) Claim(ctx context.Context, workerID string, batchSize int, channels ...string) ([]*domain.ClaimedEntry, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", domain.ErrInvalidInput)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", domain.ErrInvalidInput, batchSize)
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	claimed, err := m.entries.Claim(ctx, repository.ClaimRequest{
		WorkerID:  workerID,
		BatchSize: batchSize,
		Channels:  channels,
		Now:       m.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("claim entries: %w", err)
	}

	if len(claimed) > 0 {
		m.logger.Debug("entries claimed", "worker_id", workerID, "count", len(claimed))
		if m.metrics != nil {
			m.metrics.EntriesClaimed.Add(float64(len(claimed)))
		}
	}
	return claimed, nil
}

// ReclaimExpiredLeases returns entries leased longer than leaseTimeout ago
// to the ready pool. Attempts are left unchanged; a lease exactly
// leaseTimeout old is still held.
func (m *Manager) ReclaimExpiredLeases(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	if leaseTimeout <= 0 {
		return 0, fmt.Errorf("%w: lease timeout must be positive", domain.ErrInvalidInput)
	}

	now := m.clock.Now()
	n, err := m.entries.ReclaimExpired(ctx, now.Add(-leaseTimeout), now)
	if err != nil {
		return n, fmt.Errorf("reclaim expired leases: %w", err)
	}

	if n > 0 {
		m.logger.Warn("reclaimed expired leases", "count", n, "lease_timeout", leaseTimeout)
		if m.metrics != nil {
			m.metrics.LeasesReclaimed.Add(float64(n))
		}
	}
	return n, nil
}

// Stats summarises the queue. Leases older than leaseTimeout are reported as
// expired.
func (m *Manager) Stats(ctx context.Context, leaseTimeout time.Duration) (*domain.EntryStats, error) {
	now := m.clock.Now()
	stats, err := m.entries.Stats(ctx, now, now.Add(-leaseTimeout))
	if err != nil {
		return nil, fmt.Errorf("entry stats: %w", err)
	}

	if m.metrics != nil {
		counts := make(map[string]int, len(stats.ByStatus))
		for status, n := range stats.ByStatus {
			counts[string(status)] = n
		}
		m.metrics.SetStatusCounts(counts)
	}
	return stats, nil
}
