// Package worker runs the delivery loop.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│ <inst>-0    │     │ <inst>-1    │     │ <inst>-N    │
//	└──────┬──────┘     └──────┬──────┘     └──────┬──────┘
//	       │                   │                   │
//	       └───────────────────┼───────────────────┘
//	                           │ claim
//	                    ┌──────▼──────┐
//	                    │ Lease Mgr   │  (FOR UPDATE SKIP LOCKED)
//	                    └──────┬──────┘
//	                           │ dispatch
//	                    ┌──────▼──────┐
//	                    │ Dispatcher  │──▶ sinks (webhook, redis, kafka)
//	                    └─────────────┘
//
// Each worker goroutine:
//  1. Claims a batch of ready entries under its own lease identity
//  2. Dispatches them one at a time through the sink registry, handing back
//     entries whose lease no longer covers a full delivery timeout
//  3. Claims again straight away when the batch was full, otherwise waits
//     for the next tick
//
// Several processes can run pools against the same database; the claim
// guarantees no two workers hold the same entry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/felipemaragno/courier/internal/dispatch"
	"github.com/felipemaragno/courier/internal/domain"
)

// Claimer leases ready entries.
type Claimer interface {
	Claim(ctx context.Context, workerID string, batchSize int, channels ...string) ([]*domain.ClaimedEntry, error)
}

// Dispatcher delivers a leased entry and stores the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, claimed *domain.ClaimedEntry) dispatch.Outcome
	Release(ctx context.Context, entry *domain.DispatchEntry) error
}

// Config defines worker pool parameters.
//
// InstanceID: Prefix of every worker's lease identity.
// Workers: Number of concurrent delivery goroutines.
// PollInterval: How long an idle worker waits before claiming again.
// BatchSize: Maximum entries claimed at once.
// Channels: Restricts claims to these channels; empty means all.
type Config struct {
	InstanceID   string
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	Channels     []string
}

func DefaultConfig() Config {
	return Config{
		InstanceID:   "courier",
		Workers:      10,
		PollInterval: 100 * time.Millisecond,
		BatchSize:    10,
	}
}

// Pool manages worker goroutines.
// Use NewPool to create, then call Start to begin processing.
// Call Stop for graceful shutdown.
type Pool struct {
	config     Config
	claimer    Claimer
	dispatcher Dispatcher
	logger     *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

func NewPool(config Config, claimer Claimer, dispatcher Dispatcher, logger *slog.Logger) *Pool {
	defaults := DefaultConfig()
	if config.InstanceID == "" {
		config.InstanceID = defaults.InstanceID
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		config:     config,
		claimer:    claimer,
		dispatcher: dispatcher,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// WorkerID returns the lease identity of worker n.
func (p *Pool) WorkerID(n int) string {
	return fmt.Sprintf("%s-%d", p.config.InstanceID, n)
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, p.WorkerID(i))
	}

	p.logger.Info("worker pool started",
		"instance_id", p.config.InstanceID,
		"workers", p.config.Workers,
		"batch_size", p.config.BatchSize,
		"channels", p.config.Channels,
	)
}

// Stop waits for in-flight deliveries to finish. Entries claimed but not yet
// dispatched are released back to the queue.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Pool) worker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		for !p.stopping(ctx) && p.processBatch(ctx, workerID) {
		}

		select {
		case <-ctx.Done():
			p.logger.Debug("worker shutting down", "worker_id", workerID)
			return
		case <-p.stopCh:
			p.logger.Debug("worker shutting down", "worker_id", workerID)
			return
		case <-ticker.C:
		}
	}
}

// processBatch claims and dispatches one batch. It reports whether the batch
// was full, meaning more work is probably waiting.
func (p *Pool) processBatch(ctx context.Context, workerID string) bool {
	claimed, err := p.claimer.Claim(ctx, workerID, p.config.BatchSize, p.config.Channels...)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to claim entries", "error", err, "worker_id", workerID)
		}
		return false
	}

	// a delivery already started finishes even if the pool is stopped; the
	// dispatcher bounds it with the delivery timeout
	dispatchCtx := context.WithoutCancel(ctx)

	for i, c := range claimed {
		if p.stopping(ctx) {
			p.release(dispatchCtx, workerID, claimed[i:])
			return false
		}
		p.dispatcher.Dispatch(dispatchCtx, c)
	}

	return len(claimed) == p.config.BatchSize
}

func (p *Pool) release(ctx context.Context, workerID string, rest []*domain.ClaimedEntry) {
	for _, c := range rest {
		if err := p.dispatcher.Release(ctx, c.Entry); err != nil {
			p.logger.Warn("failed to release entry, it will be reclaimed after the lease timeout",
				"error", err,
				"entry_id", c.Entry.ID,
				"worker_id", workerID,
			)
		}
	}
	p.logger.Info("released undelivered entries", "worker_id", workerID, "count", len(rest))
}
