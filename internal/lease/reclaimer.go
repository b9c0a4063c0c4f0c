package lease

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

type ReclaimerConfig struct {
	// Interval is how often the sweep runs (default: 15s)
	Interval time.Duration
	// LeaseTimeout is how long a worker may hold an entry (default: 2m)
	LeaseTimeout time.Duration
}

func DefaultReclaimerConfig() ReclaimerConfig {
	return ReclaimerConfig{
		Interval:     15 * time.Second,
		LeaseTimeout: 2 * time.Minute,
	}
}

// Reclaimer periodically frees leases of workers that crashed or stalled.
// Several instances may run at once; each expired row is released once.
type Reclaimer struct {
	config  ReclaimerConfig
	manager *Manager
	logger  *slog.Logger

	stopCh chan struct{}
	once   sync.Once
}

func NewReclaimer(manager *Manager, config ReclaimerConfig, logger *slog.Logger) *Reclaimer {
	if config.Interval <= 0 {
		config.Interval = DefaultReclaimerConfig().Interval
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = DefaultReclaimerConfig().LeaseTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Reclaimer{
		config:  config,
		manager: manager,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the sweep immediately and then on every interval.
// This method blocks until Stop is called or context is cancelled.
func (r *Reclaimer) Start(ctx context.Context) {
	r.logger.Info("lease reclaimer started",
		"interval", r.config.Interval,
		"lease_timeout", r.config.LeaseTimeout,
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("lease reclaimer stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.logger.Info("lease reclaimer stopping due to stop signal")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Stop signals the reclaimer to stop. It is safe to call more than once.
func (r *Reclaimer) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}

// Sweep reclaims expired leases once and refreshes the status gauges.
func (r *Reclaimer) Sweep(ctx context.Context) int {
	n, err := r.manager.ReclaimExpiredLeases(ctx, r.config.LeaseTimeout)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("failed to reclaim leases", "error", err)
		}
		return n
	}

	if _, err := r.manager.Stats(ctx, r.config.LeaseTimeout); err != nil && ctx.Err() == nil {
		r.logger.Error("failed to refresh queue stats", "error", err)
	}
	return n
}
