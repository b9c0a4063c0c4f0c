package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/felipemaragno/courier/internal/clock"
	"github.com/felipemaragno/courier/internal/dispatch"
	"github.com/felipemaragno/courier/internal/domain"
	"github.com/felipemaragno/courier/internal/lease"
	"github.com/felipemaragno/courier/internal/outbox"
	"github.com/felipemaragno/courier/internal/repository/memory"
	"github.com/felipemaragno/courier/internal/retry"
	"github.com/felipemaragno/courier/internal/sink"
)

type mockClaimer struct {
	mu      sync.Mutex
	batches [][]*domain.ClaimedEntry
	workers map[string]int
	calls   int
	err     error
}

func (m *mockClaimer) Claim(ctx context.Context, workerID string, batchSize int, channels ...string) ([]*domain.ClaimedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.workers == nil {
		m.workers = make(map[string]int)
	}
	m.workers[workerID]++
	if m.err != nil {
		return nil, m.err
	}
	if len(m.batches) == 0 {
		return nil, nil
	}
	batch := m.batches[0]
	m.batches = m.batches[1:]
	return batch, nil
}

func (m *mockClaimer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	released   []string
	block      chan struct{}
	started    chan struct{}
}

func (m *mockDispatcher) Dispatch(ctx context.Context, c *domain.ClaimedEntry) dispatch.Outcome {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched = append(m.dispatched, c.Entry.ID)
	return dispatch.Outcome{Kind: dispatch.KindDelivered, Status: domain.EntryStatusDelivered}
}

func (m *mockDispatcher) Release(ctx context.Context, e *domain.DispatchEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, e.ID)
	return nil
}

func (m *mockDispatcher) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dispatched), len(m.released)
}

func batch(prefix string, n int) []*domain.ClaimedEntry {
	out := make([]*domain.ClaimedEntry, n)
	for i := range out {
		out[i] = &domain.ClaimedEntry{Entry: &domain.DispatchEntry{ID: fmt.Sprintf("%s_%d", prefix, i)}}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_WorkerIdentities(t *testing.T) {
	claimer := &mockClaimer{}
	pool := NewPool(Config{
		InstanceID:   "node-a",
		Workers:      3,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    5,
	}, claimer, &mockDispatcher{}, nil)

	pool.Start(context.Background())
	waitFor(t, func() bool { return claimer.callCount() >= 3 })
	pool.Stop()

	claimer.mu.Lock()
	defer claimer.mu.Unlock()
	for _, id := range []string{"node-a-0", "node-a-1", "node-a-2"} {
		if claimer.workers[id] == 0 {
			t.Errorf("worker %s never claimed", id)
		}
	}
	if len(claimer.workers) != 3 {
		t.Errorf("expected 3 worker identities, got %v", claimer.workers)
	}
}

func TestPool_FullBatchClaimsAgainImmediately(t *testing.T) {
	claimer := &mockClaimer{batches: [][]*domain.ClaimedEntry{
		batch("a", 2),
		batch("b", 2),
		batch("c", 1),
	}}
	d := &mockDispatcher{}
	pool := NewPool(Config{
		Workers:      1,
		PollInterval: time.Hour,
		BatchSize:    2,
	}, claimer, d, nil)

	pool.Start(context.Background())
	waitFor(t, func() bool {
		n, _ := d.counts()
		return n == 5
	})
	pool.Stop()

	// two full batches then a short one; the worker then waits for the tick
	if calls := claimer.callCount(); calls != 3 {
		t.Errorf("expected 3 claims, got %d", calls)
	}
}

func TestPool_ClaimErrorWaitsForTick(t *testing.T) {
	claimer := &mockClaimer{err: errors.New("connection reset")}
	pool := NewPool(Config{
		Workers:      1,
		PollInterval: 50 * time.Millisecond,
		BatchSize:    10,
	}, claimer, &mockDispatcher{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Millisecond)
	defer cancel()

	pool.Start(ctx)
	<-ctx.Done()
	pool.Stop()

	// immediately + ~3 ticks
	if calls := claimer.callCount(); calls < 3 || calls > 5 {
		t.Errorf("expected 3-5 claims in 180ms with 50ms interval, got %d", calls)
	}
}

func TestPool_StopReleasesUndispatchedEntries(t *testing.T) {
	claimer := &mockClaimer{batches: [][]*domain.ClaimedEntry{batch("a", 3)}}
	d := &mockDispatcher{block: make(chan struct{}), started: make(chan struct{}, 3)}
	pool := NewPool(Config{
		Workers:      1,
		PollInterval: time.Hour,
		BatchSize:    3,
	}, claimer, d, nil)

	pool.Start(context.Background())
	<-d.started

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a delivery was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(d.block)
	<-stopped

	dispatched, released := d.counts()
	if dispatched != 1 || released != 2 {
		t.Errorf("expected 1 dispatched and 2 released, got %d and %d", dispatched, released)
	}
}

func TestPool_DeliversEveryEntryOnce(t *testing.T) {
	store := memory.NewStore()
	clk := clock.RealClock{}

	svc := outbox.NewService(outbox.ServiceConfig{
		Recorder: outbox.NewRecorder(clk),
		Enqueuer: outbox.NewEnqueuer(clk, 5),
		Router:   outbox.NewRouter(store, nil),
		Tx:       store,
	})
	for i := 0; i < 40; i++ {
		_, err := svc.PublishTx(context.Background(), outbox.RecordInput{
			EntityType: "order",
			EntityID:   fmt.Sprintf("ord_%d", i),
			EventType:  "order.captured",
			Payload:    json.RawMessage(`{}`),
		}, []string{"analytics-export", "notification-fanout"})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var (
		mu        sync.Mutex
		delivered = make(map[string]int)
	)
	registry := sink.NewRegistry()
	count := sink.Func(func(ctx context.Context, msg sink.Message) error {
		mu.Lock()
		defer mu.Unlock()
		delivered[msg.EntryID]++
		return nil
	})
	registry.Register("analytics-export", count)
	registry.Register("notification-fanout", count)

	d := dispatch.New(dispatch.DefaultConfig(), registry, store, retry.DefaultPolicy(), clk, nil)
	pool := NewPool(Config{
		InstanceID:   "test",
		Workers:      4,
		PollInterval: 5 * time.Millisecond,
		BatchSize:    7,
	}, lease.NewManager(store, clk, nil), d, nil)

	pool.Start(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 80
	})
	pool.Stop()

	for id, n := range delivered {
		if n != 1 {
			t.Errorf("entry %s delivered %d times", id, n)
		}
	}
	for _, e := range store.Snapshot() {
		if e.Status != domain.EntryStatusDelivered {
			t.Errorf("entry %s left in %s", e.ID, e.Status)
		}
		if err := e.CheckInvariants(); err != nil {
			t.Error(err)
		}
	}
}

func TestPool_SlowBatchNeverDeliversAnEntryTwiceAtOnce(t *testing.T) {
	store := memory.NewStore()
	clk := clock.RealClock{}

	svc := outbox.NewService(outbox.ServiceConfig{
		Recorder: outbox.NewRecorder(clk),
		Enqueuer: outbox.NewEnqueuer(clk, 5),
		Router:   outbox.NewRouter(store, nil),
		Tx:       store,
	})
	for i := 0; i < 6; i++ {
		_, err := svc.PublishTx(context.Background(), outbox.RecordInput{
			EntityType: "order",
			EntityID:   fmt.Sprintf("ord_%d", i),
			EventType:  "order.captured",
			Payload:    json.RawMessage(`{}`),
		}, []string{"slow"})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var (
		mu       sync.Mutex
		inflight = make(map[string]int)
		overlaps []string
	)
	registry := sink.NewRegistry()
	registry.Register("slow", sink.Func(func(ctx context.Context, msg sink.Message) error {
		mu.Lock()
		if inflight[msg.EntryID] > 0 {
			overlaps = append(overlaps, msg.EntryID)
		}
		inflight[msg.EntryID]++
		mu.Unlock()

		<-ctx.Done()

		mu.Lock()
		inflight[msg.EntryID]--
		mu.Unlock()
		return ctx.Err()
	}))

	const leaseTimeout = 150 * time.Millisecond
	policy := retry.DefaultPolicy()
	policy.Jitter = 0
	policy.InitialInterval = time.Hour
	d := dispatch.New(dispatch.Config{
		DeliveryTimeout: 100 * time.Millisecond,
		LeaseTimeout:    leaseTimeout,
	}, registry, store, policy, clk, nil)

	manager := lease.NewManager(store, clk, nil)
	reclaimer := lease.NewReclaimer(manager, lease.ReclaimerConfig{
		Interval:     10 * time.Millisecond,
		LeaseTimeout: leaseTimeout,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reclaimer.Start(ctx)
	defer reclaimer.Stop()

	pool := NewPool(Config{
		InstanceID:   "test",
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		BatchSize:    3,
	}, manager, d, nil)
	pool.Start(ctx)

	// every entry times out once and then sits out the hour of backoff
	waitFor(t, func() bool {
		for _, e := range store.Snapshot() {
			if e.Status != domain.EntryStatusFailedRetryable {
				return false
			}
		}
		return true
	})
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(overlaps) > 0 {
		t.Errorf("entries delivered concurrently by two workers: %v", overlaps)
	}
	for _, e := range store.Snapshot() {
		if e.Attempts != 1 {
			t.Errorf("entry %s has %d attempts, want 1", e.ID, e.Attempts)
		}
	}
}
