package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func tripConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      50 * time.Millisecond,
		FailureRatio: 0.5,
		MinRequests:  2,
	}
}

func TestCircuitBreakerManager_AcquireSuccess(t *testing.T) {
	manager := NewCircuitBreakerManager(DefaultCircuitBreakerConfig())
	ctx := context.Background()

	report, err := manager.Acquire(ctx, "sub_success")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report(true)

	state, _ := manager.State(ctx, "sub_success")
	if state != CircuitStateClosed {
		t.Errorf("expected closed state, got %v", state)
	}
}

func TestCircuitBreakerManager_FailuresOpenCircuit(t *testing.T) {
	manager := NewCircuitBreakerManager(tripConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		report, err := manager.Acquire(ctx, "sub_failure")
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
		report(false)
	}

	state, _ := manager.State(ctx, "sub_failure")
	if state != CircuitStateOpen {
		t.Errorf("expected open state, got %v", state)
	}

	if _, err := manager.Acquire(ctx, "sub_failure"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerManager_HalfOpenRecovers(t *testing.T) {
	manager := NewCircuitBreakerManager(tripConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		report, _ := manager.Acquire(ctx, "sub_recover")
		report(false)
	}

	time.Sleep(80 * time.Millisecond)

	state, _ := manager.State(ctx, "sub_recover")
	if state != CircuitStateHalfOpen {
		t.Fatalf("expected half-open after timeout, got %v", state)
	}

	report, err := manager.Acquire(ctx, "sub_recover")
	if err != nil {
		t.Fatalf("half-open should admit a probe: %v", err)
	}
	if _, err := manager.Acquire(ctx, "sub_recover"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected second probe to be rejected, got %v", err)
	}
	report(true)

	state, _ = manager.State(ctx, "sub_recover")
	if state != CircuitStateClosed {
		t.Errorf("expected closed after successful probe, got %v", state)
	}
}

func TestCircuitBreakerManager_KeysAreIsolated(t *testing.T) {
	manager := NewCircuitBreakerManager(tripConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		report, _ := manager.Acquire(ctx, "sub_bad")
		report(false)
	}

	if _, err := manager.Acquire(ctx, "sub_good"); err != nil {
		t.Errorf("healthy key must not be affected: %v", err)
	}
}

func TestCircuitBreakerManager_OnStateChange(t *testing.T) {
	manager := NewCircuitBreakerManager(tripConfig())
	ctx := context.Background()

	var (
		mu          sync.Mutex
		transitions []CircuitState
	)
	manager.OnStateChange(func(key string, from, to CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, to)
	})

	for i := 0; i < 2; i++ {
		report, _ := manager.Acquire(ctx, "sub_cb")
		report(false)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != CircuitStateOpen {
		t.Errorf("expected one transition to open, got %v", transitions)
	}
}

func TestCircuitBreakerManager_Remove(t *testing.T) {
	manager := NewCircuitBreakerManager(tripConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		report, _ := manager.Acquire(ctx, "sub_rm")
		report(false)
	}
	manager.Remove("sub_rm")

	state, _ := manager.State(ctx, "sub_rm")
	if state != CircuitStateClosed {
		t.Errorf("expected fresh breaker after Remove, got %v", state)
	}
}

func TestCircuitState_Float(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  float64
	}{
		{CircuitStateClosed, 0},
		{CircuitStateHalfOpen, 1},
		{CircuitStateOpen, 2},
		{CircuitState("unknown"), 0},
	}

	for _, tt := range tests {
		if got := tt.state.Float(); got != tt.want {
			t.Errorf("%s.Float() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
