package resilience

import (
	"context"
	"sync"
	"testing"
)

func TestRateLimiterManager_AllowWithinBurst(t *testing.T) {
	manager := NewRateLimiterManager(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := manager.Allow(ctx, "sub_1", 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Errorf("request %d should be allowed within burst", i)
		}
	}

	allowed, _ := manager.Allow(ctx, "sub_1", 0)
	if allowed {
		t.Error("request beyond burst should be rejected")
	}
}

func TestRateLimiterManager_KeysAreIsolated(t *testing.T) {
	manager := NewRateLimiterManager(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})
	ctx := context.Background()

	if allowed, _ := manager.Allow(ctx, "sub_1", 0); !allowed {
		t.Fatal("first request for sub_1 should be allowed")
	}
	if allowed, _ := manager.Allow(ctx, "sub_1", 0); allowed {
		t.Error("second request for sub_1 should be rejected")
	}
	if allowed, _ := manager.Allow(ctx, "sub_2", 0); !allowed {
		t.Error("sub_2 must have its own bucket")
	}
}

func TestRateLimiterManager_LimitChangeRebuildsBucket(t *testing.T) {
	manager := NewRateLimiterManager(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})
	ctx := context.Background()

	// limit 5 gives a burst of 1
	if allowed, _ := manager.Allow(ctx, "sub_1", 5); !allowed {
		t.Fatal("first request should be allowed")
	}
	if allowed, _ := manager.Allow(ctx, "sub_1", 5); allowed {
		t.Error("burst of 1 should be exhausted")
	}

	// limit 100 gives a burst of 11
	for i := 0; i < 11; i++ {
		if allowed, _ := manager.Allow(ctx, "sub_1", 100); !allowed {
			t.Fatalf("request %d should be allowed after the limit was raised", i)
		}
	}
}

func TestRateLimiterManager_Concurrent(t *testing.T) {
	manager := NewRateLimiterManager(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 50})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := manager.Allow(ctx, "shared", 0); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed < 50 || allowed > 51 {
		t.Errorf("expected about 50 allowed requests, got %d", allowed)
	}
}

func TestRateLimiterManager_Remove(t *testing.T) {
	manager := NewRateLimiterManager(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})
	ctx := context.Background()

	manager.Allow(ctx, "sub_1", 0)
	manager.Remove("sub_1")

	if allowed, _ := manager.Allow(ctx, "sub_1", 0); !allowed {
		t.Error("removed key should start with a full bucket")
	}
}
