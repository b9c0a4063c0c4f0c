package retry

import (
	"testing"
	"time"
)

func TestPolicy_CalculateDelay(t *testing.T) {
	policy := Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     1 * time.Hour,
		Multiplier:      2.0,
		Jitter:          0.0, // disable jitter for deterministic tests
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{10, 512 * time.Second},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			got := policy.CalculateDelay(tt.attempt)
			if got != tt.expected {
				t.Errorf("CalculateDelay(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestPolicy_CalculateDelay_CapsAtMaxInterval(t *testing.T) {
	policy := Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.1,
		Rand:            func() float64 { return 0.999 },
	}

	// attempt 6 would be 32s plus jitter, but must cap at 30s
	got := policy.CalculateDelay(6)
	if got != 30*time.Second {
		t.Errorf("CalculateDelay(6) = %v, want %v (capped)", got, 30*time.Second)
	}

	// large attempts must not overflow past the cap
	if got := policy.CalculateDelay(200); got != 30*time.Second {
		t.Errorf("CalculateDelay(200) = %v, want %v", got, 30*time.Second)
	}
}

func TestPolicy_CalculateDelay_WithJitter(t *testing.T) {
	policy := Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     1 * time.Hour,
		Multiplier:      2.0,
		Jitter:          0.1, // 10% jitter
	}

	baseDelay := 1 * time.Second
	minExpected := time.Duration(float64(baseDelay) * 0.9)
	maxExpected := time.Duration(float64(baseDelay) * 1.1)

	// Run multiple times to verify jitter stays in range
	for i := 0; i < 100; i++ {
		got := policy.CalculateDelay(1)
		if got < minExpected || got > maxExpected {
			t.Errorf("CalculateDelay(1) = %v, want between %v and %v", got, minExpected, maxExpected)
		}
	}
}

func TestPolicy_NextAvailableAt_MonotonicUntilCap(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)

	// worst case: previous attempt jittered up, next one jittered down
	high := policy
	high.Rand = func() float64 { return 0.999999 }
	low := policy
	low.Rand = func() float64 { return 0 }

	for attempts := 1; attempts < 20; attempts++ {
		prev := high.NextAvailableAt(now, attempts)
		next := low.NextAvailableAt(now, attempts+1)

		if prev.Sub(now) >= policy.MaxInterval {
			break
		}
		if !next.After(prev) {
			t.Fatalf("NextAvailableAt(%d) = %v not after NextAvailableAt(%d) = %v",
				attempts+1, next, attempts, prev)
		}
	}
}

func TestPolicy_NextAvailableAt(t *testing.T) {
	policy := Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     1 * time.Hour,
		Multiplier:      2.0,
		Jitter:          0.0,
	}

	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	got := policy.NextAvailableAt(now, 3)
	expected := now.Add(4 * time.Second)

	if !got.Equal(expected) {
		t.Errorf("NextAvailableAt() = %v, want %v", got, expected)
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Policy)
		wantErr bool
	}{
		{"default", func(p *Policy) {}, false},
		{"zero initial", func(p *Policy) { p.InitialInterval = 0 }, true},
		{"max below initial", func(p *Policy) { p.MaxInterval = time.Millisecond }, true},
		{"shrinking multiplier", func(p *Policy) { p.Multiplier = 0.5 }, true},
		{"flat multiplier", func(p *Policy) { p.Multiplier = 1 }, true},
		{"jitter too large", func(p *Policy) { p.Jitter = 1 }, true},
		{"jitter overlaps next attempt", func(p *Policy) { p.Jitter = 0.34 }, true},
		{"jitter just below bound", func(p *Policy) { p.Jitter = 0.33 }, false},
		{"jitter allowed by larger multiplier", func(p *Policy) { p.Multiplier = 3; p.Jitter = 0.45 }, false},
		{"negative jitter", func(p *Policy) { p.Jitter = -0.1 }, true},
		{"no attempts", func(p *Policy) { p.MaxAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// Any policy Validate accepts must keep the worst-case jitter of attempt n
// below the best case of attempt n+1.
func TestPolicy_ValidPoliciesAreMonotonic(t *testing.T) {
	for _, p := range []Policy{
		{InitialInterval: time.Second, MaxInterval: time.Hour, Multiplier: 2, Jitter: 0.33, MaxAttempts: 10},
		{InitialInterval: time.Second, MaxInterval: time.Hour, Multiplier: 1.5, Jitter: 0.19, MaxAttempts: 10},
		{InitialInterval: time.Second, MaxInterval: time.Hour, Multiplier: 4, Jitter: 0.59, MaxAttempts: 10},
	} {
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate(%+v) = %v", p, err)
		}
		high, low := p, p
		high.Rand = func() float64 { return 0.999999 }
		low.Rand = func() float64 { return 0 }

		for n := 1; n < 8; n++ {
			worst := high.CalculateDelay(n)
			best := low.CalculateDelay(n + 1)
			if best >= p.MaxInterval {
				break
			}
			if best <= worst {
				t.Errorf("multiplier %g jitter %g: attempt %d can wait %v, attempt %d only %v",
					p.Multiplier, p.Jitter, n, worst, n+1, best)
			}
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.InitialInterval != 1*time.Second {
		t.Errorf("InitialInterval = %v, want 1s", policy.InitialInterval)
	}
	if policy.MaxInterval != 1*time.Hour {
		t.Errorf("MaxInterval = %v, want 1h", policy.MaxInterval)
	}
	if policy.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", policy.Multiplier)
	}
	if policy.Jitter != 0.1 {
		t.Errorf("Jitter = %v, want 0.1", policy.Jitter)
	}
	if policy.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %v, want 5", policy.MaxAttempts)
	}
}
