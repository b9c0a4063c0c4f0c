// Package retry computes when a failed dispatch entry becomes claimable again.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy is exponential backoff with symmetric jitter.
//
// The delay after the n-th failed attempt is
//
//	min(MaxInterval, InitialInterval * Multiplier^(n-1) * (1 ± Jitter))
//
// The delays strictly increase until they reach MaxInterval as long as the
// largest jittered delay for attempt n stays below the smallest one for n+1,
// i.e. Jitter < (Multiplier-1)/(Multiplier+1). Validate enforces that.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxAttempts     int

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     1 * time.Hour,
		Multiplier:      2.0,
		Jitter:          0.1,
		MaxAttempts:     5,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.InitialInterval <= 0:
		return errors.New("retry: initial interval must be positive")
	case p.MaxInterval < p.InitialInterval:
		return errors.New("retry: max interval must not be below initial interval")
	case p.Multiplier <= 1:
		return errors.New("retry: multiplier must be greater than 1")
	case p.Jitter < 0 || p.Jitter >= p.MaxJitter():
		return fmt.Errorf("retry: jitter must be in [0, %.3f) for multiplier %g", p.MaxJitter(), p.Multiplier)
	case p.MaxAttempts <= 0:
		return errors.New("retry: max attempts must be positive")
	}
	return nil
}

// MaxJitter is the exclusive upper bound on Jitter that keeps consecutive
// delays increasing for this Multiplier.
func (p Policy) MaxJitter() float64 {
	if p.Multiplier <= 1 {
		return 0
	}
	return (p.Multiplier - 1) / (p.Multiplier + 1)
}

// CalculateDelay returns the backoff after the given number of failed attempts.
// attempt is 1 for the first failure.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		jitterOffset := (p.random()*2 - 1) * jitterRange
		delay += jitterOffset
	}

	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	return time.Duration(delay)
}

// NextAvailableAt returns when an entry that has failed attempts times may be
// claimed again.
func (p Policy) NextAvailableAt(now time.Time, attempts int) time.Time {
	return now.Add(p.CalculateDelay(attempts))
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
