// Package eventbus implements the reliable event pipeline: a retrying,
// trace-propagating producer, the transactional outbox with its drain state
// machine, and consumer-side error handling with DLQ routing.
package eventbus

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is the shared retry/backoff configuration for the producer,
// the outbox drainer, and the consumer error handler.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	// JitterRatio spreads retries by Δ ∈ [-r, +r]·base; clamped to [0, 0.9].
	JitterRatio float64
}

// DefaultRetryPolicy mirrors the conventional transient-failure schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
		JitterRatio:       0.2,
	}
}

// Backoff returns the jittered delay before retry attempt+1; attempt is
// 1-based. rng may be nil for the global source.
func (p RetryPolicy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if cap := float64(p.MaxBackoff); base > cap {
		base = cap
	}

	ratio := p.JitterRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 0.9 {
		ratio = 0.9
	}
	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		u = rand.Float64() //nolint:gosec // jitter, not security
	}
	delta := (2*u - 1) * ratio * base
	d := time.Duration(base + delta)
	if d < 0 {
		d = 0
	}
	return d
}

// OutboxBackoff is the drain reschedule delay: min(cap, base·2^attempts)
// with one-sided jitter, so availableAt never moves backwards.
func (p RetryPolicy) OutboxBackoff(attempts int, rng *rand.Rand) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	exp := float64(attempts)
	if exp > 30 {
		exp = 30
	}
	base := float64(p.InitialBackoff) * math.Pow(2, exp)
	if cap := float64(p.MaxBackoff); base > cap {
		base = cap
	}
	ratio := p.JitterRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 0.9 {
		ratio = 0.9
	}
	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		u = rand.Float64() //nolint:gosec // jitter, not security
	}
	return time.Duration(base * (1 + u*ratio))
}
