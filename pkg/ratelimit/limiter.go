// Package ratelimit implements request-scoped token-bucket limiting with
// composite keys, per-route policies, and the standard RateLimit response
// headers. Refill is discrete: whole refill periods add whole token
// increments, which keeps Reset arithmetic exact.
package ratelimit

import (
	"fmt"
	"math"
	"path"
	"sync"
	"time"
)

// Policy is one bucket configuration.
type Policy struct {
	Capacity     int
	RefillTokens int
	RefillPeriod time.Duration
}

// WindowSeconds is the advertised window: the time to refill a full bucket.
func (p Policy) WindowSeconds() int {
	if p.RefillTokens <= 0 {
		return int(p.RefillPeriod / time.Second)
	}
	periods := float64(p.Capacity) / float64(p.RefillTokens)
	return int(math.Ceil(periods * p.RefillPeriod.Seconds()))
}

func (p Policy) valid() bool {
	return p.Capacity > 0 && p.RefillTokens > 0 && p.RefillPeriod > 0
}

// RoutePolicy binds a policy to a path glob. Patterns are matched in
// registration order; the first match wins.
type RoutePolicy struct {
	Pattern string
	Policy  Policy
}

// Decision is the outcome of one bucket update.
type Decision struct {
	Allowed       bool
	Limit         int
	Remaining     int
	ResetSeconds  int
	RetryAfter    int
	WindowSeconds int
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// Config tunes the limiter.
type Config struct {
	DefaultPolicy Policy
	Routes        []RoutePolicy
	// MaxBuckets bounds the in-memory map; exceeding it prunes idle
	// entries.
	MaxBuckets int
	// IdleEvictAfter is the idle age that makes a bucket prunable.
	IdleEvictAfter time.Duration
}

// DefaultConfig returns a conservative general-purpose limit.
func DefaultConfig() Config {
	return Config{
		DefaultPolicy:  Policy{Capacity: 100, RefillTokens: 100, RefillPeriod: time.Minute},
		MaxBuckets:     100_000,
		IdleEvictAfter: 10 * time.Minute,
	}
}

// Limiter is a bounded map of token buckets keyed by composite request key.
type Limiter struct {
	cfg   Config
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a limiter.
func NewLimiter(cfg Config) (*Limiter, error) {
	if !cfg.DefaultPolicy.valid() {
		return nil, fmt.Errorf("ratelimit: invalid default policy %+v", cfg.DefaultPolicy)
	}
	for _, r := range cfg.Routes {
		if !r.Policy.valid() {
			return nil, fmt.Errorf("ratelimit: invalid policy for route %q", r.Pattern)
		}
		if _, err := path.Match(r.Pattern, "/"); err != nil {
			return nil, fmt.Errorf("ratelimit: bad pattern %q: %w", r.Pattern, err)
		}
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = 100_000
	}
	if cfg.IdleEvictAfter <= 0 {
		cfg.IdleEvictAfter = 10 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		clock:   time.Now,
		buckets: make(map[string]*bucket),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// PolicyFor resolves the route policy for a request path.
func (l *Limiter) PolicyFor(requestPath string) Policy {
	for _, r := range l.cfg.Routes {
		if ok, _ := path.Match(r.Pattern, requestPath); ok {
			return r.Policy
		}
	}
	return l.cfg.DefaultPolicy
}

// Allow updates the bucket for key under the route policy for requestPath.
func (l *Limiter) Allow(key, requestPath string) Decision {
	return l.allow(key, l.PolicyFor(requestPath))
}

func (l *Limiter) allow(key string, p Policy) Decision {
	now := l.clock()
	b := l.bucketFor(key, p, now)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now

	elapsed := now.Sub(b.lastRefill)
	if steps := elapsed / p.RefillPeriod; steps > 0 {
		b.tokens = math.Min(float64(p.Capacity), b.tokens+float64(steps)*float64(p.RefillTokens))
		b.lastRefill = b.lastRefill.Add(steps * p.RefillPeriod)
	}

	d := Decision{Limit: p.Capacity, WindowSeconds: p.WindowSeconds()}
	if b.tokens > 0 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		missing := float64(p.Capacity) - b.tokens
		d.ResetSeconds = int(missing * p.RefillPeriod.Seconds() / float64(p.RefillTokens))
		return d
	}
	d.Remaining = 0
	wait := p.RefillPeriod - now.Sub(b.lastRefill)
	d.ResetSeconds = int(math.Ceil(wait.Seconds()))
	d.RetryAfter = d.ResetSeconds
	if d.RetryAfter < 1 {
		d.RetryAfter = 1
	}
	return d
}

func (l *Limiter) bucketFor(key string, p Policy, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.cfg.MaxBuckets {
		l.pruneLocked(now)
	}
	b := &bucket{tokens: float64(p.Capacity), lastRefill: now, lastSeen: now}
	l.buckets[key] = b
	return b
}

// pruneLocked drops up to 10% of the map, oldest-idle entries first among
// those idle past the eviction age.
func (l *Limiter) pruneLocked(now time.Time) {
	quota := l.cfg.MaxBuckets / 10
	if quota < 1 {
		quota = 1
	}
	cutoff := now.Add(-l.cfg.IdleEvictAfter)
	for key, b := range l.buckets {
		if quota == 0 {
			return
		}
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			quota--
		}
	}
}

// Size reports the current bucket count, for tests and metrics.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
