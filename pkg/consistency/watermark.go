// Package consistency implements per-tenant monotonic watermarks, signed
// consistency tokens, and the read-your-writes gate that lets a client's
// reads observe its own writes across replicas.
package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

// WatermarkStore tracks the most recent observed write per tenant as epoch
// milliseconds. Implementations must never let the value decrease.
type WatermarkStore interface {
	// Current returns the watermark, or 0 when the tenant is unknown.
	Current(ctx context.Context, id tenant.ID) (int64, error)
	// AdvanceAtLeast raises the watermark to at least ms and returns the
	// resulting value.
	AdvanceAtLeast(ctx context.Context, id tenant.ID, ms int64) (int64, error)
	// AdvanceToNow raises the watermark to the injected clock's now.
	AdvanceToNow(ctx context.Context, id tenant.ID) (int64, error)
}

// MemoryWatermarkStore is the in-process reference implementation.
type MemoryWatermarkStore struct {
	mu    sync.RWMutex
	marks map[string]int64
	clock func() time.Time
}

// NewMemoryWatermarkStore creates an empty store.
func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{
		marks: make(map[string]int64),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryWatermarkStore) WithClock(clock func() time.Time) *MemoryWatermarkStore {
	s.clock = clock
	return s
}

// Current implements WatermarkStore.
func (s *MemoryWatermarkStore) Current(_ context.Context, id tenant.ID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marks[id.String()], nil
}

// AdvanceAtLeast implements WatermarkStore with compare-and-set semantics.
func (s *MemoryWatermarkStore) AdvanceAtLeast(_ context.Context, id tenant.ID, ms int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.marks[id.String()]; cur >= ms {
		return cur, nil
	}
	s.marks[id.String()] = ms
	return ms, nil
}

// AdvanceToNow implements WatermarkStore.
func (s *MemoryWatermarkStore) AdvanceToNow(ctx context.Context, id tenant.ID) (int64, error) {
	return s.AdvanceAtLeast(ctx, id, s.clock().UnixMilli())
}
