package dedupe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

// Triplet uniquely identifies one event occurrence.
type Triplet struct {
	Tenant  tenant.ID
	EventID string
	Version int64
}

func (t Triplet) key() string {
	return t.Tenant.String() + "|" + t.EventID + "|" + strconv.FormatInt(t.Version, 10)
}

// Row is the stored state for one triplet.
type Row struct {
	Triplet     Triplet
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	ExpiresAt   time.Time
	SeenCount   int
}

// Store is the SPI for the primary dedupe table. The durable contract is
// INSERT ... ON CONFLICT (tenant_id, event_id, version) DO NOTHING.
type Store interface {
	// Insert claims the triplet; inserted is false when it already exists.
	Insert(ctx context.Context, t Triplet, ttl time.Duration) (inserted bool, err error)
	// Bump increments seen_count and refreshes last_seen_at.
	Bump(ctx context.Context, t Triplet) error
	// Sweep deletes up to limit expired rows.
	Sweep(ctx context.Context, limit int) (int, error)
}

// MemoryStore is the in-process reference implementation.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]*Row
	clock func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]*Row),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, t Triplet, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if row, ok := s.rows[t.key()]; ok && row.ExpiresAt.After(now) {
		return false, nil
	}
	s.rows[t.key()] = &Row{
		Triplet:     t,
		FirstSeenAt: now,
		LastSeenAt:  now,
		ExpiresAt:   now.Add(ttl),
		SeenCount:   1,
	}
	return true, nil
}

// Bump implements Store.
func (s *MemoryStore) Bump(_ context.Context, t Triplet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[t.key()]; ok {
		row.SeenCount++
		row.LastSeenAt = s.clock()
	}
	return nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	deleted := 0
	for k, row := range s.rows {
		if deleted >= limit {
			break
		}
		if !row.ExpiresAt.After(now) {
			delete(s.rows, k)
			deleted++
		}
	}
	return deleted, nil
}

// Row returns a copy of the stored row, for tests and diagnostics.
func (s *MemoryStore) Row(t Triplet) (Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[t.key()]
	if !ok {
		return Row{}, false
	}
	return *row, true
}
