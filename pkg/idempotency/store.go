// Package idempotency implements write-once request acceptance: the first
// writer for a (tenant, key) pair executes the handler, every identical
// retry replays the stored response, and a different request under the same
// key is rejected.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/tenant"
)

// Record is the stored snapshot for one (tenant, key) pair.
type Record struct {
	TenantID     string
	Key          uuid.UUID
	RequestHash  string
	HTTPMethod   string
	HTTPPath     string
	ResponseBody []byte
	Status       int
	Completed    bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
	RowVersion   int64
}

// validate enforces the row invariants shared by all store implementations.
func (r *Record) validate() error {
	if r.TenantID == "" || len(r.TenantID) > 64 {
		return fmt.Errorf("idempotency: tenant id length must be 1..64")
	}
	if !r.ExpiresAt.After(r.CreatedAt) {
		return fmt.Errorf("idempotency: expiresAt must be after createdAt")
	}
	if r.Completed && (r.Status < 100 || r.Status > 599) {
		return fmt.Errorf("idempotency: status %d out of range", r.Status)
	}
	return nil
}

// BeginResult reports the outcome of the first-writer-wins insert.
type BeginResult struct {
	// Inserted is true when this caller won the slot and must execute the
	// real handler.
	Inserted bool
	// Existing is the row already present when Inserted is false.
	Existing *Record
}

// Store is the SPI for idempotency persistence. The durable contract is an
// INSERT ... ON CONFLICT (tenant_id, key) DO NOTHING followed by a read of
// the surviving row.
type Store interface {
	// Begin claims the (tenant, key) slot or returns the existing record.
	Begin(ctx context.Context, id tenant.ID, key uuid.UUID, requestHash, method, path string, ttl time.Duration) (BeginResult, error)
	// Complete stores the response snapshot for a previously claimed slot.
	Complete(ctx context.Context, id tenant.ID, key uuid.UUID, status int, body []byte) error
	// Sweep deletes up to limit expired rows and reports how many went.
	Sweep(ctx context.Context, limit int) (int, error)
}

// MemoryStore is the in-process reference implementation.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	clock   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func slotKey(id tenant.ID, key uuid.UUID) string {
	return id.String() + "|" + key.String()
}

// Begin implements Store.
func (s *MemoryStore) Begin(_ context.Context, id tenant.ID, key uuid.UUID, requestHash, method, path string, ttl time.Duration) (BeginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	slot := slotKey(id, key)
	if existing, ok := s.records[slot]; ok && existing.ExpiresAt.After(now) {
		c := *existing
		return BeginResult{Existing: &c}, nil
	}

	rec := &Record{
		TenantID:    id.String(),
		Key:         key,
		RequestHash: requestHash,
		HTTPMethod:  method,
		HTTPPath:    path,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		RowVersion:  1,
	}
	if err := rec.validate(); err != nil {
		return BeginResult{}, err
	}
	s.records[slot] = rec
	return BeginResult{Inserted: true}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, id tenant.ID, key uuid.UUID, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[slotKey(id, key)]
	if !ok {
		return fmt.Errorf("idempotency: no claimed slot for %s/%s", id.Obfuscated(), key)
	}
	rec.Status = status
	rec.ResponseBody = append([]byte(nil), body...)
	rec.Completed = true
	rec.RowVersion++
	return rec.validate()
}

// Sweep implements Store with a capped batch.
func (s *MemoryStore) Sweep(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	deleted := 0
	for k, rec := range s.records {
		if deleted >= limit {
			break
		}
		if !rec.ExpiresAt.After(now) {
			delete(s.records, k)
			deleted++
		}
	}
	return deleted, nil
}
