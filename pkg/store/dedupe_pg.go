package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/veggieshop/platform/pkg/dedupe"
)

// PgDedupeStore persists dedupe triplets in Postgres. The durable contract is
// INSERT ... ON CONFLICT (tenant_id, event_id, version) DO NOTHING.
type PgDedupeStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPgDedupeStore wraps db.
func NewPgDedupeStore(db *sql.DB) *PgDedupeStore {
	return &PgDedupeStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PgDedupeStore) WithClock(clock func() time.Time) *PgDedupeStore {
	s.clock = clock
	return s
}

// Insert claims the triplet; inserted is false when a live row already
// exists. An expired row is reclaimed as a fresh first sighting.
func (s *PgDedupeStore) Insert(ctx context.Context, t dedupe.Triplet, ttl time.Duration) (bool, error) {
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_dedupe
		 (tenant_id, event_id, version, first_seen_at, last_seen_at, expires_at)
		 VALUES ($1, $2, $3, $4, $4, $5)
		 ON CONFLICT (tenant_id, event_id, version) DO NOTHING`,
		t.Tenant.String(), t.EventID, t.Version, now, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("store: insert dedupe row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE event_dedupe
		 SET first_seen_at = $4, last_seen_at = $4, expires_at = $5, seen_count = 1
		 WHERE tenant_id = $1 AND event_id = $2 AND version = $3 AND expires_at <= $4`,
		t.Tenant.String(), t.EventID, t.Version, now, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("store: reclaim dedupe row: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Bump increments seen_count and refreshes last_seen_at.
func (s *PgDedupeStore) Bump(ctx context.Context, t dedupe.Triplet) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE event_dedupe
		 SET seen_count = seen_count + 1, last_seen_at = $4
		 WHERE tenant_id = $1 AND event_id = $2 AND version = $3`,
		t.Tenant.String(), t.EventID, t.Version, s.clock(),
	)
	if err != nil {
		return fmt.Errorf("store: bump dedupe row: %w", err)
	}
	return nil
}

// Sweep deletes up to limit expired rows.
func (s *PgDedupeStore) Sweep(ctx context.Context, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_dedupe WHERE ctid IN (
		   SELECT ctid FROM event_dedupe WHERE expires_at <= $1 LIMIT $2
		 )`,
		s.clock(), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("store: sweep dedupe rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
