package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/idempotency"
	"github.com/veggieshop/platform/pkg/tenant"
)

// PgIdempotencyStore persists idempotency slots in Postgres. The first-writer
// race is settled by INSERT ... ON CONFLICT DO NOTHING on the primary key.
type PgIdempotencyStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPgIdempotencyStore wraps db.
func NewPgIdempotencyStore(db *sql.DB) *PgIdempotencyStore {
	return &PgIdempotencyStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PgIdempotencyStore) WithClock(clock func() time.Time) *PgIdempotencyStore {
	s.clock = clock
	return s
}

// Begin claims the (tenant, key) slot or returns the existing record. An
// expired row is reclaimed in place.
func (s *PgIdempotencyStore) Begin(ctx context.Context, id tenant.ID, key uuid.UUID, requestHash, method, path string, ttl time.Duration) (idempotency.BeginResult, error) {
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys
		 (tenant_id, key, request_hash, http_method, http_path, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, key) DO NOTHING`,
		id.String(), key, requestHash, method, path, now, now.Add(ttl),
	)
	if err != nil {
		return idempotency.BeginResult{}, fmt.Errorf("store: claim idempotency slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return idempotency.BeginResult{Inserted: true}, nil
	}

	// Lost the insert: either a live row we must replay, or an expired one
	// we may reclaim.
	res, err = s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET request_hash = $3, http_method = $4, http_path = $5,
		     response_body = NULL, status = 0, completed = FALSE,
		     created_at = $6, expires_at = $7, row_version = 1
		 WHERE tenant_id = $1 AND key = $2 AND expires_at <= $6`,
		id.String(), key, requestHash, method, path, now, now.Add(ttl),
	)
	if err != nil {
		return idempotency.BeginResult{}, fmt.Errorf("store: reclaim idempotency slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return idempotency.BeginResult{Inserted: true}, nil
	}

	rec, err := s.find(ctx, id, key)
	if err != nil {
		return idempotency.BeginResult{}, err
	}
	return idempotency.BeginResult{Existing: rec}, nil
}

func (s *PgIdempotencyStore) find(ctx context.Context, id tenant.ID, key uuid.UUID) (*idempotency.Record, error) {
	rec := &idempotency.Record{}
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, key, request_hash, http_method, http_path,
		        response_body, status, completed, created_at, expires_at, row_version
		 FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`,
		id.String(), key,
	).Scan(&rec.TenantID, &rec.Key, &rec.RequestHash, &rec.HTTPMethod, &rec.HTTPPath,
		&body, &rec.Status, &rec.Completed, &rec.CreatedAt, &rec.ExpiresAt, &rec.RowVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: idempotency slot vanished for %s/%s", id.Obfuscated(), key)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read idempotency slot: %w", err)
	}
	rec.ResponseBody = body
	return rec, nil
}

// Complete stores the response snapshot for a previously claimed slot.
func (s *PgIdempotencyStore) Complete(ctx context.Context, id tenant.ID, key uuid.UUID, status int, body []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = $3, response_body = $4, completed = TRUE, row_version = row_version + 1
		 WHERE tenant_id = $1 AND key = $2`,
		id.String(), key, status, body,
	)
	if err != nil {
		return fmt.Errorf("store: complete idempotency slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: no claimed slot for %s/%s", id.Obfuscated(), key)
	}
	return nil
}

// Sweep deletes up to limit expired rows and reports how many went.
func (s *PgIdempotencyStore) Sweep(ctx context.Context, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE ctid IN (
		   SELECT ctid FROM idempotency_keys WHERE expires_at <= $1 LIMIT $2
		 )`,
		s.clock(), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("store: sweep idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
