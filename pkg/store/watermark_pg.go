package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

// PgWatermarkStore persists per-tenant write watermarks in Postgres.
type PgWatermarkStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPgWatermarkStore wraps db.
func NewPgWatermarkStore(db *sql.DB) *PgWatermarkStore {
	return &PgWatermarkStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PgWatermarkStore) WithClock(clock func() time.Time) *PgWatermarkStore {
	s.clock = clock
	return s
}

// Current returns the watermark, or 0 when the tenant is unknown.
func (s *PgWatermarkStore) Current(ctx context.Context, id tenant.ID) (int64, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark_ms FROM consistency_watermarks WHERE tenant_id = $1`,
		id.String(),
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read watermark: %w", err)
	}
	return ms, nil
}

// AdvanceAtLeast raises the watermark to at least ms. The watermark never
// regresses, so concurrent writers settle on the maximum.
func (s *PgWatermarkStore) AdvanceAtLeast(ctx context.Context, id tenant.ID, ms int64) (int64, error) {
	var result int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO consistency_watermarks (tenant_id, watermark_ms)
		 VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET watermark_ms = GREATEST(consistency_watermarks.watermark_ms, EXCLUDED.watermark_ms)
		 RETURNING watermark_ms`,
		id.String(), ms,
	).Scan(&result)
	if err != nil {
		return 0, fmt.Errorf("store: advance watermark: %w", err)
	}
	return result, nil
}

// AdvanceToNow raises the watermark to the injected clock's now.
func (s *PgWatermarkStore) AdvanceToNow(ctx context.Context, id tenant.ID) (int64, error) {
	return s.AdvanceAtLeast(ctx, id, s.clock().UnixMilli())
}
