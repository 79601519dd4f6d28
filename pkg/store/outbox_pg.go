package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/eventbus"
	"github.com/veggieshop/platform/pkg/header"
	"github.com/veggieshop/platform/pkg/tenant"
)

// PgOutboxStore persists the transactional outbox in Postgres. ClaimBatch
// uses FOR UPDATE SKIP LOCKED so concurrent drainers never hand the same row
// to two publishers, and pushes available_at forward by a claim lease so a
// crashed drainer's rows become due again on their own.
type PgOutboxStore struct {
	db    *sql.DB
	lease time.Duration
}

// NewPgOutboxStore wraps db with a 30 second claim lease.
func NewPgOutboxStore(db *sql.DB) *PgOutboxStore {
	return &PgOutboxStore{db: db, lease: 30 * time.Second}
}

// WithClaimLease overrides how long a claimed row stays invisible to other
// drainers.
func (s *PgOutboxStore) WithClaimLease(d time.Duration) *PgOutboxStore {
	if d > 0 {
		s.lease = d
	}
	return s
}

// Enqueue inserts a PENDING row. Callers running inside a business
// transaction should use EnqueueTx instead.
func (s *PgOutboxStore) Enqueue(ctx context.Context, rec eventbus.OutboxRecord) error {
	return enqueue(ctx, s.db, rec)
}

// EnqueueTx inserts a PENDING row inside tx, so the event row commits or
// rolls back together with the business state change.
func (s *PgOutboxStore) EnqueueTx(ctx context.Context, tx *sql.Tx, rec eventbus.OutboxRecord) error {
	return enqueue(ctx, tx, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func enqueue(ctx context.Context, db execer, rec eventbus.OutboxRecord) error {
	if rec.ID == uuid.Nil {
		return fmt.Errorf("store: outbox record requires an id")
	}
	if rec.Topic == "" {
		return fmt.Errorf("store: outbox record requires a topic")
	}
	headers, err := marshalHeaders(rec.Headers)
	if err != nil {
		return err
	}
	now := time.Now()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	availableAt := rec.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO outbox
		 (id, tenant_id, topic, event_key, aggregate_type, aggregate_id, event_type,
		  entity_version, payload, headers, status, available_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'PENDING', $11, $12)`,
		rec.ID, rec.Tenant.String(), rec.Topic, rec.Key, rec.AggregateType, rec.AggregateID,
		rec.EventType, rec.EntityVersion, rec.Payload, headers, availableAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue outbox row: %w", err)
	}
	return nil
}

// ClaimBatch hands up to limit due PENDING rows to this drainer, oldest
// first.
func (s *PgOutboxStore) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]eventbus.OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox SET available_at = $3, row_version = row_version + 1
		 WHERE id IN (
		   SELECT id FROM outbox
		   WHERE status = 'PENDING' AND available_at <= $1
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, tenant_id, topic, event_key, aggregate_type, aggregate_id,
		           event_type, entity_version, payload, headers, status, attempts,
		           last_error, available_at, created_at, published_at, row_version`,
		now, limit, now.Add(s.lease),
	)
	if err != nil {
		return nil, fmt.Errorf("store: claim outbox batch: %w", err)
	}
	defer rows.Close()

	var out []eventbus.OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: claim outbox batch: %w", err)
	}
	// RETURNING does not guarantee order.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func scanOutboxRow(rows *sql.Rows) (eventbus.OutboxRecord, error) {
	var rec eventbus.OutboxRecord
	var tenantID string
	var headers []byte
	var publishedAt sql.NullTime
	if err := rows.Scan(&rec.ID, &tenantID, &rec.Topic, &rec.Key, &rec.AggregateType,
		&rec.AggregateID, &rec.EventType, &rec.EntityVersion, &rec.Payload, &headers,
		&rec.Status, &rec.Attempts, &rec.LastError, &rec.AvailableAt, &rec.CreatedAt,
		&publishedAt, &rec.RowVersion); err != nil {
		return eventbus.OutboxRecord{}, fmt.Errorf("store: scan outbox row: %w", err)
	}
	id, err := tenant.Parse(tenantID)
	if err != nil {
		return eventbus.OutboxRecord{}, fmt.Errorf("store: outbox row tenant: %w", err)
	}
	rec.Tenant = id
	if publishedAt.Valid {
		rec.PublishedAt = publishedAt.Time
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rec.Headers); err != nil {
			return eventbus.OutboxRecord{}, fmt.Errorf("store: outbox row headers: %w", err)
		}
	}
	return rec, nil
}

func marshalHeaders(h header.Headers) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("store: marshal outbox headers: %w", err)
	}
	return b, nil
}

// MarkPublished transitions a claimed row to PUBLISHED.
func (s *PgOutboxStore) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox
		 SET status = 'PUBLISHED', published_at = $2, last_error = '', row_version = row_version + 1
		 WHERE id = $1 AND status = 'PENDING'`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("store: mark outbox published: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eventbus.ErrOutboxRowGone
	}
	return nil
}

// Reschedule records a failed publish attempt and makes the row due again at
// availableAt. The row never becomes due before its current claim lease
// expires, so a backoff shorter than the lease cannot hand the row to a
// second drainer while the first still holds it.
func (s *PgOutboxStore) Reschedule(ctx context.Context, id uuid.UUID, availableAt time.Time, attempts int, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox
		 SET available_at = GREATEST($2, available_at), attempts = $3, last_error = $4, row_version = row_version + 1
		 WHERE id = $1 AND status = 'PENDING'`,
		id, availableAt, attempts, truncateBytes(lastError, 2048),
	)
	if err != nil {
		return fmt.Errorf("store: reschedule outbox row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eventbus.ErrOutboxRowGone
	}
	return nil
}

// Quarantine parks a row for operator review.
func (s *PgOutboxStore) Quarantine(ctx context.Context, id uuid.UUID, at time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox
		 SET status = 'QUARANTINED', available_at = $2, last_error = $3, row_version = row_version + 1
		 WHERE id = $1 AND status = 'PENDING'`,
		id, at, truncateBytes(lastError, 2048),
	)
	if err != nil {
		return fmt.Errorf("store: quarantine outbox row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eventbus.ErrOutboxRowGone
	}
	return nil
}

// SweepPublished deletes PUBLISHED rows older than the cutoff.
func (s *PgOutboxStore) SweepPublished(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE ctid IN (
		   SELECT ctid FROM outbox
		   WHERE status = 'PUBLISHED' AND published_at < $1 LIMIT $2
		 )`,
		olderThan, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("store: sweep outbox rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func truncateBytes(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
