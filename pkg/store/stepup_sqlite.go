package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/veggieshop/platform/pkg/stepup"
	"github.com/veggieshop/platform/pkg/tenant"
)

// OpenSqlite opens a SQLite database at path (":memory:" for tests) suited
// for the step-up store. The pool is capped at one connection because the
// driver serializes writers anyway.
func OpenSqlite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sqlite pragma: %w", err)
	}
	return db, nil
}

// SqliteStepUpStore persists step-up challenges, elevation tickets, and
// two-person approvals in SQLite. Timestamps are stored as Unix nanoseconds
// and attrs as a JSON object.
type SqliteStepUpStore struct {
	db *sql.DB
}

// NewSqliteStepUpStore wraps db and creates the tables when missing.
func NewSqliteStepUpStore(ctx context.Context, db *sql.DB) (*SqliteStepUpStore, error) {
	for _, stmt := range sqliteStepUpSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("store: migrate step-up tables: %w", err)
		}
	}
	return &SqliteStepUpStore{db: db}, nil
}

var sqliteStepUpSchema = []string{
	`CREATE TABLE IF NOT EXISTS stepup_challenges (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		strength        TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL DEFAULT '',
		attrs           TEXT NOT NULL DEFAULT '{}',
		state           TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		expires_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS stepup_challenges_key_idx
		ON stepup_challenges (tenant_id, user_id, idempotency_key)`,
	`CREATE TABLE IF NOT EXISTS stepup_tickets (
		token      TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		granted_by TEXT NOT NULL,
		attrs      TEXT NOT NULL DEFAULT '{}',
		issued_at  INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		revoked    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS stepup_tickets_user_idx
		ON stepup_tickets (tenant_id, user_id)`,
	`CREATE TABLE IF NOT EXISTS stepup_approvals (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		requester         TEXT NOT NULL,
		action            TEXT NOT NULL,
		reason            TEXT NOT NULL DEFAULT '',
		required_approver TEXT NOT NULL DEFAULT '',
		idempotency_key   TEXT NOT NULL DEFAULT '',
		state             TEXT NOT NULL,
		decided_by        TEXT NOT NULL DEFAULT '',
		comment           TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL,
		expires_at        INTEGER NOT NULL,
		decided_at        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS stepup_approvals_key_idx
		ON stepup_approvals (tenant_id, requester, idempotency_key)`,
}

func encodeAttrs(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("store: marshal attrs: %w", err)
	}
	return string(b), nil
}

func decodeAttrs(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("store: unmarshal attrs: %w", err)
	}
	return attrs, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SqliteStepUpStore) InsertChallenge(ctx context.Context, c stepup.Challenge) error {
	attrs, err := encodeAttrs(c.Attrs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stepup_challenges
		 (id, tenant_id, user_id, strength, reason, idempotency_key, attrs, state, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.Tenant.String(), c.UserID, string(c.Strength), c.Reason,
		c.IdempotencyKey, attrs, c.State, nanos(c.CreatedAt), nanos(c.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert challenge: %w", err)
	}
	return nil
}

func (s *SqliteStepUpStore) scanChallenge(row *sql.Row) (stepup.Challenge, error) {
	var c stepup.Challenge
	var id, tenantID, strength, attrs string
	var createdAt, expires int64
	err := row.Scan(&id, &tenantID, &c.UserID, &strength, &c.Reason,
		&c.IdempotencyKey, &attrs, &c.State, &createdAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return stepup.Challenge{}, stepup.ErrNotFound
	}
	if err != nil {
		return stepup.Challenge{}, fmt.Errorf("store: scan challenge: %w", err)
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return stepup.Challenge{}, fmt.Errorf("store: challenge id: %w", err)
	}
	if c.Tenant, err = tenant.Parse(tenantID); err != nil {
		return stepup.Challenge{}, fmt.Errorf("store: challenge tenant: %w", err)
	}
	c.Strength = stepup.Strength(strength)
	if c.Attrs, err = decodeAttrs(attrs); err != nil {
		return stepup.Challenge{}, err
	}
	c.CreatedAt = fromNanos(createdAt)
	c.ExpiresAt = fromNanos(expires)
	return c, nil
}

const challengeColumns = `id, tenant_id, user_id, strength, reason, idempotency_key, attrs, state, created_at, expires_at`

func (s *SqliteStepUpStore) FindChallenge(ctx context.Context, t tenant.ID, id uuid.UUID) (stepup.Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM stepup_challenges WHERE id = ? AND tenant_id = ?`,
		id.String(), t.String(),
	)
	return s.scanChallenge(row)
}

func (s *SqliteStepUpStore) FindChallengeByKey(ctx context.Context, t tenant.ID, user, key string) (stepup.Challenge, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM stepup_challenges
		 WHERE tenant_id = ? AND user_id = ? AND idempotency_key = ?
		 ORDER BY created_at DESC LIMIT 1`,
		t.String(), user, key,
	)
	c, err := s.scanChallenge(row)
	if errors.Is(err, stepup.ErrNotFound) {
		return stepup.Challenge{}, false, nil
	}
	if err != nil {
		return stepup.Challenge{}, false, err
	}
	return c, true, nil
}

func (s *SqliteStepUpStore) TransitionChallenge(ctx context.Context, t tenant.ID, id uuid.UUID, from, to string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stepup_challenges SET state = ? WHERE id = ? AND tenant_id = ? AND state = ?`,
		to, id.String(), t.String(), from,
	)
	if err != nil {
		return fmt.Errorf("store: transition challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.FindChallenge(ctx, t, id); err != nil {
		return err
	}
	return stepup.ErrStateConflict
}

func (s *SqliteStepUpStore) InsertTicket(ctx context.Context, tk stepup.Ticket) error {
	attrs, err := encodeAttrs(tk.Attrs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stepup_tickets
		 (token, tenant_id, user_id, granted_by, attrs, issued_at, expires_at, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tk.Token, tk.Tenant.String(), tk.UserID, tk.GrantedBy, attrs,
		nanos(tk.IssuedAt), nanos(tk.ExpiresAt), boolToInt(tk.Revoked),
	)
	if err != nil {
		return fmt.Errorf("store: insert ticket: %w", err)
	}
	return nil
}

func (s *SqliteStepUpStore) FindActiveTicket(ctx context.Context, t tenant.ID, user string, now time.Time) (stepup.Ticket, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, tenant_id, user_id, granted_by, attrs, issued_at, expires_at, revoked
		 FROM stepup_tickets
		 WHERE tenant_id = ? AND user_id = ? AND revoked = 0
		   AND issued_at <= ? AND expires_at > ?
		 ORDER BY expires_at DESC LIMIT 1`,
		t.String(), user, nanos(now), nanos(now),
	)
	var tk stepup.Ticket
	var tenantID, attrs string
	var issued, expires int64
	var revoked int
	err := row.Scan(&tk.Token, &tenantID, &tk.UserID, &tk.GrantedBy, &attrs,
		&issued, &expires, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return stepup.Ticket{}, false, nil
	}
	if err != nil {
		return stepup.Ticket{}, false, fmt.Errorf("store: scan ticket: %w", err)
	}
	if tk.Tenant, err = tenant.Parse(tenantID); err != nil {
		return stepup.Ticket{}, false, fmt.Errorf("store: ticket tenant: %w", err)
	}
	if tk.Attrs, err = decodeAttrs(attrs); err != nil {
		return stepup.Ticket{}, false, err
	}
	tk.IssuedAt = fromNanos(issued)
	tk.ExpiresAt = fromNanos(expires)
	tk.Revoked = revoked != 0
	return tk, true, nil
}

func (s *SqliteStepUpStore) RevokeTicket(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stepup_tickets SET revoked = 1 WHERE token = ?`, token,
	)
	if err != nil {
		return fmt.Errorf("store: revoke ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return stepup.ErrNotFound
	}
	return nil
}

func (s *SqliteStepUpStore) InsertApproval(ctx context.Context, a stepup.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stepup_approvals
		 (id, tenant_id, requester, action, reason, required_approver, idempotency_key,
		  state, decided_by, comment, created_at, expires_at, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.Tenant.String(), a.Requester, a.Action, a.Reason,
		a.RequiredApprover, a.IdempotencyKey, a.State, a.DecidedBy, a.Comment,
		nanos(a.CreatedAt), nanos(a.ExpiresAt), nanos(a.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, tenant_id, requester, action, reason, required_approver, idempotency_key, state, decided_by, comment, created_at, expires_at, decided_at`

func (s *SqliteStepUpStore) scanApproval(row *sql.Row) (stepup.Approval, error) {
	var a stepup.Approval
	var id, tenantID string
	var createdAt, expires, decided int64
	err := row.Scan(&id, &tenantID, &a.Requester, &a.Action, &a.Reason,
		&a.RequiredApprover, &a.IdempotencyKey, &a.State, &a.DecidedBy, &a.Comment,
		&createdAt, &expires, &decided)
	if errors.Is(err, sql.ErrNoRows) {
		return stepup.Approval{}, stepup.ErrNotFound
	}
	if err != nil {
		return stepup.Approval{}, fmt.Errorf("store: scan approval: %w", err)
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return stepup.Approval{}, fmt.Errorf("store: approval id: %w", err)
	}
	if a.Tenant, err = tenant.Parse(tenantID); err != nil {
		return stepup.Approval{}, fmt.Errorf("store: approval tenant: %w", err)
	}
	a.CreatedAt = fromNanos(createdAt)
	a.ExpiresAt = fromNanos(expires)
	a.DecidedAt = fromNanos(decided)
	return a, nil
}

func (s *SqliteStepUpStore) FindApproval(ctx context.Context, t tenant.ID, id uuid.UUID) (stepup.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM stepup_approvals WHERE id = ? AND tenant_id = ?`,
		id.String(), t.String(),
	)
	return s.scanApproval(row)
}

func (s *SqliteStepUpStore) FindApprovalByKey(ctx context.Context, t tenant.ID, requester, key string) (stepup.Approval, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM stepup_approvals
		 WHERE tenant_id = ? AND requester = ? AND idempotency_key = ?
		 ORDER BY created_at DESC LIMIT 1`,
		t.String(), requester, key,
	)
	a, err := s.scanApproval(row)
	if errors.Is(err, stepup.ErrNotFound) {
		return stepup.Approval{}, false, nil
	}
	if err != nil {
		return stepup.Approval{}, false, err
	}
	return a, true, nil
}

func (s *SqliteStepUpStore) UpdateApproval(ctx context.Context, a stepup.Approval) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stepup_approvals
		 SET state = ?, decided_by = ?, comment = ?, decided_at = ?
		 WHERE id = ? AND tenant_id = ?`,
		a.State, a.DecidedBy, a.Comment, nanos(a.DecidedAt), a.ID.String(), a.Tenant.String(),
	)
	if err != nil {
		return fmt.Errorf("store: update approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return stepup.ErrNotFound
	}
	return nil
}

func (s *SqliteStepUpStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	total := 0
	for _, table := range []string{"stepup_challenges", "stepup_tickets", "stepup_approvals"} {
		remaining := limit - total
		if limit > 0 && remaining <= 0 {
			break
		}
		if limit <= 0 {
			remaining = -1
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE rowid IN (
			   SELECT rowid FROM `+table+` WHERE expires_at <= ? LIMIT ?
			 )`,
			nanos(now), remaining,
		)
		if err != nil {
			return total, fmt.Errorf("store: sweep %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
