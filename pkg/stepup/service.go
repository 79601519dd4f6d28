package stepup

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/problem"
	"github.com/veggieshop/platform/pkg/tenant"
)

// MFAProvider verifies a proof of possession for a second factor.
type MFAProvider interface {
	Verify(ctx context.Context, t tenant.ID, user, proof string) (bool, error)
}

// Config tunes the step-up workflows.
type Config struct {
	ChallengeTTL time.Duration
	MinElevation time.Duration
	MaxElevation time.Duration
	ApprovalTTL  time.Duration
}

// DefaultConfig returns the conventional windows.
func DefaultConfig() Config {
	return Config{
		ChallengeTTL: 5 * time.Minute,
		MinElevation: 15 * time.Minute,
		MaxElevation: 60 * time.Minute,
		ApprovalTTL:  4 * time.Hour,
	}
}

// minJustification is the shortest accepted break-glass justification.
const minJustification = 20

// Service orchestrates the four elevation workflows over the injected
// store, MFA provider, and audit sink.
type Service struct {
	store  Store
	mfa    MFAProvider
	audit  AuditSink
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// NewService creates a step-up service. audit may be nil to disable the
// sink (tests only; production wiring always audits).
func NewService(store Store, mfa MFAProvider, audit AuditSink, cfg Config) *Service {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.MinElevation <= 0 {
		cfg.MinElevation = 15 * time.Minute
	}
	if cfg.MaxElevation < cfg.MinElevation {
		cfg.MaxElevation = 60 * time.Minute
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 4 * time.Hour
	}
	return &Service{
		store:  store,
		mfa:    mfa,
		audit:  audit,
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithLogger overrides the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

func (s *Service) emit(t tenant.ID, actor, typ string, data map[string]string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(AuditEvent{Tenant: t, Actor: actor, Type: typ, Data: data, At: s.clock()})
}

// InitiateChallenge opens (or idempotently returns) an MFA challenge.
func (s *Service) InitiateChallenge(ctx context.Context, t tenant.ID, user string, strength Strength, reason, idempotencyKey string, attrs map[string]string) (Challenge, error) {
	if t.IsZero() || user == "" {
		return Challenge{}, problem.New(problem.ValidationFailed, "challenge requires tenant and user")
	}
	now := s.clock()

	if idempotencyKey != "" {
		existing, ok, err := s.store.FindChallengeByKey(ctx, t, user, idempotencyKey)
		if err != nil {
			return Challenge{}, fmt.Errorf("stepup: lookup challenge: %w", err)
		}
		if ok && existing.State == ChallengePending && !existing.Expired(now) {
			return existing, nil
		}
	}

	c := Challenge{
		ID:             uuid.New(),
		Tenant:         t,
		UserID:         user,
		Strength:       strength,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		Attrs:          copyAttrs(attrs),
		State:          ChallengePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.ChallengeTTL),
	}
	if err := s.store.InsertChallenge(ctx, c); err != nil {
		return Challenge{}, fmt.Errorf("stepup: insert challenge: %w", err)
	}
	s.emit(t, user, "stepup.challenge.initiated", map[string]string{
		"challenge_id": c.ID.String(),
		"strength":     string(strength),
	})
	return c, nil
}

// VerifyChallenge checks the proof against the MFA provider and, on
// success, consumes the challenge and grants an elevation ticket.
func (s *Service) VerifyChallenge(ctx context.Context, t tenant.ID, user string, challengeID uuid.UUID, proof string, requestedMinutes int) (Ticket, error) {
	now := s.clock()
	c, err := s.store.FindChallenge(ctx, t, challengeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Ticket{}, problem.New(problem.ResourceNotFound, "unknown challenge")
		}
		return Ticket{}, fmt.Errorf("stepup: load challenge: %w", err)
	}
	if c.UserID != user {
		return Ticket{}, problem.New(problem.AuthorizationDenied, "challenge belongs to another user")
	}
	if c.State == ChallengeConsumed {
		return Ticket{}, problem.New(problem.Conflict, "challenge already consumed")
	}
	if c.Expired(now) {
		_ = s.store.TransitionChallenge(ctx, t, challengeID, ChallengePending, ChallengeExpired)
		return Ticket{}, problem.New(problem.AuthenticationFailed, "challenge expired")
	}

	ok, err := s.mfa.Verify(ctx, t, user, proof)
	if err != nil {
		return Ticket{}, fmt.Errorf("stepup: mfa verification: %w", err)
	}
	if !ok {
		s.emit(t, user, "stepup.challenge.failed", map[string]string{"challenge_id": c.ID.String()})
		return Ticket{}, problem.New(problem.AuthenticationFailed, "MFA proof rejected")
	}

	if err := s.store.TransitionChallenge(ctx, t, challengeID, ChallengePending, ChallengeConsumed); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return Ticket{}, problem.New(problem.Conflict, "challenge already consumed")
		}
		return Ticket{}, fmt.Errorf("stepup: consume challenge: %w", err)
	}

	ticket, err := s.grant(ctx, t, user, "mfa", requestedMinutes, nil)
	if err != nil {
		return Ticket{}, err
	}
	s.emit(t, user, "stepup.challenge.verified", map[string]string{
		"challenge_id":      c.ID.String(),
		"ticket_expires_at": ticket.ExpiresAt.UTC().Format(time.RFC3339),
		"requested_minutes": fmt.Sprintf("%d", requestedMinutes),
	})
	return ticket, nil
}

// grant issues a ticket with the elevation window clamped to configuration.
func (s *Service) grant(ctx context.Context, t tenant.ID, user, grantedBy string, requestedMinutes int, attrs map[string]string) (Ticket, error) {
	dur := time.Duration(requestedMinutes) * time.Minute
	if dur < s.cfg.MinElevation {
		dur = s.cfg.MinElevation
	}
	if dur > s.cfg.MaxElevation {
		dur = s.cfg.MaxElevation
	}
	now := s.clock()
	ticket := Ticket{
		Token:     opaqueToken(),
		Tenant:    t,
		UserID:    user,
		GrantedBy: grantedBy,
		Attrs:     copyAttrs(attrs),
		IssuedAt:  now,
		ExpiresAt: now.Add(dur),
	}
	if err := s.store.InsertTicket(ctx, ticket); err != nil {
		return Ticket{}, fmt.Errorf("stepup: insert ticket: %w", err)
	}
	return ticket, nil
}

func opaqueToken() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("stepup: entropy unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// FindActiveTicket returns the longest-lived ticket covering now.
func (s *Service) FindActiveTicket(ctx context.Context, t tenant.ID, user string) (Ticket, bool, error) {
	return s.store.FindActiveTicket(ctx, t, user, s.clock())
}

// RevokeTicket invalidates a ticket by token.
func (s *Service) RevokeTicket(ctx context.Context, t tenant.ID, actor, token string) error {
	if err := s.store.RevokeTicket(ctx, token); err != nil {
		if errors.Is(err, ErrNotFound) {
			return problem.New(problem.ResourceNotFound, "unknown ticket")
		}
		return fmt.Errorf("stepup: revoke ticket: %w", err)
	}
	s.emit(t, actor, "stepup.ticket.revoked", nil)
	return nil
}

// RequestApproval opens (or idempotently returns) a two-person approval.
func (s *Service) RequestApproval(ctx context.Context, t tenant.ID, requester, action, reason, requiredApprover, idempotencyKey string, ttl time.Duration) (Approval, error) {
	if t.IsZero() || requester == "" || action == "" {
		return Approval{}, problem.New(problem.ValidationFailed, "approval requires tenant, requester, and action")
	}
	if requiredApprover != "" && requiredApprover == requester {
		return Approval{}, problem.New(problem.ValidationFailed, "required approver must differ from requester")
	}
	now := s.clock()

	if idempotencyKey != "" {
		existing, ok, err := s.store.FindApprovalByKey(ctx, t, requester, idempotencyKey)
		if err != nil {
			return Approval{}, fmt.Errorf("stepup: lookup approval: %w", err)
		}
		if ok && (existing.Decided() || !existing.Expired(now)) {
			return existing, nil
		}
	}

	if ttl <= 0 {
		ttl = s.cfg.ApprovalTTL
	}
	a := Approval{
		ID:               uuid.New(),
		Tenant:           t,
		Requester:        requester,
		Action:           action,
		Reason:           reason,
		RequiredApprover: requiredApprover,
		IdempotencyKey:   idempotencyKey,
		State:            ApprovalPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
	if err := s.store.InsertApproval(ctx, a); err != nil {
		return Approval{}, fmt.Errorf("stepup: insert approval: %w", err)
	}
	s.emit(t, requester, "stepup.approval.requested", map[string]string{
		"approval_id": a.ID.String(),
		"action":      action,
	})
	return a, nil
}

// Decide approves or denies a pending request. Already-decided requests
// are returned unchanged, making the call idempotent.
func (s *Service) Decide(ctx context.Context, t tenant.ID, approvalID uuid.UUID, approver string, approve bool, comment string) (Approval, error) {
	now := s.clock()
	a, err := s.store.FindApproval(ctx, t, approvalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Approval{}, problem.New(problem.ResourceNotFound, "unknown approval request")
		}
		return Approval{}, fmt.Errorf("stepup: load approval: %w", err)
	}
	if a.Decided() {
		return a, nil
	}
	if approver == a.Requester {
		return Approval{}, problem.New(problem.AuthorizationDenied, "requester cannot approve their own request")
	}
	if a.RequiredApprover != "" && approver != a.RequiredApprover {
		return Approval{}, problem.New(problem.AuthorizationDenied, "approval reserved for a designated approver")
	}
	if a.Expired(now) {
		a.State = ApprovalExpired
		if err := s.store.UpdateApproval(ctx, a); err != nil {
			return Approval{}, fmt.Errorf("stepup: expire approval: %w", err)
		}
		return Approval{}, problem.New(problem.Conflict, "approval request expired")
	}

	if approve {
		a.State = ApprovalApproved
	} else {
		a.State = ApprovalDenied
	}
	a.DecidedBy = approver
	a.Comment = comment
	a.DecidedAt = now
	if err := s.store.UpdateApproval(ctx, a); err != nil {
		return Approval{}, fmt.Errorf("stepup: decide approval: %w", err)
	}
	s.emit(t, approver, "stepup.approval.decided", map[string]string{
		"approval_id": a.ID.String(),
		"state":       a.State,
	})
	return a, nil
}

// BreakGlass issues an emergency ticket without an MFA challenge. The
// justification is mandatory and lands in the audit trail.
func (s *Service) BreakGlass(ctx context.Context, t tenant.ID, user, justification string, requestedMinutes int) (Ticket, error) {
	if len(justification) < minJustification {
		return Ticket{}, problem.New(problem.ValidationFailed,
			fmt.Sprintf("break-glass justification must be at least %d characters", minJustification))
	}
	ticket, err := s.grant(ctx, t, user, "break-glass", requestedMinutes, map[string]string{
		"justification": justification,
	})
	if err != nil {
		return Ticket{}, err
	}
	s.logger.Warn("break-glass elevation granted",
		tenant.LogKey, t.Obfuscated(),
		"user", user,
		"expires_at", ticket.ExpiresAt.UTC().Format(time.RFC3339),
	)
	s.emit(t, user, "stepup.breakglass.granted", map[string]string{
		"justification": justification,
		"expires_at":    ticket.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return ticket, nil
}

// Sweep deletes expired challenges, tickets, and approvals.
func (s *Service) Sweep(ctx context.Context, limit int) (int, error) {
	return s.store.SweepExpired(ctx, s.clock(), limit)
}
