// Package stepup implements the elevation workflows behind authorization
// challenges: MFA challenges, short-lived elevation tickets, two-person
// approvals, and the audited break-glass path.
package stepup

import (
	"time"

	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/tenant"
)

// Challenge states.
const (
	ChallengePending  = "PENDING"
	ChallengeConsumed = "CONSUMED"
	ChallengeExpired  = "EXPIRED"
)

// Approval states.
const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalDenied   = "DENIED"
	ApprovalExpired  = "EXPIRED"
)

// Strength of the requested factor.
type Strength string

const (
	StrengthWeak   Strength = "WEAK"
	StrengthStrong Strength = "STRONG"
)

// Challenge is one pending MFA verification.
type Challenge struct {
	ID             uuid.UUID         `json:"id"`
	Tenant         tenant.ID         `json:"tenant_id"`
	UserID         string            `json:"user_id"`
	Strength       Strength          `json:"strength"`
	Reason         string            `json:"reason"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Attrs          map[string]string `json:"attrs,omitempty"`
	State          string            `json:"state"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Expired reports whether the challenge TTL has elapsed.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Ticket is an opaque elevation grant.
type Ticket struct {
	Token     string            `json:"token"`
	Tenant    tenant.ID         `json:"tenant_id"`
	UserID    string            `json:"user_id"`
	GrantedBy string            `json:"granted_by"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Revoked   bool              `json:"revoked"`
}

// Active reports whether the ticket covers now.
func (t Ticket) Active(now time.Time) bool {
	return !t.Revoked && !t.IssuedAt.After(now) && now.Before(t.ExpiresAt)
}

// Approval is one two-person approval request.
type Approval struct {
	ID               uuid.UUID `json:"id"`
	Tenant           tenant.ID `json:"tenant_id"`
	Requester        string    `json:"requester"`
	Action           string    `json:"action"`
	Reason           string    `json:"reason"`
	RequiredApprover string    `json:"required_approver,omitempty"`
	IdempotencyKey   string    `json:"idempotency_key,omitempty"`
	State            string    `json:"state"`
	DecidedBy        string    `json:"decided_by,omitempty"`
	Comment          string    `json:"comment,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	DecidedAt        time.Time `json:"decided_at,omitzero"`
}

// Expired reports whether the approval TTL has elapsed.
func (a Approval) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Decided reports whether the approval reached a terminal human decision.
func (a Approval) Decided() bool {
	return a.State == ApprovalApproved || a.State == ApprovalDenied
}

// AuditEvent is the PII-free record emitted for every state change.
type AuditEvent struct {
	Tenant tenant.ID         `json:"tenant_id"`
	Actor  string            `json:"actor"`
	Type   string            `json:"type"`
	Data   map[string]string `json:"data,omitempty"`
	At     time.Time         `json:"at"`
}

// AuditSink receives audit events; implementations must not block on
// downstream durability.
type AuditSink interface {
	Record(event AuditEvent)
}

// copyAttrs defensively copies a caller-supplied attribute map.
func copyAttrs(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
