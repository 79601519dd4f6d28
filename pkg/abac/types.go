// Package abac implements attribute-based authorization: a fixed gate
// sequence over subject, action, resource, and environment attributes that
// yields permit, deny, or a challenge with obligations the caller can
// satisfy through the step-up service.
package abac

import (
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

// Role is a coarse subject role.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleBuyer   Role = "BUYER"
	RoleVendor  Role = "VENDOR"
	RoleSupport Role = "SUPPORT"
)

// Action is the operation being authorized.
type Action string

const (
	ActionRead                 Action = "READ"
	ActionCreate               Action = "CREATE"
	ActionUpdate               Action = "UPDATE"
	ActionDelete               Action = "DELETE"
	ActionApprovePriceOverride Action = "APPROVE_PRICE_OVERRIDE"
	ActionManageSecrets        Action = "MANAGE_SECRETS"
	ActionExportPII            Action = "EXPORT_PII"
	ActionManageTenantConfig   Action = "MANAGE_TENANT_CONFIG"
)

// IsWrite reports whether the action mutates state.
func (a Action) IsWrite() bool { return a != ActionRead }

// Risk is the inherent risk class of an action.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Risk classifies the action: destructive and override operations are
// MEDIUM, secret/config/PII surfaces are HIGH.
func (a Action) Risk() Risk {
	switch a {
	case ActionManageSecrets, ActionExportPII, ActionManageTenantConfig:
		return RiskHigh
	case ActionDelete, ActionApprovePriceOverride:
		return RiskMedium
	default:
		return RiskLow
	}
}

// requiresElevation reports whether the action needs an active elevation
// window on top of role and MFA checks.
func (a Action) requiresElevation() bool {
	switch a {
	case ActionManageSecrets, ActionManageTenantConfig, ActionApprovePriceOverride:
		return true
	default:
		return false
	}
}

// MFALevel is the authentication strength the subject presented.
type MFALevel string

const (
	MFANone   MFALevel = "NONE"
	MFAWeak   MFALevel = "WEAK"
	MFAStrong MFALevel = "STRONG"
)

// Sensitivity classifies the resource's data.
type Sensitivity string

const (
	SensitivityPublic        Sensitivity = "PUBLIC"
	SensitivityInternal      Sensitivity = "INTERNAL"
	SensitivityConfidential  Sensitivity = "CONFIDENTIAL"
	SensitivityRestrictedPII Sensitivity = "RESTRICTED_PII"
)

// Subject is the authenticated caller.
type Subject struct {
	UserID   string
	Tenant   tenant.ID
	Roles    map[Role]struct{}
	VendorID string
	MFA      MFALevel
	// ElevationUntil is the end of an active elevation window; zero when
	// none is held.
	ElevationUntil time.Time
}

// HasRole reports whether the subject holds r.
func (s Subject) HasRole(r Role) bool {
	_, ok := s.Roles[r]
	return ok
}

// strongMFA is satisfied by a strong factor or an active elevation window.
func (s Subject) strongMFA(now time.Time) bool {
	return s.MFA == MFAStrong || (!s.ElevationUntil.IsZero() && s.ElevationUntil.After(now))
}

// Resource describes the target of the action; nil targets skip the
// resource-scoped gates.
type Resource struct {
	Tenant        tenant.ID
	VendorOwnerID string
	Sensitivity   Sensitivity
	ResourceType  string
}

// Environment carries per-request risk signals.
type Environment struct {
	// RiskScore is clamped to [0, 100] at evaluation time.
	RiskScore  int
	BreakGlass bool
	// SecondApprover is the user id of an out-of-band approver for
	// high-risk actions.
	SecondApprover string
}

// Request is one authorization question.
type Request struct {
	Tenant      tenant.ID
	Subject     Subject
	Action      Action
	Resource    *Resource
	Environment Environment
}

// Effect is the overall outcome of a decision.
type Effect string

const (
	EffectPermit    Effect = "PERMIT"
	EffectDeny      Effect = "DENY"
	EffectChallenge Effect = "CHALLENGE"
)

// ObligationType names what the caller must satisfy to convert a challenge
// into a permit.
type ObligationType string

const (
	ObligationRequireMFA       ObligationType = "REQUIRE_MFA"
	ObligationRequireTwoPerson ObligationType = "REQUIRE_TWO_PERSON"
	ObligationRequireElevation ObligationType = "REQUIRE_ELEVATION"
)

// Obligation is one step-up requirement attached to a challenge.
type Obligation struct {
	Type   ObligationType    `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// Decision is the engine's answer.
type Decision struct {
	Effect      Effect       `json:"effect"`
	Reason      string       `json:"reason"`
	Obligations []Obligation `json:"obligations,omitempty"`
}

func permit() Decision {
	return Decision{Effect: EffectPermit, Reason: "Permitted"}
}

func deny(reason string) Decision {
	return Decision{Effect: EffectDeny, Reason: reason}
}

func challenge(reason string, obligations ...Obligation) Decision {
	return Decision{Effect: EffectChallenge, Reason: reason, Obligations: obligations}
}

func requireStrongMFA() Obligation {
	return Obligation{Type: ObligationRequireMFA, Params: map[string]string{"strength": "strong"}}
}
