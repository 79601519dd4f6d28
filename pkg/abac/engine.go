package abac

import (
	"context"
	"log/slog"
	"time"

	"github.com/veggieshop/platform/pkg/problem"
	"github.com/veggieshop/platform/pkg/tenant"
)

// Config tunes the gate sequence.
type Config struct {
	// EnvironmentRiskMfaThreshold is the risk score at which a request
	// without strong MFA is challenged.
	EnvironmentRiskMfaThreshold int
	// Condition is an optional policy hook evaluated just before the
	// final permit; a false verdict denies.
	Condition Condition
}

// DefaultConfig returns the conventional thresholds.
func DefaultConfig() Config {
	return Config{EnvironmentRiskMfaThreshold: 70}
}

// Condition is the extension point for expression-based policy refinement.
type Condition interface {
	Allow(ctx context.Context, req Request) (bool, error)
}

// Engine evaluates authorization requests through a fixed gate sequence;
// the first gate with an opinion decides.
type Engine struct {
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.EnvironmentRiskMfaThreshold <= 0 {
		cfg.EnvironmentRiskMfaThreshold = 70
	}
	return &Engine{cfg: cfg, clock: time.Now, logger: slog.Default()}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithLogger overrides the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Authorize runs the gate sequence and returns the decision. It never
// returns an error for a deny; evaluation failures in the condition hook
// fail closed as a deny.
func (e *Engine) Authorize(ctx context.Context, req Request) Decision {
	d := e.evaluate(ctx, req)
	if d.Effect != EffectPermit {
		e.logger.Info("authorization decision",
			tenant.LogKey, req.Tenant.Obfuscated(),
			"action", string(req.Action),
			"effect", string(d.Effect),
			"reason", d.Reason,
		)
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, req Request) Decision {
	now := e.clock()
	sub := req.Subject
	admin := sub.HasRole(RoleAdmin)
	strong := sub.strongMFA(now)
	env := req.Environment
	if env.RiskScore < 0 {
		env.RiskScore = 0
	}
	if env.RiskScore > 100 {
		env.RiskScore = 100
	}

	// Gate 1: tenant isolation.
	if req.Tenant.IsZero() {
		return deny("Missing tenant context")
	}
	if sub.Tenant != req.Tenant {
		return deny("Tenant mismatch")
	}
	if req.Resource != nil && req.Resource.Tenant != req.Tenant {
		return deny("Resource not in caller tenant")
	}

	// Gate 2: coarse RBAC.
	if !admin {
		switch req.Action {
		case ActionRead:
			if !sub.HasRole(RoleBuyer) && !sub.HasRole(RoleVendor) && !sub.HasRole(RoleSupport) {
				return deny("Read requires a platform role")
			}
		case ActionCreate, ActionUpdate:
			if !sub.HasRole(RoleVendor) {
				return deny("Write requires VENDOR or ADMIN")
			}
		default:
			return deny("Action requires ADMIN")
		}
	}

	// Gate 3: vendor ownership.
	if req.Resource != nil && req.Resource.VendorOwnerID != "" && !admin {
		if sub.VendorID != req.Resource.VendorOwnerID {
			return deny("Resource owned by another vendor")
		}
	}

	// Gate 4: data sensitivity.
	if req.Resource != nil {
		switch req.Resource.Sensitivity {
		case SensitivityRestrictedPII:
			if !admin {
				return deny("Restricted PII requires ADMIN")
			}
			if !strong {
				return challenge("Restricted PII requires strong MFA", requireStrongMFA())
			}
		case SensitivityConfidential:
			if req.Action.IsWrite() {
				if !admin {
					return deny("Confidential writes require ADMIN")
				}
				if !strong {
					return challenge("Confidential writes require strong MFA", requireStrongMFA())
				}
			}
		}
	}

	// Gate 5: action risk.
	risk := req.Action.Risk()
	if (risk == RiskMedium || risk == RiskHigh) && !env.BreakGlass {
		if !strong {
			return challenge("High-risk action requires strong MFA", requireStrongMFA())
		}
		if risk == RiskHigh {
			if !admin {
				return deny("High-risk action requires ADMIN")
			}
			if env.SecondApprover == "" {
				return challenge("High-risk action requires a second approver",
					Obligation{Type: ObligationRequireTwoPerson})
			}
			if env.SecondApprover == sub.UserID {
				return deny("Approver must differ from the acting subject")
			}
		}
	}

	// Gate 6: environment risk.
	if env.RiskScore >= e.cfg.EnvironmentRiskMfaThreshold && !env.BreakGlass && !strong {
		return challenge("Elevated session risk requires strong MFA", requireStrongMFA())
	}

	// Gate 7: elevation window.
	if req.Action.requiresElevation() {
		if sub.ElevationUntil.IsZero() || !sub.ElevationUntil.After(now) {
			return challenge("Action requires an active elevation window",
				Obligation{Type: ObligationRequireElevation})
		}
	}

	// Gate 8: SUPPORT is read-only.
	if req.Action.IsWrite() && sub.HasRole(RoleSupport) && !admin {
		return deny("Support role is read-only")
	}

	// Gate 9: policy condition hook, then permit.
	if e.cfg.Condition != nil {
		ok, err := e.cfg.Condition.Allow(ctx, req)
		if err != nil {
			e.logger.Error("policy condition evaluation failed, denying",
				tenant.LogKey, req.Tenant.Obfuscated(),
				"action", string(req.Action),
				"error", err,
			)
			return deny("Policy condition unavailable")
		}
		if !ok {
			return deny("Policy condition rejected")
		}
	}
	return permit()
}

// Problem maps a non-permit decision to its transport error: challenges
// carry the obligations for the step-up flow, denials are terminal.
func Problem(d Decision) error {
	switch d.Effect {
	case EffectPermit:
		return nil
	case EffectChallenge:
		p := problem.New(problem.StepUpRequired, d.Reason)
		return p.WithExtension("obligations", d.Obligations)
	default:
		return problem.New(problem.AuthorizationDenied, d.Reason)
	}
}
