package abac

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELCondition evaluates a compiled CEL expression over the request
// attributes. The expression sees `subject`, `action`, `resource`, and
// `environment` and must yield a bool.
type CELCondition struct {
	program cel.Program
}

// NewCELCondition compiles expr.
func NewCELCondition(expr string) (*CELCondition, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.DynType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.DynType),
		cel.Variable("environment", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("abac: cel environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("abac: compile condition: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("abac: build condition program: %w", err)
	}
	return &CELCondition{program: prg}, nil
}

// Allow evaluates the expression against req.
func (c *CELCondition) Allow(_ context.Context, req Request) (bool, error) {
	roles := make([]string, 0, len(req.Subject.Roles))
	for r := range req.Subject.Roles {
		roles = append(roles, string(r))
	}
	subject := map[string]any{
		"user_id":   req.Subject.UserID,
		"tenant":    req.Subject.Tenant.String(),
		"roles":     roles,
		"vendor_id": req.Subject.VendorID,
		"mfa":       string(req.Subject.MFA),
	}
	var resource map[string]any
	if req.Resource != nil {
		resource = map[string]any{
			"tenant":          req.Resource.Tenant.String(),
			"vendor_owner_id": req.Resource.VendorOwnerID,
			"sensitivity":     string(req.Resource.Sensitivity),
			"resource_type":   req.Resource.ResourceType,
		}
	}
	environment := map[string]any{
		"risk_score":  req.Environment.RiskScore,
		"break_glass": req.Environment.BreakGlass,
	}

	out, _, err := c.program.Eval(map[string]any{
		"subject":     subject,
		"action":      string(req.Action),
		"resource":    resource,
		"environment": environment,
	})
	if err != nil {
		return false, fmt.Errorf("abac: evaluate condition: %w", err)
	}
	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("abac: condition yielded %T, want bool", out.Value())
	}
	return verdict, nil
}
