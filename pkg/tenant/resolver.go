package tenant

import (
	"github.com/veggieshop/platform/pkg/problem"
)

// Source identifies where a candidate tenant was found. Lower values win.
type Source int

const (
	SourceExplicit Source = iota
	SourceHTTPHeader
	SourceJWTClaim
	SourceMessageHeader
	SourceLogContext
)

// String names the source for diagnostics.
func (s Source) String() string {
	switch s {
	case SourceExplicit:
		return "EXPLICIT"
	case SourceHTTPHeader:
		return "HTTP_HEADER"
	case SourceJWTClaim:
		return "JWT_CLAIM"
	case SourceMessageHeader:
		return "MESSAGE_HEADER"
	case SourceLogContext:
		return "LOG_CONTEXT"
	default:
		return "UNKNOWN"
	}
}

// Candidate is one carrier's claim about the active tenant.
type Candidate struct {
	Source Source
	Value  string
}

// ResolverConfig controls carrier aliases and consistency enforcement.
type ResolverConfig struct {
	// HeaderAliases are accepted HTTP header names, strongest first.
	HeaderAliases []string
	// ClaimAliases are accepted JWT claim names.
	ClaimAliases []string
	// EnforceConsistency requires all carriers that yield a tenant to agree.
	EnforceConsistency bool
	// UseLogContext enables the weakest fallback carrier.
	UseLogContext bool
}

// DefaultResolverConfig mirrors the conventional carrier names.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		HeaderAliases:      []string{"X-Tenant-Id", "tenant-id"},
		ClaimAliases:       []string{"tenant_id", "tid"},
		EnforceConsistency: true,
	}
}

// Resolver extracts the active tenant from a set of carrier candidates.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver creates a resolver with cfg.
func NewResolver(cfg ResolverConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve picks the strongest valid candidate. When EnforceConsistency is
// set and two carriers disagree, it fails with tenant-mismatch; with no
// candidates at all it fails with tenant-required.
func (r *Resolver) Resolve(candidates []Candidate) (ID, error) {
	var (
		best    ID
		bestSrc Source
		found   bool
	)

	for _, c := range candidates {
		if c.Source == SourceLogContext && !r.cfg.UseLogContext {
			continue
		}
		id, err := Parse(c.Value)
		if err != nil {
			return ID{}, problem.Newf(problem.ValidationFailed,
				"carrier %s supplied an invalid tenant id", c.Source).Wrap(err)
		}
		if !found {
			best, bestSrc, found = id, c.Source, true
			continue
		}
		if id != best {
			if r.cfg.EnforceConsistency {
				return ID{}, problem.Newf(problem.TenantMismatch,
					"carriers %s and %s disagree on the active tenant", bestSrc, c.Source)
			}
			// Without enforcement the stronger carrier wins.
			if c.Source < bestSrc {
				best, bestSrc = id, c.Source
			}
			continue
		}
		if c.Source < bestSrc {
			bestSrc = c.Source
		}
	}

	if !found {
		return ID{}, problem.New(problem.TenantRequired, "no carrier yielded a tenant")
	}
	return best, nil
}

// HeaderCandidate scans the configured header aliases in order and returns a
// candidate for the first non-empty value.
func (r *Resolver) HeaderCandidate(get func(name string) string) (Candidate, bool) {
	for _, alias := range r.cfg.HeaderAliases {
		if v := get(alias); v != "" {
			return Candidate{Source: SourceHTTPHeader, Value: v}, true
		}
	}
	return Candidate{}, false
}

// ClaimCandidate scans the configured claim aliases in order.
func (r *Resolver) ClaimCandidate(claims map[string]any) (Candidate, bool) {
	for _, alias := range r.cfg.ClaimAliases {
		if v, ok := claims[alias].(string); ok && v != "" {
			return Candidate{Source: SourceJWTClaim, Value: v}, true
		}
	}
	return Candidate{}, false
}
