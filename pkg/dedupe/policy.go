// Package dedupe implements event de-duplication: write-once acceptance of
// (tenant, eventId, version) triplets guarded by replay fences, with a
// fail-closed primary store and an optional hot-path cache.
package dedupe

import (
	"context"
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

// ReplayPolicy is the fence configuration for one (tenant, family) pair.
type ReplayPolicy struct {
	// MinAcceptedVersion quarantines events below this version.
	MinAcceptedVersion int64
	// ReplayWindow quarantines events older than now - window unless the
	// check runs as an operator replay.
	ReplayWindow time.Duration
	// MaxFutureSkew quarantines events timestamped further in the future.
	MaxFutureSkew time.Duration
}

// DefaultPolicy is the fence configuration used when no override exists.
func DefaultPolicy() ReplayPolicy {
	return ReplayPolicy{
		MinAcceptedVersion: 0,
		ReplayWindow:       10 * 24 * time.Hour,
		MaxFutureSkew:      5 * time.Minute,
	}
}

// PolicyProvider resolves the fence policy per (tenant, family).
type PolicyProvider interface {
	PolicyFor(ctx context.Context, id tenant.ID, family string) ReplayPolicy
}

// StaticPolicyProvider serves a base policy with per-(tenant, family)
// overrides.
type StaticPolicyProvider struct {
	base      ReplayPolicy
	overrides map[string]ReplayPolicy
}

// NewStaticPolicyProvider creates a provider with the given base policy.
func NewStaticPolicyProvider(base ReplayPolicy) *StaticPolicyProvider {
	return &StaticPolicyProvider{
		base:      base,
		overrides: make(map[string]ReplayPolicy),
	}
}

// Override registers a (tenant, family) policy.
func (p *StaticPolicyProvider) Override(id tenant.ID, family string, policy ReplayPolicy) *StaticPolicyProvider {
	p.overrides[id.String()+"|"+family] = policy
	return p
}

// PolicyFor implements PolicyProvider.
func (p *StaticPolicyProvider) PolicyFor(_ context.Context, id tenant.ID, family string) ReplayPolicy {
	if policy, ok := p.overrides[id.String()+"|"+family]; ok {
		return policy
	}
	return p.base
}
