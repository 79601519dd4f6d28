package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant policy override profile loaded from YAML.
type TenantProfile struct {
	Tenant      string            `yaml:"tenant" json:"tenant"`
	RateLimit   RateLimitProfile  `yaml:"rate_limit" json:"rate_limit"`
	Replay      ReplayProfile     `yaml:"replay" json:"replay"`
	Authz       AuthzProfile      `yaml:"authz" json:"authz"`
	Consistency ConsistencyLimits `yaml:"consistency" json:"consistency"`
}

// Duration wraps time.Duration so YAML profiles can use "30s" notation.
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateLimitProfile overrides the default bucket policy for a tenant.
type RateLimitProfile struct {
	Capacity     int      `yaml:"capacity" json:"capacity"`
	RefillTokens int      `yaml:"refill_tokens" json:"refill_tokens"`
	RefillPeriod Duration `yaml:"refill_period" json:"refill_period"`
}

// ReplayProfile overrides the event dedupe fences per event family.
type ReplayProfile struct {
	MinAcceptedVersion int64                    `yaml:"min_accepted_version" json:"min_accepted_version"`
	ReplayWindow       Duration                 `yaml:"replay_window" json:"replay_window"`
	MaxFutureSkew      Duration                 `yaml:"max_future_skew" json:"max_future_skew"`
	Families           map[string]ReplayProfile `yaml:"families,omitempty" json:"families,omitempty"`
}

// AuthzProfile overrides authorization thresholds.
type AuthzProfile struct {
	EnvironmentRiskMfaThreshold int    `yaml:"environment_risk_mfa_threshold" json:"environment_risk_mfa_threshold"`
	Condition                   string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// ConsistencyLimits overrides the read-your-writes gate budget.
type ConsistencyLimits struct {
	RywMaxWait Duration `yaml:"ryw_max_wait" json:"ryw_max_wait"`
}

// LoadProfile loads profile_<tenant>.yaml from the profiles directory.
func LoadProfile(profilesDir, tenant string) (*TenantProfile, error) {
	tenant = strings.ToLower(tenant)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", tenant))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenant, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenant, err)
	}
	if profile.Tenant == "" {
		profile.Tenant = tenant
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml under the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Tenant == "" {
			base := filepath.Base(path)
			profile.Tenant = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Tenant] = &profile
	}
	return profiles, nil
}
