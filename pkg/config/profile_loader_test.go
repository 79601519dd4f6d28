package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veggieshop/platform/pkg/config"
)

const acmeProfile = `
tenant: acme
rate_limit:
  capacity: 500
  refill_tokens: 500
  refill_period: 1m
replay:
  min_accepted_version: 3
  replay_window: 240h
  max_future_skew: 5m
  families:
    payments:
      min_accepted_version: 10
      replay_window: 24h
      max_future_skew: 1m
authz:
  environment_risk_mfa_threshold: 60
consistency:
  ryw_max_wait: 1s
`

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_acme.yaml", acmeProfile)

	p, err := config.LoadProfile(dir, "ACME")
	require.NoError(t, err)

	assert.Equal(t, "acme", p.Tenant)
	assert.Equal(t, 500, p.RateLimit.Capacity)
	assert.Equal(t, time.Minute, p.RateLimit.RefillPeriod.Std())
	assert.Equal(t, int64(3), p.Replay.MinAcceptedVersion)
	assert.Equal(t, int64(10), p.Replay.Families["payments"].MinAcceptedVersion)
	assert.Equal(t, 60, p.Authz.EnvironmentRiskMfaThreshold)
	assert.Equal(t, time.Second, p.Consistency.RywMaxWait.Std())
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := config.LoadProfile(t.TempDir(), "ghost")
	assert.Error(t, err)
}

func TestLoadProfileMalformed(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_bad.yaml", "rate_limit: [not, a, map]")

	_, err := config.LoadProfile(dir, "bad")
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_acme.yaml", acmeProfile)
	writeProfile(t, dir, "profile_umbrella.yaml", "rate_limit:\n  capacity: 10\n")

	profiles, err := config.LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	// The tenant name falls back to the filename when the body omits it.
	assert.Contains(t, profiles, "umbrella")
	assert.Equal(t, 10, profiles["umbrella"].RateLimit.Capacity)
}
