package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shtcut/edge/pkg/domain"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "edge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultDataAddress, cfg.Server.DataAddress)
	assert.Equal(t, DefaultAdminAddress, cfg.Server.AdminAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "shtcut-edge", cfg.Telemetry.ServiceName)
	assert.Equal(t, "app", cfg.Tenancy.AppSubdomain)
	assert.Equal(t, "/api/auth/sign-in", cfg.Edge.SignInPath)

	rules := cfg.RedirectRules()
	require.Len(t, rules, 2)
	assert.Equal(t, "/", rules[0].Source)
	assert.Equal(t, "/landing", rules[0].Destination)
	assert.True(t, rules[0].Permanent)
	assert.Equal(t, "/app", rules[1].Source)
	assert.Equal(t, "/app/dashboard", rules[1].Destination)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  data_address: ":8081"
logging:
  level: DEBUG
tenancy:
  base_domains: [shtcut.link, shtcut.com]
  strip_www: false
  aliases:
    localhost:8888: shtcut.link
  key_source: path
  require_registered_custom_domains: true
redirects:
  - source: /docs/:slug*
    destination: https://docs.shtcut.link/:slug*
    permanent: false
tenants:
  - domain: acme.com
    name: Acme
    rewrite: /custom/acme
    rate_limit:
      requests_per_second: 50
      burst: 100
rate_limit:
  requests_per_second: 10
policy:
  files: [routing.rego]
edge:
  sign_in_path: /login
  wait_until_timeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Server.DataAddress)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"shtcut.link", "shtcut.com"}, cfg.Tenancy.BaseDomains)
	require.NotNil(t, cfg.Tenancy.StripWWW)
	assert.False(t, *cfg.Tenancy.StripWWW)
	assert.True(t, cfg.Tenancy.RequireRegisteredCustomDomains)
	assert.Equal(t, dir, cfg.Dir)

	rules := cfg.RedirectRules()
	require.Len(t, rules, 3)
	assert.Equal(t, "/docs/:slug*", rules[2].Source)

	snap := cfg.Snapshot(4)
	assert.Equal(t, int64(4), snap.Generation)
	assert.Equal(t, dir, snap.BaseDir)
	require.Len(t, snap.Tenants, 1)
	assert.Equal(t, "/custom/acme", snap.Tenants[0].Rewrite)
	require.NotNil(t, snap.Tenants[0].RateLimit)
	assert.Equal(t, domain.RateLimitConfig{RequestsPerSecond: 50, Burst: 100}, *snap.Tenants[0].RateLimit)
	assert.Equal(t, 10.0, snap.RateLimit.RequestsPerSecond)
	assert.True(t, snap.RateLimit.Enabled())
	assert.True(t, snap.Policy.Enabled())
	assert.Equal(t, "/login", snap.SignInPath)
	assert.Equal(t, 2*time.Second, snap.WaitUntilTimeout)
	assert.False(t, snap.Timestamp.IsZero())
}

func TestLoadDisableDefaultRedirects(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "default_redirects: false\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.RedirectRules())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EDGE_DATA_ADDR", ":9000")
	t.Setenv("EDGE_ADMIN_ADDR", ":9001")
	t.Setenv("EDGE_UPSTREAM_URL", "http://localhost:3000")
	t.Setenv("EDGE_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("EDGE_OTLP_INSECURE", "true")
	t.Setenv("EDGE_LOG_LEVEL", "warn")
	t.Setenv("EDGE_LOG_PRETTY", "true")
	t.Setenv("EDGE_BASE_DOMAINS", "shtcut.link, ,shtcut.com")
	t.Setenv("EDGE_STRIP_WWW", "false")
	t.Setenv("EDGE_KEY_SOURCE", "subdomain")
	t.Setenv("EDGE_REQUIRE_REGISTERED_DOMAINS", "true")
	t.Setenv("EDGE_WAIT_UNTIL_TIMEOUT", "250ms")
	t.Setenv("EDGE_RATE_LIMIT_RPS", "2.5")
	t.Setenv("EDGE_RATE_LIMIT_BURST", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.DataAddress)
	assert.Equal(t, ":9001", cfg.Server.AdminAddress)
	assert.Equal(t, "http://localhost:3000", cfg.Server.UpstreamURL)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.Equal(t, []string{"shtcut.link", "shtcut.com"}, cfg.Tenancy.BaseDomains)
	require.NotNil(t, cfg.Tenancy.StripWWW)
	assert.False(t, *cfg.Tenancy.StripWWW)
	assert.Equal(t, "subdomain", cfg.Tenancy.KeySource)
	assert.True(t, cfg.Tenancy.RequireRegisteredCustomDomains)
	assert.Equal(t, 250*time.Millisecond, cfg.Edge.WaitUntilTimeout)
	assert.Equal(t, domain.RateLimitConfig{RequestsPerSecond: 2.5, Burst: 5}, cfg.RateLimit)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		invalid bool
	}{
		{name: "log level", content: "logging:\n  level: loud\n"},
		{name: "same addresses", content: "server:\n  data_address: \":80\"\n  admin_address: \":80\"\n", invalid: true},
		{name: "upstream url", content: "server:\n  upstream_url: localhost:3000\n", invalid: true},
		{name: "sample ratio", content: "telemetry:\n  sample_ratio: 2\n", invalid: true},
		{name: "key source", content: "tenancy:\n  key_source: cookie\n", invalid: true},
		{name: "redirect source", content: "redirects:\n  - source: docs\n    destination: /d\n", invalid: true},
		{name: "redirect param", content: "redirects:\n  - source: /a\n    destination: /b/:missing\n", invalid: true},
		{name: "tenant domain", content: "tenants:\n  - name: nobody\n", invalid: true},
		{name: "duplicate tenant", content: "tenants:\n  - domain: acme.com\n  - domain: ACME.com\n", invalid: true},
		{name: "tenant rewrite", content: "tenants:\n  - domain: acme.com\n    rewrite: custom\n", invalid: true},
		{name: "sign-in path", content: "edge:\n  sign_in_path: login\n", invalid: true},
		{name: "rate limit", content: "rate_limit:\n  requests_per_second: -1\n", invalid: true},
		{name: "infinite rate limit", content: "rate_limit:\n  requests_per_second: .inf\n", invalid: true},
		{name: "nan rate limit", content: "rate_limit:\n  requests_per_second: .nan\n", invalid: true},
		{name: "huge rate limit", content: "rate_limit:\n  requests_per_second: 1e12\n", invalid: true},
		{name: "tenant rate limit", content: "tenants:\n  - domain: acme.com\n    rate_limit:\n      burst: -2\n", invalid: true},
		{name: "policy cache", content: "policy:\n  cache_max_entries: -1\n", invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			require.Error(t, err)
			if tt.invalid {
				assert.True(t, errors.Is(err, domain.ErrConfigInvalid), "expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server: [\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}
