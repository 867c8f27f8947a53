// Package config provides configuration structures and loading logic for the edge gateway.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shtcut/edge/pkg/domain"
	"github.com/shtcut/edge/pkg/redirect"
	"github.com/shtcut/edge/pkg/tenant"
)

// Default listener addresses.
const (
	DefaultDataAddress  = ":8080"
	DefaultAdminAddress = ":19090"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Edge      EdgeConfig      `yaml:"edge"`

	Tenancy domain.TenancyConfig `yaml:"tenancy"`
	// DefaultRedirects keeps the built-in landing and dashboard redirects
	// ahead of the configured ones. Nil means enabled.
	DefaultRedirects *bool                 `yaml:"default_redirects"`
	Redirects        []domain.RedirectRule `yaml:"redirects"`
	Tenants          []domain.Tenant       `yaml:"tenants"`
	Policy           domain.PolicyConfig   `yaml:"policy"`
	// RateLimit is the default per-tenant limit; tenants may override it.
	RateLimit domain.RateLimitConfig `yaml:"rate_limit"`

	// Dir is the directory of the loaded file, used for relative policy files.
	Dir string `yaml:"-"`
}

// ServerConfig holds configuration for the HTTP servers. UpstreamURL is the
// web app requests are proxied to after the edge decision; when empty the data
// plane answers with the resolved route as JSON.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	DataAddress     string        `yaml:"data_address"`
	UpstreamURL     string        `yaml:"upstream_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
	SampleRatio  float64           `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// EdgeConfig tunes the request middleware. SignInPath and WaitUntilTimeout
// follow hot reloads; LookupStatsLimit applies at startup only.
type EdgeConfig struct {
	SignInPath       string        `yaml:"sign_in_path"`
	WaitUntilTimeout time.Duration `yaml:"wait_until_timeout"`
	LookupStatsLimit int           `yaml:"lookup_stats_limit"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    DefaultAdminAddress,
			DataAddress:     DefaultDataAddress,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "shtcut-edge",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Edge: EdgeConfig{
			SignInPath:       "/api/auth/sign-in",
			WaitUntilTimeout: 5 * time.Second,
			LookupStatsLimit: 10000,
		},
		Tenancy: domain.TenancyConfig{
			AppSubdomain: "app",
			AppPrefix:    "/app",
			KeySource:    string(tenant.KeyFromPath),
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if abs, err := filepath.Abs(path); err == nil {
			cfg.Dir = filepath.Dir(abs)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("EDGE_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("EDGE_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}

	if val := os.Getenv("EDGE_UPSTREAM_URL"); val != "" {
		cfg.Server.UpstreamURL = val
	}

	if val := os.Getenv("EDGE_SERVICE_NAME"); val != "" {
		cfg.Telemetry.ServiceName = val
	}
	if val := os.Getenv("EDGE_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}
	if val := os.Getenv("EDGE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("EDGE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("EDGE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("EDGE_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("EDGE_BASE_DOMAINS"); val != "" {
		cfg.Tenancy.BaseDomains = splitList(val)
	}
	if val := os.Getenv("EDGE_APP_SUBDOMAIN"); val != "" {
		cfg.Tenancy.AppSubdomain = val
	}
	if val := os.Getenv("EDGE_KEY_SOURCE"); val != "" {
		cfg.Tenancy.KeySource = val
	}
	if val := os.Getenv("EDGE_STRIP_WWW"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Tenancy.StripWWW = &b
		}
	}
	if val := os.Getenv("EDGE_REQUIRE_REGISTERED_DOMAINS"); val == "true" {
		cfg.Tenancy.RequireRegisteredCustomDomains = true
	}

	if val := os.Getenv("EDGE_SIGN_IN_PATH"); val != "" {
		cfg.Edge.SignInPath = val
	}
	if val := os.Getenv("EDGE_WAIT_UNTIL_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Edge.WaitUntilTimeout = d
		}
	}

	if val := os.Getenv("EDGE_RATE_LIMIT_RPS"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = f
		}
	}
	if val := os.Getenv("EDGE_RATE_LIMIT_BURST"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.RateLimit.Burst = n
		}
	}
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Edge.Validate(); err != nil {
		return fmt.Errorf("edge configuration: %w", err)
	}

	if err := tenant.ConfigFromDomain(c.Tenancy).Validate(); err != nil {
		return fmt.Errorf("tenancy configuration: %w", err)
	}

	if _, err := redirect.New(c.RedirectRules()); err != nil {
		return fmt.Errorf("redirect configuration: %w", err)
	}

	if err := validateTenants(c.Tenants); err != nil {
		return fmt.Errorf("tenant configuration: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration: %w", err)
	}

	if c.Policy.CacheMaxEntries < 0 {
		return fmt.Errorf("policy configuration: %w: cache_max_entries must not be negative", domain.ErrConfigInvalid)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = DefaultAdminAddress
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = DefaultDataAddress
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	if c.AdminAddress == c.DataAddress {
		return fmt.Errorf("%w: admin_address and data_address must differ (both %q)", domain.ErrConfigInvalid, c.DataAddress)
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: upstream_url %q must be an absolute http(s) URL", domain.ErrConfigInvalid, c.UpstreamURL)
		}
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", domain.ErrConfigInvalid)
	}

	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "shtcut-edge"
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("%w: sample_ratio %v outside [0,1]", domain.ErrConfigInvalid, c.SampleRatio)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of middleware settings
func (c *EdgeConfig) Validate() error {
	if c.SignInPath != "" && !strings.HasPrefix(c.SignInPath, "/") {
		return fmt.Errorf("%w: sign_in_path %q must start with /", domain.ErrConfigInvalid, c.SignInPath)
	}
	if c.WaitUntilTimeout < 0 {
		return fmt.Errorf("%w: wait_until_timeout must not be negative", domain.ErrConfigInvalid)
	}
	if c.LookupStatsLimit < 0 {
		return fmt.Errorf("%w: lookup_stats_limit must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

func validateTenants(tenants []domain.Tenant) error {
	seen := make(map[string]struct{}, len(tenants))
	var errs []error
	for i, t := range tenants {
		key := strings.ToLower(strings.TrimSpace(t.Domain))
		if key == "" {
			errs = append(errs, fmt.Errorf("%w: tenant %d has no domain", domain.ErrConfigInvalid, i))
			continue
		}
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate tenant domain %q", domain.ErrConfigInvalid, t.Domain))
			continue
		}
		seen[key] = struct{}{}
		if t.Rewrite != "" && !strings.HasPrefix(t.Rewrite, "/") {
			errs = append(errs, fmt.Errorf("%w: tenant %q rewrite %q must start with /", domain.ErrConfigInvalid, t.Domain, t.Rewrite))
		}
		if t.RateLimit != nil {
			if err := t.RateLimit.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("tenant %q: %w", t.Domain, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RedirectRules returns the effective redirect rules in match order.
func (c *Config) RedirectRules() []domain.RedirectRule {
	var rules []domain.RedirectRule
	if c.DefaultRedirects == nil || *c.DefaultRedirects {
		rules = append(rules, redirect.DefaultRules()...)
	}
	return append(rules, c.Redirects...)
}

// Snapshot converts the configuration into the routing snapshot consumed by
// the middleware.
func (c *Config) Snapshot(generation int64) domain.Snapshot {
	tenants := make([]domain.Tenant, len(c.Tenants))
	copy(tenants, c.Tenants)

	return domain.Snapshot{
		Generation: generation,
		Tenancy:    c.Tenancy,
		Redirects:  c.RedirectRules(),
		Tenants:    tenants,
		Policy:     c.Policy,
		RateLimit:  c.RateLimit,

		SignInPath:       c.Edge.SignInPath,
		WaitUntilTimeout: c.Edge.WaitUntilTimeout,

		BaseDir:   c.Dir,
		Timestamp: time.Now().UTC(),
	}
}
