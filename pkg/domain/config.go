package domain

import (
	"fmt"
	"math"
	"time"
)

// Snapshot represents a point-in-time configuration state.
type Snapshot struct {
	Generation int64
	Tenancy    TenancyConfig
	Redirects  []RedirectRule
	Tenants    []Tenant
	Policy     PolicyConfig
	RateLimit  RateLimitConfig

	// SignInPath is validated as a sign-in form on POST. Empty disables it.
	SignInPath string
	// WaitUntilTimeout bounds post-response tasks. Zero selects the default.
	WaitUntilTimeout time.Duration

	// BaseDir resolves relative policy files.
	BaseDir   string
	Timestamp time.Time
}

// TenancyConfig controls how hosts and paths are turned into route contexts.
type TenancyConfig struct {
	BaseDomains   []string          `json:"baseDomains" yaml:"base_domains"`
	StripWWW      *bool             `json:"stripWWW" yaml:"strip_www"`
	Aliases       map[string]string `json:"aliases" yaml:"aliases"`
	AliasSuffixes map[string]string `json:"aliasSuffixes" yaml:"alias_suffixes"`
	KeySource     string            `json:"keySource" yaml:"key_source"`
	AppSubdomain  string            `json:"appSubdomain" yaml:"app_subdomain"`
	AppPrefix     string            `json:"appPrefix" yaml:"app_prefix"`
	// RequireRegisteredCustomDomains rejects custom hosts missing from the tenant store.
	RequireRegisteredCustomDomains bool `json:"requireRegisteredCustomDomains" yaml:"require_registered_custom_domains"`
}

// RedirectRule is a static redirect declared in configuration.
type RedirectRule struct {
	Source      string   `json:"source" yaml:"source"`
	Destination string   `json:"destination" yaml:"destination"`
	Permanent   bool     `json:"permanent" yaml:"permanent"`
	Domains     []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

// PolicyConfig describes the optional routing policy.
type PolicyConfig struct {
	Entrypoint      string            `json:"entrypoint" yaml:"entrypoint"`
	Modules         map[string]string `json:"modules" yaml:"modules"`
	Files           []string          `json:"files" yaml:"files"`
	CacheMaxEntries int               `json:"cacheMaxEntries" yaml:"cache_max_entries"`
}

// Enabled reports whether any rego source was configured.
func (p PolicyConfig) Enabled() bool {
	return len(p.Modules) > 0 || len(p.Files) > 0
}

// RateLimitConfig bounds the request rate of a single tenant domain. A zero
// rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// Upper bounds accepted for a rate limit.
const (
	MaxRequestsPerSecond = 1_000_000
	MaxBurst             = 1_000_000
)

// Enabled reports whether the configuration limits anything.
func (r RateLimitConfig) Enabled() bool {
	return r.RequestsPerSecond > 0
}

// Validate rejects negative, non-finite or out-of-range limits.
func (r RateLimitConfig) Validate() error {
	if math.IsNaN(r.RequestsPerSecond) || math.IsInf(r.RequestsPerSecond, 0) {
		return fmt.Errorf("%w: requests_per_second must be finite", ErrConfigInvalid)
	}
	if r.RequestsPerSecond < 0 || r.RequestsPerSecond > MaxRequestsPerSecond {
		return fmt.Errorf("%w: requests_per_second %v outside [0,%d]", ErrConfigInvalid, r.RequestsPerSecond, MaxRequestsPerSecond)
	}
	if r.Burst < 0 || r.Burst > MaxBurst {
		return fmt.Errorf("%w: burst %d outside [0,%d]", ErrConfigInvalid, r.Burst, MaxBurst)
	}
	return nil
}

// ConfigService defines the interface for configuration management.
type ConfigService interface {
	// CurrentSnapshot returns the current configuration.
	CurrentSnapshot() Snapshot

	// Subscribe to configuration changes.
	Subscribe() <-chan Snapshot
}
