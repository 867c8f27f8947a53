package domain

import "context"

// Tenant is a registered customer domain known to the gateway.
type Tenant struct {
	Domain   string `json:"domain" yaml:"domain"`
	Name     string `json:"name" yaml:"name"`
	Disabled bool   `json:"disabled" yaml:"disabled"`
	// Rewrite prefixes every path of the tenant with the given internal path.
	Rewrite string `json:"rewrite,omitempty" yaml:"rewrite,omitempty"`
	// RateLimit overrides the default per-tenant rate limit.
	RateLimit *RateLimitConfig `json:"rateLimit,omitempty" yaml:"rate_limit,omitempty"`
}

// TenantStore provides read-mostly access to registered tenants.
type TenantStore interface {
	Get(ctx context.Context, domain string) (Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	Replace(ctx context.Context, tenants []Tenant) error
}

// Lookup outcome constants
const (
	OutcomeRedirected  = "redirected"
	OutcomeRewritten   = "rewritten"
	OutcomeRejected    = "rejected"
	OutcomePassthrough = "passthrough"
)

// LookupStats records how routing keys were handled.
type LookupStats interface {
	RecordLookup(ctx context.Context, fullKey, outcome string) error
}
