// Package governance holds the runtime safety controls of the edge data
// plane. It currently provides per-tenant rate limiting keyed by the resolved
// tenant domain, reconfigured in place on every configuration reload.
package governance
