// Package edge is the request gate in front of the shtcut web app.
//
// Every request is resolved to a tenant route context and checked against the
// tenant registry, the per-tenant rate limit and the routing policy. It is
// then redirected, rejected, rewritten to an internal path or passed through.
// Decide computes the outcome without writing a response; Wrap applies it.
package edge
