// Package tenant turns incoming requests into route contexts for a
// multi-tenant deployment.
//
// A Resolver is built once from an immutable Config and then used
// concurrently: it strips configured base domains from the host to find
// the tenant, normalizes the path and derives the routing keys that
// redirect and rewrite logic key off. Resolution never touches the
// network, storage or the clock, so it is safe on the hot path of every
// request.
package tenant
