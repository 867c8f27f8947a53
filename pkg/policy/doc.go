// Package policy integrates the Open Policy Agent (OPA) engine with the edge
// gateway, evaluating Rego routing policies against resolved route contexts.
//
// Policies receive the tenant domain, path and routing keys of a request and
// answer allow or block. Compiled queries and recent decisions are cached;
// a configuration reload builds a fresh Engine rather than mutating one in
// place. The package is decoupled from HTTP so policies can be tested
// without a server.
package policy
