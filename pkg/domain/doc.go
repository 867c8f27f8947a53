// Package domain defines the request, route and configuration types shared by
// the edge gateway packages.
//
// The package depends on the standard library only. Route contexts, redirect
// rules and snapshots are plain values: once built they are never mutated and
// may be shared across requests.
//
// The tenant, redirect, edge, storage and policy packages implement the
// interfaces declared here. Imports always point towards domain, never away
// from it.
package domain
