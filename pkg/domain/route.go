package domain

import (
	"net/http"
	"strings"
)

// IncomingRequest is the read-only request descriptor handed to the tenant resolver.
type IncomingRequest struct {
	Host     string
	Path     string
	RawQuery string
	Method   string
	Header   http.Header
}

// FromHTTP builds an IncomingRequest from an HTTP request. The Host field prefers
// r.Host and falls back to the Host header, then the absolute request URL.
func FromHTTP(r *http.Request) IncomingRequest {
	host := strings.TrimSpace(r.Host)
	if host == "" {
		host = strings.TrimSpace(r.Header.Get("Host"))
	}
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}

	req := IncomingRequest{
		Host:   host,
		Method: r.Method,
		Header: r.Header,
	}
	if r.URL != nil {
		req.Path = r.URL.EscapedPath()
		req.RawQuery = r.URL.RawQuery
	}
	return req
}

// RouteContext is the resolved, immutable description of where a request is headed.
//
// Domain is the tenant identifier (subdomain label, base domain for apex hosts,
// or the full custom host). FullPath is Domain joined with Path and the query.
// Key is the routing key and FullKey the tenant-qualified lookup key.
type RouteContext struct {
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	FullPath string `json:"fullPath"`
	Key      string `json:"key"`
	FullKey  string `json:"fullKey"`

	Host   string `json:"host"`
	Apex   bool   `json:"apex,omitempty"`
	Custom bool   `json:"custom,omitempty"`
}

// Segments returns the non-empty path segments of the route.
func (rc RouteContext) Segments() []string {
	trimmed := strings.Trim(rc.Path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
