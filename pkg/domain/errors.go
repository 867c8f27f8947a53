package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrTenantDisabled   = errors.New("tenant disabled")
	ErrPolicyDenied     = errors.New("policy denied request")
	ErrPolicyEvalFailed = errors.New("policy evaluation failed")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// Machine-readable error codes returned in ErrorResponse.
const (
	CodeMalformedRequest  = "MALFORMED_REQUEST"
	CodeUnknownTenant     = "UNKNOWN_TENANT"
	CodeTenantDisabled    = "TENANT_DISABLED"
	CodePolicyDenied      = "POLICY_DENIED"
	CodePolicyUnavailable = "POLICY_UNAVAILABLE"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeUpstreamFailed    = "UPSTREAM_UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

// MalformedRequestError reports an incoming request that cannot be resolved
// into a route context. Field names the request part at fault ("host", "path").
type MalformedRequestError struct {
	Field  string
	Value  string
	Reason string
}

func (e *MalformedRequestError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("malformed request: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed request: %s %q %s", e.Field, e.Value, e.Reason)
}

// Is lets errors.Is match ErrMalformedRequest.
func (e *MalformedRequestError) Is(target error) bool {
	return target == ErrMalformedRequest
}

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the standard JSON error model returned by the data plane and admin API.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code      string              `json:"code"`                 // Machine-readable error code (e.g., MALFORMED_REQUEST)
	Message   string              `json:"message"`              // Human-readable message (safe for logs)
	TraceID   string              `json:"trace_id,omitempty"`   // Optional trace/correlation ID
	RequestID string              `json:"request_id,omitempty"` // Request ID echoed in X-Request-ID
	Fields    map[string][]string `json:"fields,omitempty"`     // Per-field validation messages
}
