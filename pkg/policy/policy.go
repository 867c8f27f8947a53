package policy

import (
	"context"

	"github.com/shtcut/edge/pkg/domain"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the request to proceed.
	ActionAllow Action = "allow"
	// ActionBlock terminates the request.
	ActionBlock Action = "block"
)

// Decision captures the result of a policy evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Allowed reports whether the decision lets the request through.
func (d Decision) Allowed() bool {
	return d.Action != ActionBlock
}

// Input provides context for policy evaluation.
type Input struct {
	Route        domain.RouteContext
	Method       string
	Generation   string
	Entrypoint   string
	DisableCache bool
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// AllowAll is a Filter that permits every request.
type AllowAll struct{}

// Evaluate always returns ActionAllow.
func (AllowAll) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}
