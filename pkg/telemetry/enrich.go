package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shtcut/edge/pkg/domain"
	"github.com/shtcut/edge/pkg/policy"
)

// RouteAttributes converts a route context into span attributes. The full
// path is left out because query strings may carry user data.
func RouteAttributes(rc domain.RouteContext) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("edge.tenant.domain", rc.Domain),
		attribute.String("edge.tenant.host", rc.Host),
		attribute.String("edge.route.path", rc.Path),
		attribute.String("edge.route.key", rc.Key),
		attribute.Bool("edge.tenant.apex", rc.Apex),
		attribute.Bool("edge.tenant.custom", rc.Custom),
	}
}

// RecordRouteContext annotates span with the resolved route.
func RecordRouteContext(span trace.Span, rc domain.RouteContext) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(RouteAttributes(rc)...)
}

// RecordResolveError marks span as failed because the request could not be resolved.
func RecordResolveError(span trace.Span, err error) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "route resolution failed")
}

// RecordDecision records the middleware outcome on span.
func RecordDecision(span trace.Span, kind string, status int) {
	if span == nil || !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("edge.decision", kind)}
	if status != 0 {
		attrs = append(attrs, attribute.Int("edge.decision.status", status))
	}
	span.SetAttributes(attrs...)
}

// RecordPolicyDecision annotates the provided span with the policy decision outcome.
func RecordPolicyDecision(span trace.Span, decision policy.Decision) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("policy.decision.action", string(decision.Action)))

	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", decision.Reason))
	}

	for key, value := range decision.Metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("policy."+key, value))
	}

	if decision.Action == policy.ActionBlock {
		span.AddEvent("policy.blocked")
	}
}
