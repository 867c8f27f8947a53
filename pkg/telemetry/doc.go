// Package telemetry wires OpenTelemetry tracing, OpenTelemetry meters and the
// Prometheus registry for the edge gateway.
//
// It centralises trace provider setup, applies gateway resource attributes,
// and offers enrichment helpers that attach the resolved tenant, routing key
// and policy outcome to spans so operators can correlate routing decisions
// with downstream behaviour.
package telemetry
