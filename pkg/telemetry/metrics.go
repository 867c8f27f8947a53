package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce        sync.Once
	metricsInitErr     error
	resolutionCounter  metric.Int64Counter
	decisionCounter    metric.Int64Counter
	resolveLatencyHist metric.Float64Histogram
)

// Resolution outcomes.
const (
	ResolutionOK        = "ok"
	ResolutionMalformed = "malformed"
)

// RecordResolution counts one resolver invocation and its latency.
func RecordResolution(ctx context.Context, outcome string, custom bool, duration time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("resolution.outcome", outcome),
		attribute.Bool("tenant.custom", custom),
	)
	resolutionCounter.Add(ctx, 1, attrs)
	if duration > 0 {
		resolveLatencyHist.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
	}
}

// RecordDecisionMetric counts one middleware decision by kind.
func RecordDecisionMetric(ctx context.Context, kind string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	decisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("decision.kind", kind)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)

		resolutionCounter, metricsInitErr = meter.Int64Counter(
			"edge.resolutions_total",
			metric.WithDescription("Tenant resolutions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		decisionCounter, metricsInitErr = meter.Int64Counter(
			"edge.decisions_total",
			metric.WithDescription("Edge middleware decisions partitioned by kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		resolveLatencyHist, metricsInitErr = meter.Float64Histogram(
			"edge.resolve.duration_ms",
			metric.WithDescription("Observed tenant resolution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
