package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the edge gateway.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Routing metrics
	resolutionsTotal *prometheus.CounterVec
	decisionsTotal   *prometheus.CounterVec
	redirectsTotal   *prometheus.CounterVec
	policyDecisions  *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec

	// Background work scheduled with Event.WaitUntil
	backgroundTasks *prometheus.CounterVec

	// Configuration metrics
	configReloads    *prometheus.CounterVec
	configGeneration prometheus.Gauge
	tenantsLoaded    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by a private registry. The Go
// runtime and process collectors are registered alongside the gateway metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_http_requests_total",
				Help: "Total number of HTTP requests by plane, method and status",
			},
			[]string{"plane", "method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plane", "method", "endpoint"},
		),

		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_resolutions_total",
				Help: "Total number of tenant resolutions by outcome",
			},
			[]string{"outcome", "custom"},
		),

		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_decisions_total",
				Help: "Total number of middleware decisions by kind",
			},
			[]string{"kind", "code"},
		),

		redirectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_redirects_total",
				Help: "Total number of redirects issued by source pattern",
			},
			[]string{"source", "status_code"},
		),

		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_policy_decisions_total",
				Help: "Total number of policy evaluations by action",
			},
			[]string{"action"},
		),

		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_rate_limited_total",
				Help: "Total number of requests rejected by the per-tenant rate limit",
			},
			[]string{"custom"},
		),

		backgroundTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_background_tasks_total",
				Help: "Total number of post-response tasks by status",
			},
			[]string{"status"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		configGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "edge_config_generation",
				Help: "Generation of the active configuration snapshot",
			},
		),

		tenantsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "edge_tenants_loaded",
				Help: "Number of registered tenants in the active snapshot",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.resolutionsTotal,
		m.decisionsTotal,
		m.redirectsTotal,
		m.policyDecisions,
		m.rateLimited,
		m.backgroundTasks,
		m.configReloads,
		m.configGeneration,
		m.tenantsLoaded,
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(plane, method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(plane, method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(plane, method, endpoint).Observe(duration.Seconds())
}

// RecordResolution records one resolver outcome.
func (m *Metrics) RecordResolution(outcome string, custom bool) {
	m.resolutionsTotal.WithLabelValues(outcome, strconv.FormatBool(custom)).Inc()
}

// RecordDecision records a middleware decision. code is the error code for
// rejections and empty otherwise.
func (m *Metrics) RecordDecision(kind, code string) {
	m.decisionsTotal.WithLabelValues(kind, code).Inc()
}

// RecordRedirect records a redirect issued for the rule with the given source.
func (m *Metrics) RecordRedirect(source string, statusCode int) {
	m.redirectsTotal.WithLabelValues(source, strconv.Itoa(statusCode)).Inc()
}

// RecordPolicyDecision records a policy evaluation outcome.
func (m *Metrics) RecordPolicyDecision(action string) {
	m.policyDecisions.WithLabelValues(action).Inc()
}

// RecordRateLimited records a request rejected by the tenant rate limit.
func (m *Metrics) RecordRateLimited(custom bool) {
	m.rateLimited.WithLabelValues(strconv.FormatBool(custom)).Inc()
}

// RecordBackgroundTask records the completion of a post-response task.
func (m *Metrics) RecordBackgroundTask(status string) {
	m.backgroundTasks.WithLabelValues(status).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// SetActiveConfig publishes the generation and tenant count of the applied snapshot.
func (m *Metrics) SetActiveConfig(generation int64, tenants int) {
	m.configGeneration.Set(float64(generation))
	m.tenantsLoaded.Set(float64(tenants))
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware returns HTTP middleware that records request metrics under
// the given plane label ("data" or "admin").
func (m *Metrics) MetricsMiddleware(plane string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			endpoint := "tenant"
			if plane != "data" {
				endpoint = getEndpointName(r.URL.Path)
			}
			m.RecordHTTPRequest(plane, r.Method, endpoint, strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// getEndpointName extracts a normalized endpoint name from an admin path
func getEndpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	case "/debug/resolve":
		return "resolve"
	case "/debug/redirects":
		return "redirects"
	case "/debug/config":
		return "config"
	case "/debug/tenants":
		return "tenants"
	case "/debug/lookups":
		return "lookups"
	case "/debug/ratelimits":
		return "ratelimits"
	default:
		return "unknown"
	}
}
