package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsMiddlewareCapturesStatus(t *testing.T) {
	m := NewMetrics()

	handler := m.MetricsMiddleware("data")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPermanentRedirect)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://shtcut.link/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("data", http.MethodGet, "tenant", "308")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("data", http.MethodGet, "tenant", "500")))
}

func TestMetricsMiddlewareAdminEndpoints(t *testing.T) {
	m := NewMetrics()
	handler := m.MetricsMiddleware("admin")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/healthz", "/debug/resolve", "/nope"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("admin", http.MethodGet, "healthz", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("admin", http.MethodGet, "resolve", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("admin", http.MethodGet, "unknown", "200")))
}

func TestMetricsRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordResolution("ok", false)
	m.RecordDecision("reject", "UNKNOWN_TENANT")
	m.RecordRedirect("/", http.StatusPermanentRedirect)
	m.RecordPolicyDecision("allow")
	m.RecordBackgroundTask("ok")
	m.RecordConfigReload("success")
	m.SetActiveConfig(3, 7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("ok", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("reject", "UNKNOWN_TENANT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.redirectsTotal.WithLabelValues("/", "308")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.policyDecisions.WithLabelValues("allow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backgroundTasks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.configReloads.WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.configGeneration))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.tenantsLoaded))
}

func TestMetricsHandlerExposition(t *testing.T) {
	m := NewMetrics()
	m.RecordConfigReload("success")

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `edge_config_reloads_total{status="success"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
