package metrics_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi/hub/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func getHistogramCount(t *testing.T, hist *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

// --- RPC instrumentation tests ---

func TestInstrumentRPC_RecordsOk(t *testing.T) {
	wrapped := metrics.InstrumentRPC(func(ctx context.Context, method string, params any) (any, error) {
		return "ok", nil
	})

	before := getCounterValue(t, metrics.RPCRequestsTotal, "session.sendMessage", "ok")
	beforeHist := getHistogramCount(t, metrics.RPCRequestDuration, "session.sendMessage")

	result, err := wrapped(context.Background(), "session.sendMessage", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	after := getCounterValue(t, metrics.RPCRequestsTotal, "session.sendMessage", "ok")
	afterHist := getHistogramCount(t, metrics.RPCRequestDuration, "session.sendMessage")
	assert.Equal(t, float64(1), after-before)
	assert.Equal(t, uint64(1), afterHist-beforeHist)
}

func TestInstrumentRPC_RecordsError(t *testing.T) {
	wrapped := metrics.InstrumentRPC(func(ctx context.Context, method string, params any) (any, error) {
		return nil, errors.New("boom")
	})

	before := getCounterValue(t, metrics.RPCRequestsTotal, "session.abort", "error")

	_, err := wrapped(context.Background(), "session.abort", nil)
	assert.Error(t, err)

	after := getCounterValue(t, metrics.RPCRequestsTotal, "session.abort", "error")
	assert.Equal(t, float64(1), after-before)
}

// --- HTTP Middleware tests ---

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	beforeHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	resp, err := http.Get(server.URL + "/some/asset.js")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	afterHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	assert.Equal(t, float64(1), afterCount-beforeCount)
	assert.Equal(t, uint64(1), afterHistCount-beforeHistCount)
}

func TestHTTPMiddleware_NormalizesPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	// Per-id API paths should collapse to their route template.
	beforeID := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions/:id", "200")
	resp, err := http.Get(server.URL + "/api/sessions/abc123")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterID := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions/:id", "200")
	assert.Equal(t, float64(1), afterID-beforeID)

	// /metrics path should be kept as-is.
	beforeMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), afterMetrics-beforeMetrics)

	// Everything else groups under /other.
	beforeOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	resp, err = http.Get(server.URL + "/assets/bundle.js")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	assert.Equal(t, float64(1), afterOther-beforeOther)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")
	assert.Equal(t, float64(1), afterCount-beforeCount)
}

// --- Business gauge tests ---

func TestActiveRunnersGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveRunners)
	metrics.ActiveRunners.Inc()
	after := getGaugeValue(t, metrics.ActiveRunners)
	assert.Equal(t, float64(1), after-before)

	metrics.ActiveRunners.Dec()
	afterDec := getGaugeValue(t, metrics.ActiveRunners)
	assert.Equal(t, before, afterDec)
}

func TestActiveSessionsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveSessions)
	metrics.ActiveSessions.Inc()
	after := getGaugeValue(t, metrics.ActiveSessions)
	assert.Equal(t, float64(1), after-before)

	metrics.ActiveSessions.Dec()
	afterDec := getGaugeValue(t, metrics.ActiveSessions)
	assert.Equal(t, before, afterDec)
}

func TestThinkingSessionsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ThinkingSessions)
	metrics.ThinkingSessions.Inc()
	after := getGaugeValue(t, metrics.ThinkingSessions)
	assert.Equal(t, float64(1), after-before)

	metrics.ThinkingSessions.Dec()
	afterDec := getGaugeValue(t, metrics.ThinkingSessions)
	assert.Equal(t, before, afterDec)
}

// --- Registry test ---

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
