package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podpilot/podpilot/internal/metrics"
)

func counterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func TestConnectedAgentsGauge(t *testing.T) {
	before := gaugeValue(t, metrics.ConnectedAgents)
	metrics.ConnectedAgents.Inc()
	assert.Equal(t, before+1, gaugeValue(t, metrics.ConnectedAgents))
	metrics.ConnectedAgents.Dec()
	assert.Equal(t, before, gaugeValue(t, metrics.ConnectedAgents))
}

func TestHTTPMiddleware_RecordsRequest(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := counterValue(t, metrics.HTTPRequestsTotal, http.MethodGet, "/health", "418")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, counterValue(t, metrics.HTTPRequestsTotal, http.MethodGet, "/health", "418"))
}

func TestRegistrationsTotal_Labels(t *testing.T) {
	before := counterValue(t, metrics.RegistrationsTotal, metrics.OutcomeAccepted)
	metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	assert.Equal(t, before+1, counterValue(t, metrics.RegistrationsTotal, metrics.OutcomeAccepted))
}
