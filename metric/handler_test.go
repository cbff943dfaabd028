package metric

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/captureflow/health"
)

func TestServer_Metrics(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordDisposition("nack_requeue")

	srv := httptest.NewServer(NewServer(0, "", registry, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `captureflow_pipeline_dispositions_total{disposition="nack_requeue"} 1`)
}

func TestServer_Health(t *testing.T) {
	monitor := health.NewMonitor()
	monitor.UpdateHealthy("consumer", "running")

	srv := httptest.NewServer(NewServer(0, "/m", NewMetricsRegistry(), monitor).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var status health.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, status.Healthy)

	monitor.UpdateUnhealthy("consumer", "halted")
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Defaults(t *testing.T) {
	s := NewServer(0, "", NewMetricsRegistry(), nil)
	assert.Equal(t, "http://localhost:9090/metrics", s.Address())
}
