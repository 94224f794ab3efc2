package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/OpenAgentsInc/commander/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRouterServesTelemetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := telemetry.NewMetricsSink(reg)
	require.NoError(t, err)
	telemetry.NewTracker(sink).Track("relay", "publish_ok")

	srv := httptest.NewServer(metricsRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `commander_telemetry_events_total{action="publish_ok",category="relay"} 1`)

	resp2, err := http.Post(srv.URL+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}
