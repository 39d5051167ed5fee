package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type readiness bool

func (r readiness) Ready() bool { return bool(r) }

func TestMetricsServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "node-1")
	m.RecordAckReceived()

	tests := []struct {
		name     string
		path     string
		ready    bool
		wantCode int
		wantBody string
	}{
		{name: "health", path: "/health", ready: false, wantCode: http.StatusOK, wantBody: `"status":"healthy"`},
		{name: "ready", path: "/ready", ready: true, wantCode: http.StatusOK, wantBody: `"status":"ready"`},
		{name: "not ready", path: "/ready", ready: false, wantCode: http.StatusServiceUnavailable, wantBody: `"status":"not_ready"`},
		{name: "metrics", path: "/metrics", ready: true, wantCode: http.StatusOK, wantBody: "pairdb_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMetricsServer(&MetricsServerConfig{Port: 0, NodeID: "node-1"}, reg, readiness(tt.ready), zap.NewNop())

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestMetricsServer_ProbeCarriesNodeID(t *testing.T) {
	s := NewMetricsServer(&MetricsServerConfig{NodeID: "node-7"}, prometheus.NewRegistry(), nil, zap.NewNop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))

	var body probeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "node-7", body.NodeID)
}
