package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sam-2707/EdgeQI-sub000/internal/bandwidth"
	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/logger"
	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
)

func testMonitoringConfig() *config.MonitoringConfig {
	return &config.MonitoringConfig{
		Enabled:     true,
		MetricsPath: "/metrics",
		MetricsPort: 0,
		HealthPath:  "/health",
	}
}

func testMeshConfig() *config.MeshConfig {
	return &config.MeshConfig{
		ListenPort:            4001,
		MaxConnections:        10,
		HeartbeatInterval:     30 * time.Second,
		CleanupInterval:       60 * time.Second,
		PeerDisconnectTimeout: 120 * time.Second,
		BroadcastTopic:        "edgeqi-test",
		DefaultTTL:            300 * time.Second,
	}
}

// newTestFabric builds a started substrate pair plus a sampled monitor.
func newTestFabric(t *testing.T) *Fabric {
	t.Helper()

	network := mesh.NewMemNetwork()
	log := logger.New()
	ctx := context.Background()

	subA := mesh.NewSubstrate("edge_A", network.Transport("edge_A"), testMeshConfig(), log)
	subB := mesh.NewSubstrate("edge_B", network.Transport("edge_B"), testMeshConfig(), log)
	require.NoError(t, subA.Start(ctx))
	require.NoError(t, subB.Start(ctx))
	require.NoError(t, subA.Connect(ctx, "edge_B", "mem"))

	prober := bandwidth.ProbeFunc(func(ctx context.Context) (bandwidth.Probe, error) {
		return bandwidth.Probe{
			AvailableMbps: 95,
			UsedMbps:      5,
			LatencyMs:     5,
			PacketLossPct: 0,
		}, nil
	})
	monitor := bandwidth.NewMonitor(prober, &config.BandwidthConfig{
		MaxBandwidthMbps: 100,
		SampleInterval:   time.Hour,
		HistorySize:      10,
	}, log)
	require.NoError(t, monitor.Sample(ctx))

	t.Cleanup(func() {
		subA.Stop()
		subB.Stop()
	})

	return &Fabric{Substrate: subA, Bandwidth: monitor}
}

func newTestService(t *testing.T) (*Service, http.Handler) {
	t.Helper()
	svc := NewService(testMonitoringConfig(), newTestFabric(t))
	return svc, svc.newHandler()
}

func getJSON(t *testing.T, handler http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealthEndpointReportsHealthy(t *testing.T) {
	_, handler := newTestService(t)

	code, body := getJSON(t, handler, "/health")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	checks, ok := body["checks"].([]interface{})
	require.True(t, ok)

	names := make(map[string]bool)
	for _, raw := range checks {
		check := raw.(map[string]interface{})
		names[check["name"].(string)] = true
	}
	assert.True(t, names["memory"])
	assert.True(t, names["goroutines"])
	assert.True(t, names["mesh"])
	assert.True(t, names["bandwidth"])
}

func TestHealthEndpointUnhealthyWithoutPeers(t *testing.T) {
	network := mesh.NewMemNetwork()
	log := logger.New()

	sub := mesh.NewSubstrate("edge_lonely", network.Transport("edge_lonely"), testMeshConfig(), log)
	require.NoError(t, sub.Start(context.Background()))
	t.Cleanup(func() { sub.Stop() })

	svc := NewService(testMonitoringConfig(), &Fabric{Substrate: sub})
	code, body := getJSON(t, svc.newHandler(), "/health")

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	svc, handler := newTestService(t)
	svc.collect()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mesh_connected_peers")
	assert.Contains(t, rec.Body.String(), "bandwidth_available_mbps")
}

func TestStatsEndpoint(t *testing.T) {
	_, handler := newTestService(t)

	code, body := getJSON(t, handler, "/stats")

	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "mesh")
}

func TestInfoEndpointCarriesNodeID(t *testing.T) {
	_, handler := newTestService(t)

	code, body := getJSON(t, handler, "/info")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "edge_A", body["node_id"])
	assert.Equal(t, "edgeqi", body["service"])
}

func TestBandwidthEndpoint(t *testing.T) {
	_, handler := newTestService(t)

	code, body := getJSON(t, handler, "/api/v1/bandwidth")

	assert.Equal(t, http.StatusOK, code)
	current, ok := body["current"].(map[string]interface{})
	require.True(t, ok)
	assert.InDelta(t, 95.0, current["available_mbps"], 0.001)
	assert.Equal(t, "excellent", current["condition"])
}

func TestPredictionEndpointValidatesHorizon(t *testing.T) {
	_, handler := newTestService(t)

	code, _ := getJSON(t, handler, "/api/v1/bandwidth/prediction?horizon_seconds=abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPredictionEndpointNeedsHistory(t *testing.T) {
	// One sample is not enough to fit a trend line.
	_, handler := newTestService(t)

	code, body := getJSON(t, handler, "/api/v1/bandwidth/prediction")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "samples")
}

func TestPeersEndpoint(t *testing.T) {
	_, handler := newTestService(t)

	code, body := getJSON(t, handler, "/api/v1/peers")

	assert.Equal(t, http.StatusOK, code)
	peers, ok := body["peers"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, peers, "edge_B")
}

func TestDisabledComponentsDegrade(t *testing.T) {
	svc := NewService(testMonitoringConfig(), &Fabric{})
	handler := svc.newHandler()

	code, body := getJSON(t, handler, "/api/v1/queues")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "queues")

	code, _ = getJSON(t, handler, "/api/v1/topology")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = getJSON(t, handler, "/api/v1/consensus/history")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCORSPreflight(t *testing.T) {
	_, handler := newTestService(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/queues", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServiceLifecycle(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.MetricsPort = 19733
	svc := NewService(cfg, newTestFabric(t))

	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
}
