package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sam-2707/EdgeQI-sub000/internal/bandwidth"
	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/consensus"
	"github.com/sam-2707/EdgeQI-sub000/internal/fusion"
	"github.com/sam-2707/EdgeQI-sub000/internal/logger"
	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
	"github.com/sam-2707/EdgeQI-sub000/internal/transfer"
)

func testCoordinatorConfig() *config.CoordinatorConfig {
	return &config.CoordinatorConfig{
		Role:                 "follower",
		TopologyInterval:     time.Hour,
		FaultCheckInterval:   time.Hour,
		PerformanceInterval:  time.Hour,
		LoadBalanceInterval:  time.Hour,
		EmergencyRadiusUnits: 1000,
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

// newCoordinatorPair builds two substrate-only coordinators linked over a
// MemNetwork.
func newCoordinatorPair(t *testing.T) (*Coordinator, *Coordinator) {
	t.Helper()

	network := mesh.NewMemNetwork()
	log := logger.New()
	ctx := context.Background()

	subA := mesh.NewSubstrate("A", network.Transport("A"), testMeshConfig(), log)
	subB := mesh.NewSubstrate("B", network.Transport("B"), testMeshConfig(), log)

	a := New(subA, nil, nil, nil, nil, testCoordinatorConfig(), log)
	b := New(subB, nil, nil, nil, nil, testCoordinatorConfig(), log)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})

	require.NoError(t, subA.Connect(ctx, "B", "mem"))
	require.NoError(t, subB.Connect(ctx, "A", "mem"))
	return a, b
}

func TestLoadBalancingCoordination(t *testing.T) {
	a, b := newCoordinatorPair(t)
	b.SetLoadFunc(func() float64 { return 0.3 })

	response, err := a.RequestCoordination(context.Background(), "B", CoordLoadBalancing,
		map[string]interface{}{"requested_capacity": 0.5}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, response["accepted"])
	assert.InDelta(t, 0.7, response["available_capacity"].(float64), 1e-9)

	response, err = a.RequestCoordination(context.Background(), "B", CoordLoadBalancing,
		map[string]interface{}{"requested_capacity": 0.9}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, false, response["accepted"])
}

func TestEmergencyResponseCoordination(t *testing.T) {
	a, b := newCoordinatorPair(t)
	b.SetPosition(fusion.Point{X: 0, Y: 0})

	response, err := a.RequestCoordination(context.Background(), "B", CoordEmergencyResponse,
		map[string]interface{}{
			"location": map[string]interface{}{"x": 300.0, "y": 400.0},
		}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, response["can_assist"])
	assert.InDelta(t, 500.0, response["distance"].(float64), 1e-9)
	assert.InDelta(t, 50.0, response["estimated_response_sec"].(float64), 1e-9)

	response, err = a.RequestCoordination(context.Background(), "B", CoordEmergencyResponse,
		map[string]interface{}{
			"location": map[string]interface{}{"x": 3000.0, "y": 4000.0},
		}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, false, response["can_assist"])
}

func TestTopologyGossipBuildsClusters(t *testing.T) {
	a, b := newCoordinatorPair(t)
	a.SetRole(RoleLeader)

	a.broadcastTopology()

	snapshot := b.Topology()
	require.Contains(t, snapshot.Nodes, "A")
	assert.Equal(t, string(RoleLeader), snapshot.Nodes["A"].Role)
	assert.Contains(t, snapshot.Nodes["A"].Connections, "B")
	assert.Equal(t, []string{"A"}, snapshot.Leaders)

	require.Len(t, snapshot.Clusters, 1)
	assert.ElementsMatch(t, []string{"A", "B"}, snapshot.Clusters[0])
}

func TestCapabilityExchange(t *testing.T) {
	a, b := newCoordinatorPair(t)

	response, err := a.RequestCoordination(context.Background(), "B", CoordCapabilityExchange,
		map[string]interface{}{
			"capabilities": map[string]interface{}{
				"role":               "observer",
				"camera_count":       2.0,
				"max_bandwidth_mbps": 50.0,
				"load":               0.4,
			},
		}, time.Second)
	require.NoError(t, err)

	returned, ok := response["capabilities"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "B", returned["node_id"])

	caps := b.PeerCapabilities()
	require.Contains(t, caps, "A")
	assert.Equal(t, "observer", caps["A"].Role)
	assert.Equal(t, 2, caps["A"].CameraCount)
	assert.InDelta(t, 0.4, b.PeerLoads()["A"], 1e-9)
}

func TestUnknownCoordinationType(t *testing.T) {
	a, _ := newCoordinatorPair(t)

	response, err := a.RequestCoordination(context.Background(), "B", "weather_report", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, false, response["accepted"])
	assert.Contains(t, response["error"], "unknown coordination type")
}

func TestQueueOptimizationWithoutFusion(t *testing.T) {
	a, _ := newCoordinatorPair(t)

	response, err := a.RequestCoordination(context.Background(), "B", CoordQueueOptimization, nil, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 0, response["active_queues"])
}

func TestRequestTimeout(t *testing.T) {
	a, b := newCoordinatorPair(t)

	// Swallow requests on the peer so no response comes back.
	b.substrate.Register(mesh.TypeCoordinationRequest, func(msg *mesh.Message) {})

	_, err := a.RequestCoordination(context.Background(), "B", CoordLoadBalancing, nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestFaultCheckEvictsStaleNodes(t *testing.T) {
	_, b := newCoordinatorPair(t)

	b.ingestTopology("C", map[string]interface{}{
		"role":        "follower",
		"connections": []interface{}{"B"},
	})
	require.Contains(t, b.Topology().Nodes, "C")

	b.runFaultCheck(time.Now().Add(3 * time.Minute))

	snapshot := b.Topology()
	assert.NotContains(t, snapshot.Nodes, "C")
	assert.Contains(t, snapshot.Nodes, "B")
}

func TestEvictPeerClearsCaches(t *testing.T) {
	_, b := newCoordinatorPair(t)

	b.ingestCapabilities("A", map[string]interface{}{
		"capabilities": map[string]interface{}{"camera_count": 1.0, "load": 0.2},
	})
	b.ingestTopology("A", map[string]interface{}{"role": "follower"})

	b.evictPeer("A")

	assert.NotContains(t, b.PeerCapabilities(), "A")
	assert.NotContains(t, b.PeerLoads(), "A")
	assert.NotContains(t, b.Topology().Nodes, "A")
}

func TestEmergencyAlertProposesProtocol(t *testing.T) {
	network := mesh.NewMemNetwork()
	log := logger.New()
	ctx := context.Background()

	subA := mesh.NewSubstrate("A", network.Transport("A"), testMeshConfig(), log)
	subB := mesh.NewSubstrate("B", network.Transport("B"), testMeshConfig(), log)

	consensusCfg := &config.ConsensusConfig{
		Type:               "simple_majority",
		DefaultVoteTimeout: time.Second,
		HistorySize:        10,
		TallyInterval:      10 * time.Millisecond,
	}
	engineB := consensus.NewEngine(subB, consensusCfg, log)

	a := New(subA, nil, nil, nil, nil, testCoordinatorConfig(), log)
	b := New(subB, engineB, nil, nil, nil, testCoordinatorConfig(), log)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	require.NoError(t, subA.Connect(ctx, "B", "mem"))
	require.NoError(t, subB.Connect(ctx, "A", "mem"))

	alert, err := mesh.NewMessage("A", "B", mesh.TypeEmergencyAlert, map[string]interface{}{
		"emergency_level": 4.0,
		"confidence":      0.95,
	}, mesh.PriorityEmergency, 60)
	require.NoError(t, err)
	require.NoError(t, subA.Send(alert))

	require.Eventually(t, func() bool {
		return engineB.Stats().Proposed >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestFullStackLifecycle(t *testing.T) {
	network := mesh.NewMemNetwork()
	log := logger.New()

	sub := mesh.NewSubstrate("A", network.Transport("A"), testMeshConfig(), log)

	bwCfg := &config.BandwidthConfig{MaxBandwidthMbps: 100, SampleInterval: time.Second, HistorySize: 300}
	monitor := bandwidth.NewMonitor(bandwidth.ProbeFunc(func(ctx context.Context) (bandwidth.Probe, error) {
		return bandwidth.Probe{AvailableMbps: 100}, nil
	}), bwCfg, log)

	transferCfg := &config.TransferConfig{
		WorkerCount:     1,
		MaxQueueSizes:   map[string]int{"critical": 10, "high": 10, "medium": 10, "low": 10, "background": 10},
		BandwidthShares: map[string]float64{"critical": 0.4, "high": 0.3, "medium": 0.2, "low": 0.08, "background": 0.02},
		ClassTimeouts:   map[string]time.Duration{"critical": time.Hour},
	}
	transfers := transfer.NewManager(transfer.NewSubstrateSender(sub, 60), monitor, transferCfg, bwCfg, log)

	engine := consensus.NewEngine(sub, &config.ConsensusConfig{
		Type:               "simple_majority",
		DefaultVoteTimeout: time.Second,
		HistorySize:        10,
		TallyInterval:      10 * time.Millisecond,
	}, log)

	fusionMgr := fusion.NewManager(sub, engine, &config.FusionConfig{
		SyncInterval:         time.Hour,
		EventRingSize:        100,
		AnalyticsInterval:    time.Hour,
		OptimizationInterval: time.Hour,
	}, log)

	c := New(sub, engine, fusionMgr, monitor, transfers, testCoordinatorConfig(), log)
	require.NoError(t, c.Start(context.Background()))

	// Second start is rejected while running.
	assert.Error(t, c.Start(context.Background()))

	require.NoError(t, c.Stop())
	assert.NoError(t, c.Stop())
}