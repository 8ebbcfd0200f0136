package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/logger"
	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
)

func testConsensusConfig(variant Variant) *config.ConsensusConfig {
	return &config.ConsensusConfig{
		Type:               string(variant),
		DefaultVoteTimeout: time.Second,
		HistorySize:        10,
		TallyInterval:      10 * time.Millisecond,
	}
}

func testMeshConfig() *config.MeshConfig {
	return &config.MeshConfig{
		ListenPort:            4001,
		MaxConnections:        10,
		HeartbeatInterval:     30 * time.Second,
		CleanupInterval:       60 * time.Second,
		PeerDisconnectTimeout: 120 * time.Second,
		DefaultTTL:            300 * time.Second,
	}
}

type testNode struct {
	substrate *mesh.Substrate
	engine    *Engine
}

// newCluster builds n nodes on one MemNetwork with node 0 connected to all
// others. Engines are started only for the listed node indices.
func newCluster(t *testing.T, n int, variant Variant, engineNodes []int) []*testNode {
	t.Helper()

	network := mesh.NewMemNetwork()
	log := logger.New()
	ctx := context.Background()

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		id = "edge-" + id
		sub := mesh.NewSubstrate(id, network.Transport(id), testMeshConfig(), log)
		require.NoError(t, sub.Start(ctx))
		nodes[i] = &testNode{
			substrate: sub,
			engine:    NewEngine(sub, testConsensusConfig(variant), log),
		}
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.engine.Stop()
			n.substrate.Stop()
		}
	})

	for i := 1; i < n; i++ {
		require.NoError(t, nodes[0].substrate.Connect(ctx, nodes[i].substrate.NodeID(), "mem"))
	}

	for _, i := range engineNodes {
		require.NoError(t, nodes[i].engine.Start(ctx))
	}
	return nodes
}

func waitResult(t *testing.T, ch <-chan *Result, timeout time.Duration) *Result {
	t.Helper()
	select {
	case result := <-ch:
		return result
	case <-time.After(timeout):
		t.Fatal("timed out waiting for consensus result")
		return nil
	}
}

func TestQuorumSuccess(t *testing.T) {
	// Four connected peers: quorum threshold is 4. Proposer and three peers
	// vote yes, one votes no.
	nodes := newCluster(t, 5, SimpleMajority, []int{0, 1, 2, 3, 4})

	yes := func(data map[string]interface{}) (bool, string) { return true, "yes" }
	no := func(data map[string]interface{}) (bool, string) { return false, "no" }

	nodes[0].engine.RegisterEvaluator("test_decision", yes)
	nodes[1].engine.RegisterEvaluator("test_decision", yes)
	nodes[2].engine.RegisterEvaluator("test_decision", yes)
	nodes[3].engine.RegisterEvaluator("test_decision", yes)
	nodes[4].engine.RegisterEvaluator("test_decision", no)

	_, ch, err := nodes[0].engine.Propose("test_decision", nil, time.Second, 5)
	require.NoError(t, err)

	result := waitResult(t, ch, 2*time.Second)
	assert.True(t, result.Decision)
	assert.Equal(t, 4, result.VotesFor)
	assert.Equal(t, 1, result.VotesAgainst)
	assert.InDelta(t, 0.6, result.Confidence, 1e-9)
	assert.True(t, result.QuorumReached)

	stats := nodes[0].engine.Stats()
	assert.Equal(t, int64(1), stats.Reached)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestQuorumTimeout(t *testing.T) {
	// Four connected peers but only one runs an engine, so the tally stalls
	// at two votes and the deadline fails the proposal.
	nodes := newCluster(t, 5, SimpleMajority, []int{0, 1})

	yes := func(data map[string]interface{}) (bool, string) { return true, "yes" }
	nodes[0].engine.RegisterEvaluator("test_decision", yes)
	nodes[1].engine.RegisterEvaluator("test_decision", yes)

	_, ch, err := nodes[0].engine.Propose("test_decision", nil, 100*time.Millisecond, 5)
	require.NoError(t, err)

	result := waitResult(t, ch, 2*time.Second)
	assert.False(t, result.Decision)
	assert.Equal(t, 2, result.VotesFor)
	assert.Equal(t, 0, result.VotesAgainst)
	assert.InDelta(t, 1.0, result.Confidence, 1e-9)
	assert.False(t, result.QuorumReached)

	stats := nodes[0].engine.Stats()
	assert.Equal(t, int64(0), stats.Reached)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestZeroPeerProposalFailsAtDeadline(t *testing.T) {
	// With no connected peers the threshold of 2 is unreachable on the
	// self-vote alone.
	nodes := newCluster(t, 1, SimpleMajority, []int{0})
	nodes[0].engine.RegisterEvaluator("test_decision", func(data map[string]interface{}) (bool, string) {
		return true, "yes"
	})

	_, ch, err := nodes[0].engine.Propose("test_decision", nil, 50*time.Millisecond, 5)
	require.NoError(t, err)

	result := waitResult(t, ch, 2*time.Second)
	assert.False(t, result.Decision)
	assert.Equal(t, 1, result.VotesFor)
	assert.False(t, result.QuorumReached)
	assert.Equal(t, int64(1), nodes[0].engine.Stats().Failed)
}

func TestDuplicateVotesDiscarded(t *testing.T) {
	nodes := newCluster(t, 1, SimpleMajority, []int{0})
	engine := nodes[0].engine
	engine.RegisterEvaluator("test_decision", func(data map[string]interface{}) (bool, string) {
		return true, "yes"
	})

	proposalID, ch, err := engine.Propose("test_decision", nil, 200*time.Millisecond, 5)
	require.NoError(t, err)

	// The same voter replies twice; the second vote is discarded.
	for i := 0; i < 2; i++ {
		reply, err := mesh.NewMessage("edge-x", engine.nodeID, mesh.TypeConsensusResponse, nil, 5, 60)
		require.NoError(t, err)
		require.NoError(t, reply.SetPayload(responsePayload{
			ProposalID: proposalID,
			Vote:       true,
			Weight:     1.0,
			Reasoning:  "yes",
		}))
		engine.handleResponse(reply)
	}

	result := waitResult(t, ch, 2*time.Second)
	assert.Equal(t, 2, result.VotesFor) // self + edge-x, not three
}

func TestWeightedVariantUsesWeights(t *testing.T) {
	nodes := newCluster(t, 1, WeightedConsensus, []int{0})
	engine := nodes[0].engine
	engine.RegisterEvaluator("test_decision", func(data map[string]interface{}) (bool, string) {
		return true, "yes"
	})

	proposalID, ch, err := engine.Propose("test_decision", nil, 150*time.Millisecond, 5)
	require.NoError(t, err)

	reply, err := mesh.NewMessage("edge-x", engine.nodeID, mesh.TypeConsensusResponse, nil, 5, 60)
	require.NoError(t, err)
	require.NoError(t, reply.SetPayload(responsePayload{
		ProposalID: proposalID,
		Vote:       false,
		Weight:     3.0,
		Reasoning:  "no",
	}))
	engine.handleResponse(reply)

	result := waitResult(t, ch, 2*time.Second)
	assert.InDelta(t, 1.0, result.WeightFor, 1e-9)
	assert.InDelta(t, 3.0, result.WeightAgainst, 1e-9)
	assert.InDelta(t, 0.5, result.Confidence, 1e-9)
	assert.False(t, result.Decision)
}

func TestPeerWeightClamped(t *testing.T) {
	nodes := newCluster(t, 1, WeightedConsensus, []int{0})
	engine := nodes[0].engine

	engine.SetPeerWeight("edge-x", 42.0)
	assert.InDelta(t, 5.0, engine.weightOf("edge-x", 1.0), 1e-9)

	engine.SetPeerWeight("edge-y", 0.001)
	assert.InDelta(t, 0.1, engine.weightOf("edge-y", 1.0), 1e-9)

	// Reported weights without an override are clamped too.
	assert.InDelta(t, 5.0, engine.weightOf("edge-z", 99.0), 1e-9)
	assert.InDelta(t, 1.0, engine.weightOf("edge-z", 0), 1e-9)
}

func TestEvaluatorTable(t *testing.T) {
	evaluators := defaultEvaluators()

	tests := []struct {
		name         string
		proposalType string
		data         map[string]interface{}
		expect       bool
	}{
		{
			name:         "signal timing accepted",
			proposalType: ProposalTrafficSignalTiming,
			data:         map[string]interface{}{"traffic_load": 0.7, "expected_improvement": 0.2},
			expect:       true,
		},
		{
			name:         "signal timing low load",
			proposalType: ProposalTrafficSignalTiming,
			data:         map[string]interface{}{"traffic_load": 0.5, "expected_improvement": 0.2},
			expect:       false,
		},
		{
			name:         "queue priority accepted",
			proposalType: ProposalQueuePriority,
			data:         map[string]interface{}{"queue_length": 15, "average_wait_time": 400},
			expect:       true,
		},
		{
			name:         "queue priority short queue",
			proposalType: ProposalQueuePriority,
			data:         map[string]interface{}{"queue_length": 5, "average_wait_time": 400},
			expect:       false,
		},
		{
			name:         "emergency accepted",
			proposalType: ProposalEmergencyProtocol,
			data:         map[string]interface{}{"emergency_level": 3, "confidence": 0.9},
			expect:       true,
		},
		{
			name:         "emergency low confidence",
			proposalType: ProposalEmergencyProtocol,
			data:         map[string]interface{}{"emergency_level": 4, "confidence": 0.5},
			expect:       false,
		},
		{
			name:         "load balancing accepted",
			proposalType: ProposalLoadBalancing,
			data:         map[string]interface{}{"local_load": 0.9, "target_load": 0.3},
			expect:       true,
		},
		{
			name:         "load balancing target higher",
			proposalType: ProposalLoadBalancing,
			data:         map[string]interface{}{"local_load": 0.9, "target_load": 0.95},
			expect:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := evaluators[tt.proposalType]
			require.NotNil(t, eval)
			vote, reasoning := eval(tt.data)
			assert.Equal(t, tt.expect, vote)
			assert.NotEmpty(t, reasoning)
		})
	}
}

func TestDefaultEvaluatorConfidenceRule(t *testing.T) {
	vote, _ := defaultEvaluate(map[string]interface{}{"confidence": 0.8})
	assert.True(t, vote)

	vote, _ = defaultEvaluate(map[string]interface{}{"confidence": 0.6})
	assert.False(t, vote)

	vote, _ = defaultEvaluate(map[string]interface{}{})
	assert.False(t, vote)
}

func TestHistoryBounded(t *testing.T) {
	nodes := newCluster(t, 1, SimpleMajority, []int{0})
	engine := nodes[0].engine

	for i := 0; i < 12; i++ {
		_, ch, err := engine.Propose("test_decision", nil, 10*time.Millisecond, 5)
		require.NoError(t, err)
		waitResult(t, ch, 2*time.Second)
	}

	assert.LessOrEqual(t, len(engine.History()), 10)
	assert.Equal(t, 0, engine.ActiveProposals())
}
