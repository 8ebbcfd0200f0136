package transfer

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/logger"
	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
)

func TestSubstrateSenderDeliversPayload(t *testing.T) {
	network := mesh.NewMemNetwork()
	log := logger.New()
	ctx := context.Background()

	meshCfg := &config.MeshConfig{
		ListenPort:            4001,
		MaxConnections:        10,
		HeartbeatInterval:     30 * time.Second,
		CleanupInterval:       60 * time.Second,
		PeerDisconnectTimeout: 120 * time.Second,
		BroadcastTopic:        "edgeqi-test",
		DefaultTTL:            300 * time.Second,
	}

	a := mesh.NewSubstrate("edge-a", network.Transport("edge-a"), meshCfg, log)
	b := mesh.NewSubstrate("edge-b", network.Transport("edge-b"), meshCfg, log)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	require.NoError(t, a.Connect(ctx, "edge-b", "mem"))
	require.NoError(t, b.Connect(ctx, "edge-a", "mem"))

	var mu sync.Mutex
	var got *mesh.Message
	b.Register(mesh.TypeTrafficState, func(msg *mesh.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = msg
	})

	sender := NewSubstrateSender(a, 60)
	err := sender.Send(ctx, &Request{
		ID:       "xfer_1",
		PeerID:   "edge-b",
		Priority: PriorityHigh,
		Payload:  []byte("frame-bytes"),
		Metadata: map[string]interface{}{"camera_id": "cam-1"},
	}, Decision{Compression: CompressionLow, QualityReduction: 0.1, EstimatedMbps: 30})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "xfer_1", got.Data["transfer_id"])
	assert.Equal(t, "cam-1", got.Data["camera_id"])
	assert.Equal(t, "low", got.Data["compression"])
	assert.Equal(t, envelopePriority[PriorityHigh], got.Priority)

	payload, err := base64.StdEncoding.DecodeString(got.Data["payload"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte("frame-bytes"), payload)
}
