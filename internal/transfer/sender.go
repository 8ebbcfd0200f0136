package transfer

import (
	"context"
	"encoding/base64"

	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
)

// envelopePriority maps transfer classes onto message envelope priorities.
var envelopePriority = map[Priority]int{
	PriorityCritical:   10,
	PriorityHigh:       8,
	PriorityMedium:     5,
	PriorityLow:        3,
	PriorityBackground: 1,
}

// SubstrateSender transmits transfer payloads as traffic_state messages over
// the mesh.
type SubstrateSender struct {
	substrate *mesh.Substrate
	ttl       int
}

// NewSubstrateSender wraps a substrate. ttlSeconds bounds how long a frame
// may sit in flight.
func NewSubstrateSender(substrate *mesh.Substrate, ttlSeconds int) *SubstrateSender {
	return &SubstrateSender{substrate: substrate, ttl: ttlSeconds}
}

func (s *SubstrateSender) Send(ctx context.Context, req *Request, decision Decision) error {
	receiver := req.PeerID
	if receiver == "" {
		receiver = mesh.Broadcast
	}

	data := map[string]interface{}{
		"transfer_id":       req.ID,
		"payload":           base64.StdEncoding.EncodeToString(req.Payload),
		"compression":       string(decision.Compression),
		"quality_reduction": decision.QualityReduction,
		"estimated_mbps":    decision.EstimatedMbps,
	}
	for k, v := range req.Metadata {
		data[k] = v
	}

	msg, err := mesh.NewMessage(s.substrate.NodeID(), receiver, mesh.TypeTrafficState, data, envelopePriority[req.Priority], s.ttl)
	if err != nil {
		return err
	}
	return s.substrate.Send(msg)
}
