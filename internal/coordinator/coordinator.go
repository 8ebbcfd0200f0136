package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sam-2707/EdgeQI-sub000/internal/bandwidth"
	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/consensus"
	"github.com/sam-2707/EdgeQI-sub000/internal/fusion"
	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
	"github.com/sam-2707/EdgeQI-sub000/internal/transfer"
)

// Role of this node in the fabric. Roles are assigned by deployment
// configuration, not elected.
type Role string

const (
	RoleLeader      Role = "leader"
	RoleFollower    Role = "follower"
	RoleCoordinator Role = "coordinator"
	RoleObserver    Role = "observer"
)

// Coordination request types.
const (
	CoordLoadBalancing      = "load_balancing"
	CoordQueueOptimization  = "queue_optimization"
	CoordEmergencyResponse  = "emergency_response"
	CoordTopologyUpdate     = "topology_update"
	CoordCapabilityExchange = "capability_exchange"
)

const (
	peerFailureTimeout = 120 * time.Second
	highLoadThreshold  = 0.8

	// Coarse ground-speed assumption for emergency response estimates.
	responseSpeedUnitsPerSec = 10.0
)

var ErrRequestTimeout = errors.New("coordination request timed out")

type requestPayload struct {
	RequestID        string                 `json:"request_id"`
	CoordinationType string                 `json:"coordination_type"`
	RequesterID      string                 `json:"requester_id"`
	Data             map[string]interface{} `json:"data"`
	Timestamp        float64                `json:"timestamp"`
}

type responsePayload struct {
	RequestID    string                 `json:"request_id"`
	ResponderID  string                 `json:"responder_id"`
	ResponseData map[string]interface{} `json:"response_data"`
}

// Coordinator owns the lifecycle of the node's components, routes
// coordination traffic and maintains the topology view.
type Coordinator struct {
	nodeID    string
	substrate *mesh.Substrate
	engine    *consensus.Engine
	fusion    *fusion.Manager
	monitor   *bandwidth.Monitor
	transfers *transfer.Manager
	config    *config.CoordinatorConfig
	logger    *logrus.Entry

	role   Role
	roleMu sync.RWMutex

	position   fusion.Point
	positionMu sync.RWMutex

	topo   *topology
	topoMu sync.Mutex

	capabilities map[string]mesh.Capabilities
	loads        map[string]float64
	cacheMu      sync.RWMutex

	loadFunc func() float64

	pending   map[string]chan map[string]interface{}
	pendingMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// New creates a coordinator owning the given components. Any component may
// be nil in partial deployments; the corresponding duties are skipped.
func New(substrate *mesh.Substrate, engine *consensus.Engine, fusionMgr *fusion.Manager,
	monitor *bandwidth.Monitor, transfers *transfer.Manager,
	cfg *config.CoordinatorConfig, logger *logrus.Logger) *Coordinator {

	c := &Coordinator{
		nodeID:       substrate.NodeID(),
		substrate:    substrate,
		engine:       engine,
		fusion:       fusionMgr,
		monitor:      monitor,
		transfers:    transfers,
		config:       cfg,
		logger:       logger.WithField("component", "edge-coordinator"),
		role:         Role(cfg.Role),
		topo:         newTopology(),
		capabilities: make(map[string]mesh.Capabilities),
		loads:        make(map[string]float64),
		pending:      make(map[string]chan map[string]interface{}),
	}
	if c.role == "" {
		c.role = RoleFollower
	}
	c.loadFunc = c.defaultLoad
	return c
}

// SetRole reassigns the node role.
func (c *Coordinator) SetRole(role Role) {
	c.roleMu.Lock()
	c.role = role
	c.roleMu.Unlock()

	c.topoMu.Lock()
	c.topo.upsert(c.nodeID, string(role), nil, time.Now())
	c.topoMu.Unlock()
}

// Role returns the current role.
func (c *Coordinator) Role() Role {
	c.roleMu.RLock()
	defer c.roleMu.RUnlock()
	return c.role
}

// SetPosition sets the node location used for emergency responses.
func (c *Coordinator) SetPosition(p fusion.Point) {
	c.positionMu.Lock()
	c.position = p
	c.positionMu.Unlock()
}

// SetLoadFunc overrides the local load supplier.
func (c *Coordinator) SetLoadFunc(fn func() float64) {
	c.loadFunc = fn
}

// defaultLoad derives load from the transfer manager's bandwidth reservation.
func (c *Coordinator) defaultLoad() float64 {
	if c.transfers == nil || c.monitor == nil {
		return 0
	}
	sample, ok := c.monitor.Current()
	if !ok {
		return 0
	}
	return sample.CongestionLevel
}

// Start brings up the owned components in dependency order, registers the
// coordination handlers and launches the background duties.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()

	if c.running {
		return fmt.Errorf("coordinator already running")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	type component struct {
		name  string
		start func(context.Context) error
		stop  func() error
	}
	components := []component{}
	if c.substrate != nil {
		components = append(components, component{"mesh", c.substrate.Start, c.substrate.Stop})
	}
	if c.monitor != nil {
		components = append(components, component{"bandwidth", c.monitor.Start, c.monitor.Stop})
	}
	if c.transfers != nil {
		components = append(components, component{"transfer", c.transfers.Start, c.transfers.Stop})
	}
	if c.engine != nil {
		components = append(components, component{"consensus", c.engine.Start, c.engine.Stop})
	}
	if c.fusion != nil {
		components = append(components, component{"fusion", c.fusion.Start, c.fusion.Stop})
	}

	for i, comp := range components {
		if err := comp.start(c.ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				components[j].stop()
			}
			c.cancel()
			return fmt.Errorf("failed to start %s: %w", comp.name, err)
		}
	}

	c.substrate.Register(mesh.TypeCoordinationRequest, c.handleRequest)
	c.substrate.Register(mesh.TypeCoordinationResponse, c.handleResponse)
	c.substrate.Register(mesh.TypeEmergencyAlert, c.handleEmergencyAlert)
	c.substrate.SetLoadFunc(func() float64 { return c.loadFunc() })

	c.topoMu.Lock()
	c.topo.upsert(c.nodeID, string(c.Role()), c.substrate.ConnectedPeers(), time.Now())
	c.topoMu.Unlock()

	c.wg.Add(4)
	go c.topologyLoop()
	go c.faultLoop()
	go c.loadBalanceLoop()
	go c.performanceLoop()

	c.running = true
	c.logger.WithFields(logrus.Fields{
		"node_id": c.nodeID,
		"role":    c.Role(),
	}).Info("Edge coordinator started")
	return nil
}

// Stop terminates the duties and shuts the owned components down in reverse
// order.
func (c *Coordinator) Stop() error {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()

	if !c.running {
		return nil
	}

	c.cancel()
	c.wg.Wait()

	var firstErr error
	stops := []func() error{}
	if c.fusion != nil {
		stops = append(stops, c.fusion.Stop)
	}
	if c.engine != nil {
		stops = append(stops, c.engine.Stop)
	}
	if c.transfers != nil {
		stops = append(stops, c.transfers.Stop)
	}
	if c.monitor != nil {
		stops = append(stops, c.monitor.Stop)
	}
	if c.substrate != nil {
		stops = append(stops, c.substrate.Stop)
	}
	for _, stop := range stops {
		if err := stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.running = false
	c.logger.Info("Edge coordinator stopped")
	return firstErr
}

// RequestCoordination sends a coordination request to a peer and waits for
// its response.
func (c *Coordinator) RequestCoordination(ctx context.Context, peerID, coordinationType string, data map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	requestID := fmt.Sprintf("coord_%s", uuid.NewString()[:8])
	reply := make(chan map[string]interface{}, 1)

	c.pendingMu.Lock()
	c.pending[requestID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	msg, err := mesh.NewMessage(c.nodeID, peerID, mesh.TypeCoordinationRequest, nil, mesh.PriorityNormal, int(timeout.Seconds())+1)
	if err != nil {
		return nil, err
	}
	if err := msg.SetPayload(requestPayload{
		RequestID:        requestID,
		CoordinationType: coordinationType,
		RequesterID:      c.nodeID,
		Data:             data,
		Timestamp:        float64(time.Now().UnixNano()) / float64(time.Second),
	}); err != nil {
		return nil, err
	}
	if err := c.substrate.Send(msg); err != nil {
		return nil, err
	}

	select {
	case response := <-reply:
		return response, nil
	case <-time.After(timeout):
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) handleRequest(msg *mesh.Message) {
	var req requestPayload
	if err := msg.DecodePayload(&req); err != nil {
		c.logger.WithError(err).Debug("Invalid coordination request")
		return
	}

	responseData := c.respond(req.CoordinationType, req.RequesterID, req.Data)

	// Broadcast requests (topology gossip) are ingested without a reply.
	if msg.IsBroadcast() {
		return
	}

	response, err := mesh.NewMessage(c.nodeID, msg.SenderID, mesh.TypeCoordinationResponse, nil, mesh.PriorityNormal, 60)
	if err != nil {
		return
	}
	if err := response.SetPayload(responsePayload{
		RequestID:    req.RequestID,
		ResponderID:  c.nodeID,
		ResponseData: responseData,
	}); err != nil {
		return
	}
	if err := c.substrate.Send(response); err != nil {
		c.logger.WithError(err).WithField("peer", msg.SenderID).Debug("Coordination response failed")
	}
}

func (c *Coordinator) handleResponse(msg *mesh.Message) {
	var resp responsePayload
	if err := msg.DecodePayload(&resp); err != nil {
		c.logger.WithError(err).Debug("Invalid coordination response")
		return
	}

	c.pendingMu.Lock()
	reply, waiting := c.pending[resp.RequestID]
	c.pendingMu.Unlock()
	if !waiting {
		c.logger.WithField("request_id", resp.RequestID).Debug("Response for unknown request")
		return
	}

	select {
	case reply <- resp.ResponseData:
	default:
	}
}

// respond computes the response data for one coordination type.
func (c *Coordinator) respond(coordinationType, requesterID string, data map[string]interface{}) map[string]interface{} {
	switch coordinationType {
	case CoordLoadBalancing:
		requested := getFloat(data, "requested_capacity")
		available := math.Max(0, 1-c.loadFunc())
		return map[string]interface{}{
			"accepted":           available >= requested,
			"available_capacity": available,
		}

	case CoordQueueOptimization:
		if c.fusion == nil {
			return map[string]interface{}{"active_queues": 0}
		}
		analytics := c.fusion.Analytics()
		return map[string]interface{}{
			"active_queues":     analytics.ActiveQueues,
			"total_length":      analytics.TotalLength,
			"average_wait_time": analytics.AverageWaitTime,
			"efficiency_score":  analytics.EfficiencyScore,
		}

	case CoordEmergencyResponse:
		incident := pointFromData(data, "location")
		c.positionMu.RLock()
		position := c.position
		c.positionMu.RUnlock()

		dist := math.Hypot(position.X-incident.X, position.Y-incident.Y)
		canAssist := dist < c.config.EmergencyRadiusUnits
		return map[string]interface{}{
			"can_assist":             canAssist,
			"distance":               dist,
			"estimated_response_sec": dist / responseSpeedUnitsPerSec,
			"available_resources":    c.localResources(),
		}

	case CoordTopologyUpdate:
		c.ingestTopology(requesterID, data)
		c.topoMu.Lock()
		self := c.topo.nodes[c.nodeID]
		var connections []string
		if self != nil {
			connections = append([]string(nil), self.Connections...)
		}
		known := make([]string, 0, len(c.topo.nodes))
		for id := range c.topo.nodes {
			known = append(known, id)
		}
		c.topoMu.Unlock()
		return map[string]interface{}{
			"node_id":     c.nodeID,
			"role":        string(c.Role()),
			"connections": connections,
			"known_nodes": known,
		}

	case CoordCapabilityExchange:
		c.ingestCapabilities(requesterID, data)
		return map[string]interface{}{
			"capabilities": c.localResources(),
		}

	default:
		c.logger.WithField("type", coordinationType).Debug("Unknown coordination type")
		return map[string]interface{}{
			"accepted": false,
			"error":    fmt.Sprintf("unknown coordination type %q", coordinationType),
		}
	}
}

// localResources summarizes what this node can contribute.
func (c *Coordinator) localResources() map[string]interface{} {
	resources := map[string]interface{}{
		"node_id": c.nodeID,
		"role":    string(c.Role()),
		"load":    c.loadFunc(),
	}
	if c.monitor != nil {
		if sample, ok := c.monitor.Current(); ok {
			resources["available_mbps"] = sample.AvailableMbps
			resources["condition"] = string(sample.Condition)
		}
	}
	return resources
}

// ingestTopology merges a peer's topology report.
func (c *Coordinator) ingestTopology(requesterID string, data map[string]interface{}) {
	role, _ := data["role"].(string)
	var connections []string
	if raw, ok := data["connections"].([]interface{}); ok {
		for _, item := range raw {
			if id, ok := item.(string); ok {
				connections = append(connections, id)
			}
		}
	}

	c.topoMu.Lock()
	c.topo.upsert(requesterID, role, connections, time.Now())
	if raw, ok := data["known_nodes"].([]interface{}); ok {
		for _, item := range raw {
			if id, ok := item.(string); ok && id != c.nodeID {
				c.topo.upsert(id, "", nil, time.Time{})
			}
		}
	}
	c.topoMu.Unlock()
}

// ingestCapabilities caches a peer's capability report.
func (c *Coordinator) ingestCapabilities(requesterID string, data map[string]interface{}) {
	raw, ok := data["capabilities"].(map[string]interface{})
	if !ok {
		return
	}

	caps := mesh.Capabilities{NodeID: requesterID}
	if role, ok := raw["role"].(string); ok {
		caps.Role = role
	}
	if cameras, ok := raw["camera_count"].(float64); ok {
		caps.CameraCount = int(cameras)
	}
	if version, ok := raw["version"].(string); ok {
		caps.Version = version
	}
	if mbps, ok := raw["max_bandwidth_mbps"].(float64); ok {
		caps.MaxBandwidthMbps = mbps
	}

	c.cacheMu.Lock()
	c.capabilities[requesterID] = caps
	if load, ok := raw["load"].(float64); ok {
		c.loads[requesterID] = load
	}
	c.cacheMu.Unlock()
}

// handleEmergencyAlert escalates severe alerts into an emergency protocol
// proposal.
func (c *Coordinator) handleEmergencyAlert(msg *mesh.Message) {
	level := getFloat(msg.Data, "emergency_level")
	confidence := getFloat(msg.Data, "confidence")

	c.logger.WithFields(logrus.Fields{
		"sender":          msg.SenderID,
		"emergency_level": level,
	}).Warn("Emergency alert received")

	if c.fusion != nil {
		c.fusion.EmitEvent(fmt.Sprintf("%s_emergency", msg.SenderID), fusion.EventAnomalyDetected, confidence, msg.Data)
	}

	if c.engine == nil || level < 3 || confidence <= 0.8 {
		return
	}
	if _, _, err := c.engine.Propose(consensus.ProposalEmergencyProtocol, map[string]interface{}{
		"emergency_level": level,
		"confidence":      confidence,
		"origin":          msg.SenderID,
	}, 0, mesh.PriorityEmergency); err != nil {
		c.logger.WithError(err).Warn("Failed to propose emergency protocol")
	}
}

// topologyLoop gossips the local topology entry.
func (c *Coordinator) topologyLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.TopologyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.broadcastTopology()
		}
	}
}

func (c *Coordinator) broadcastTopology() {
	peers := c.substrate.ConnectedPeers()

	c.topoMu.Lock()
	c.topo.upsert(c.nodeID, string(c.Role()), peers, time.Now())
	known := make([]string, 0, len(c.topo.nodes))
	for id := range c.topo.nodes {
		known = append(known, id)
	}
	c.topoMu.Unlock()

	msg, err := mesh.NewMessage(c.nodeID, mesh.Broadcast, mesh.TypeCoordinationRequest, nil, mesh.PriorityNormal, 60)
	if err != nil {
		return
	}
	if err := msg.SetPayload(requestPayload{
		RequestID:        fmt.Sprintf("topo_%s", uuid.NewString()[:8]),
		CoordinationType: CoordTopologyUpdate,
		RequesterID:      c.nodeID,
		Data: map[string]interface{}{
			"role":        string(c.Role()),
			"connections": peers,
			"known_nodes": known,
		},
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}); err != nil {
		return
	}
	if err := c.substrate.Send(msg); err != nil {
		c.logger.WithError(err).Debug("Topology broadcast failed")
	}
}

// faultLoop evicts peers the substrate has marked dead and stale topology
// entries.
func (c *Coordinator) faultLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.FaultCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.runFaultCheck(time.Now())
		}
	}
}

func (c *Coordinator) runFaultCheck(now time.Time) {
	for peerID, conn := range c.substrate.Connections() {
		if conn.Status != mesh.StatusDisconnected {
			continue
		}
		c.evictPeer(peerID)
	}

	c.topoMu.Lock()
	for id, node := range c.topo.nodes {
		if id == c.nodeID || node.LastSeen.IsZero() {
			continue
		}
		if now.Sub(node.LastSeen) > peerFailureTimeout {
			delete(c.topo.nodes, id)
		}
	}
	c.topoMu.Unlock()
}

func (c *Coordinator) evictPeer(peerID string) {
	c.topoMu.Lock()
	c.topo.remove(peerID)
	c.topoMu.Unlock()

	c.cacheMu.Lock()
	delete(c.capabilities, peerID)
	delete(c.loads, peerID)
	c.cacheMu.Unlock()

	c.logger.WithField("peer", peerID).Info("Evicted failed peer")
}

// loadBalanceLoop asks the least loaded peer for capacity when the local
// node runs hot.
func (c *Coordinator) loadBalanceLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.LoadBalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.rebalance()
		}
	}
}

func (c *Coordinator) rebalance() {
	load := c.loadFunc()
	if load <= highLoadThreshold {
		return
	}

	target := c.leastLoadedPeer()
	if target == "" {
		return
	}

	response, err := c.RequestCoordination(c.ctx, target, CoordLoadBalancing, map[string]interface{}{
		"requested_capacity": load - highLoadThreshold,
	}, 5*time.Second)
	if err != nil {
		c.logger.WithError(err).WithField("peer", target).Debug("Load balancing request failed")
		return
	}

	if accepted, _ := response["accepted"].(bool); accepted {
		c.logger.WithFields(logrus.Fields{
			"peer":       target,
			"local_load": load,
		}).Info("Peer accepted load balancing request")
	}
}

func (c *Coordinator) leastLoadedPeer() string {
	peers := c.substrate.ConnectedPeers()

	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	best := ""
	bestLoad := math.Inf(1)
	for _, peerID := range peers {
		load, known := c.loads[peerID]
		if !known {
			load = 0.5
		}
		if load < bestLoad {
			best = peerID
			bestLoad = load
		}
	}
	return best
}

// performanceLoop periodically logs component statistics.
func (c *Coordinator) performanceLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PerformanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			fields := logrus.Fields{"load": c.loadFunc()}
			if c.substrate != nil {
				stats := c.substrate.Stats()
				fields["messages_sent"] = stats.Sent
				fields["messages_received"] = stats.Received
			}
			if c.transfers != nil {
				stats := c.transfers.Stats()
				fields["transfers_completed"] = stats.Completed
				fields["transfers_failed"] = stats.Failed
			}
			if c.engine != nil {
				stats := c.engine.Stats()
				fields["consensus_reached"] = stats.Reached
			}
			c.logger.WithFields(fields).Debug("Performance snapshot")
		}
	}
}

// Topology returns a snapshot of the topology view.
func (c *Coordinator) Topology() TopologySnapshot {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	return c.topo.snapshot()
}

// PeerCapabilities returns the cached capability records.
func (c *Coordinator) PeerCapabilities() map[string]mesh.Capabilities {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	caps := make(map[string]mesh.Capabilities, len(c.capabilities))
	for id, record := range c.capabilities {
		caps[id] = record
	}
	return caps
}

// PeerLoads returns the cached per-peer load reports.
func (c *Coordinator) PeerLoads() map[string]float64 {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	loads := make(map[string]float64, len(c.loads))
	for id, load := range c.loads {
		loads[id] = load
	}
	return loads
}

func getFloat(data map[string]interface{}, key string) float64 {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func pointFromData(data map[string]interface{}, key string) fusion.Point {
	raw, ok := data[key].(map[string]interface{})
	if !ok {
		return fusion.Point{}
	}
	return fusion.Point{X: getFloat(raw, "x"), Y: getFloat(raw, "y")}
}
