package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/consensus"
	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
)

// Relative change thresholds for extended/reduced detection.
const (
	lengthChangeThreshold   = 0.2
	waitTimeChangeThreshold = 0.3

	activeQueueWindow   = 60.0  // seconds
	longWaitThreshold   = 180.0 // seconds
	lowDensityFraction  = 0.5
	congestionThreshold = 0.7
)

// Proposer submits consensus proposals. Satisfied by *consensus.Engine.
type Proposer interface {
	Propose(proposalType string, data map[string]interface{}, timeout time.Duration, priority int) (string, <-chan *consensus.Result, error)
}

// Stats counts fusion activity.
type Stats struct {
	LocalUpdates    int64 `json:"local_updates"`
	PeerUpdates     int64 `json:"peer_updates"`
	EventsEmitted   int64 `json:"events_emitted"`
	EventsIngested  int64 `json:"events_ingested"`
	EventsDuplicate int64 `json:"events_duplicate"`
	QueuesMerged    int64 `json:"queues_merged"`
}

// Manager fuses local and peer queue observations into a global queue view
// and emits events on salient transitions.
type Manager struct {
	edgeID    string
	substrate *mesh.Substrate
	proposer  Proposer
	config    *config.FusionConfig
	logger    *logrus.Entry

	cameraPosition    Point
	cameraOrientation float64
	coverageArea      []Point
	cameraMu          sync.RWMutex

	edgeData     map[string]*EdgeQueueData
	globalQueues map[string]*DistributedQueue
	lastLocal    map[string]Observation // deterministic queue id -> last observation
	stateMu      sync.RWMutex

	events   []*QueueEvent
	eventsMu sync.RWMutex

	analytics       Analytics
	recommendations []Recommendation
	analyticsMu     sync.RWMutex

	stats   Stats
	statsMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// NewManager creates a fusion manager for the local edge.
func NewManager(substrate *mesh.Substrate, proposer Proposer, cfg *config.FusionConfig, logger *logrus.Logger) *Manager {
	return &Manager{
		edgeID:       substrate.NodeID(),
		substrate:    substrate,
		proposer:     proposer,
		config:       cfg,
		logger:       logger.WithField("component", "queue-fusion"),
		edgeData:     make(map[string]*EdgeQueueData),
		globalQueues: make(map[string]*DistributedQueue),
		lastLocal:    make(map[string]Observation),
	}
}

// SetCameraInfo sets the local camera geometry carried in edge snapshots.
func (m *Manager) SetCameraInfo(position Point, orientation float64, coverage []Point) {
	m.cameraMu.Lock()
	defer m.cameraMu.Unlock()
	m.cameraPosition = position
	m.cameraOrientation = orientation
	m.coverageArea = coverage
}

// Start registers the queue-update handler and starts the sync, analytics
// and optimization tasks.
func (m *Manager) Start(ctx context.Context) error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if m.running {
		return fmt.Errorf("fusion manager already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.substrate.Register(mesh.TypeQueueUpdate, m.handleQueueUpdate)

	m.wg.Add(3)
	go m.syncLoop()
	go m.analyticsLoop()
	go m.optimizationLoop()

	m.running = true
	m.logger.WithField("edge_id", m.edgeID).Info("Queue fusion manager started")
	return nil
}

// Stop terminates the background tasks.
func (m *Manager) Stop() error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if !m.running {
		return nil
	}

	m.cancel()
	m.wg.Wait()
	m.running = false
	m.logger.Info("Queue fusion manager stopped")
	return nil
}

// UpdateLocalQueues ingests a fresh set of local observations from the given
// camera, emits transition events and stores the snapshot.
func (m *Manager) UpdateLocalQueues(observations []Observation, cameraID string) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)

	m.cameraMu.RLock()
	position := m.cameraPosition
	orientation := m.cameraOrientation
	coverage := m.coverageArea
	m.cameraMu.RUnlock()

	snapshot := &EdgeQueueData{
		EdgeID:            m.edgeID,
		CameraID:          cameraID,
		LocalQueues:       observations,
		TrafficDensity:    aggregateDensity(observations),
		FlowRate:          aggregateFlowRate(observations),
		Timestamp:         now,
		CameraPosition:    position,
		CameraOrientation: orientation,
		CoverageArea:      coverage,
	}

	var emitted []*QueueEvent

	m.stateMu.Lock()
	m.edgeData[m.edgeID] = snapshot

	current := make(map[string]Observation, len(observations))
	for _, obs := range observations {
		queueID := fmt.Sprintf("%s_%s", m.edgeID, obs.ID)
		current[queueID] = obs

		prev, existed := m.lastLocal[queueID]
		if !existed {
			emitted = append(emitted, m.newEventLocked(queueID, EventFormed, obs.Confidence, observationData(obs)))
			continue
		}

		lengthDelta := math.Abs(obs.Length-prev.Length) / math.Max(prev.Length, 1)
		waitDelta := math.Abs(obs.WaitTime-prev.WaitTime) / math.Max(prev.WaitTime, 1)
		if lengthDelta > lengthChangeThreshold || waitDelta > waitTimeChangeThreshold {
			eventType := EventReduced
			if obs.Length > prev.Length {
				eventType = EventExtended
			}
			emitted = append(emitted, m.newEventLocked(queueID, eventType, obs.Confidence, observationData(obs)))
		}
	}

	for queueID, prev := range m.lastLocal {
		if _, still := current[queueID]; !still {
			emitted = append(emitted, m.newEventLocked(queueID, EventDissolved, prev.Confidence, observationData(prev)))
		}
	}
	m.lastLocal = current
	m.stateMu.Unlock()

	for _, event := range emitted {
		m.appendEvent(event)
		if significantEvents[event.EventType] {
			m.broadcastEvent(event)
		}
	}

	m.statsMu.Lock()
	m.stats.LocalUpdates++
	m.stats.EventsEmitted += int64(len(emitted))
	m.statsMu.Unlock()
}

// EmitEvent raises an externally detected event (congestion, anomaly) for a
// queue and propagates it like any locally generated event.
func (m *Manager) EmitEvent(queueID string, eventType EventType, confidence float64, data map[string]interface{}) *QueueEvent {
	m.stateMu.Lock()
	event := m.newEventLocked(queueID, eventType, confidence, data)
	m.stateMu.Unlock()

	m.appendEvent(event)
	if significantEvents[eventType] {
		m.broadcastEvent(event)
	}

	m.statsMu.Lock()
	m.stats.EventsEmitted++
	m.statsMu.Unlock()

	m.maybeProposeSignalChange(event)
	return event
}

// newEventLocked mints an event originating at this edge.
func (m *Manager) newEventLocked(queueID string, eventType EventType, confidence float64, data map[string]interface{}) *QueueEvent {
	return &QueueEvent{
		EventID:     fmt.Sprintf("%s_%s", m.edgeID, uuid.NewString()[:8]),
		QueueID:     queueID,
		EventType:   eventType,
		EdgeID:      m.edgeID,
		Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
		Data:        data,
		Confidence:  confidence,
		ProcessedBy: []string{m.edgeID},
	}
}

// appendEvent adds an event to the bounded ring, dropping the oldest entry
// when full.
func (m *Manager) appendEvent(event *QueueEvent) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()

	m.events = append(m.events, event)
	if size := m.config.EventRingSize; size > 0 && len(m.events) > size {
		m.events = m.events[len(m.events)-size:]
	}
}

// findEvent scans the ring for an event id.
func (m *Manager) findEvent(eventID string) *QueueEvent {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()

	for _, event := range m.events {
		if event.EventID == eventID {
			return event
		}
	}
	return nil
}

func (m *Manager) broadcastEvent(event *QueueEvent) {
	msg, err := mesh.NewMessage(m.edgeID, mesh.Broadcast, mesh.TypeQueueUpdate, nil, mesh.PriorityNormal, 60)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to build event broadcast")
		return
	}
	if err := msg.SetPayload(queueUpdatePayload{Event: event}); err != nil {
		m.logger.WithError(err).Warn("Failed to encode event broadcast")
		return
	}

	if err := m.substrate.Send(msg); err != nil {
		m.logger.WithError(err).WithField("event_id", event.EventID).Debug("Event broadcast failed")
	}
}

// handleQueueUpdate dispatches a peer's queue_update payload.
func (m *Manager) handleQueueUpdate(msg *mesh.Message) {
	var payload queueUpdatePayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.logger.WithError(err).Debug("Invalid queue update payload")
		return
	}

	switch {
	case payload.Event != nil:
		m.ingestEvent(payload.Event, msg.SenderID)
	case payload.EdgeData != nil:
		m.ingestEdgeData(payload.EdgeData)
	default:
		m.logger.Debug("Empty queue update payload")
	}
}

// ingestEvent applies a peer event: dedup by event id, ring append, global
// queue update, relay of significant events.
func (m *Manager) ingestEvent(event *QueueEvent, sender string) {
	if existing := m.findEvent(event.EventID); existing != nil {
		m.eventsMu.Lock()
		existing.markProcessed(sender)
		existing.markProcessed(m.edgeID)
		for _, id := range event.ProcessedBy {
			existing.markProcessed(id)
		}
		m.eventsMu.Unlock()

		m.statsMu.Lock()
		m.stats.EventsDuplicate++
		m.statsMu.Unlock()
		return
	}

	event.markProcessed(sender)
	event.markProcessed(m.edgeID)
	m.appendEvent(event)

	m.statsMu.Lock()
	m.stats.EventsIngested++
	m.statsMu.Unlock()

	m.applyEventToGlobal(event)
	m.maybeProposeSignalChange(event)

	if significantEvents[event.EventType] {
		m.broadcastEvent(event)
	}
}

// applyEventToGlobal updates or creates the DistributedQueue referenced by a
// peer event whose payload lies near a locally known observation.
func (m *Manager) applyEventToGlobal(event *QueueEvent) {
	obs, hasLocation := observationFromData(event.Data)
	if !hasLocation {
		return
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if !m.nearLocalObservationLocked(obs.Center) {
		return
	}

	existing, exists := m.globalQueues[event.QueueID]
	if !exists {
		m.globalQueues[event.QueueID] = &DistributedQueue{
			QueueID:           event.QueueID,
			PrimaryEdge:       event.EdgeID,
			ContributingEdges: []string{event.EdgeID},
			QueueType:         obs.QueueType,
			Location:          obs.Center,
			Length:            obs.Length,
			AverageWaitTime:   obs.WaitTime,
			Density:           obs.Density,
			Direction:         obs.Direction,
			Confidence:        event.Confidence,
			LastUpdated:       event.Timestamp,
		}
		return
	}

	existing.addContributor(event.EdgeID)

	total := existing.Confidence + event.Confidence
	if total > 0 {
		w := event.Confidence / total
		existing.Length = (1-w)*existing.Length + w*obs.Length
		existing.AverageWaitTime = (1-w)*existing.AverageWaitTime + w*obs.WaitTime
		existing.Density = (1-w)*existing.Density + w*obs.Density
		existing.Location.X = (1-w)*existing.Location.X + w*obs.Center.X
		existing.Location.Y = (1-w)*existing.Location.Y + w*obs.Center.Y
	}
	existing.Confidence = math.Min(1, (existing.Confidence+event.Confidence)/2)
	if event.Timestamp > existing.LastUpdated {
		existing.LastUpdated = event.Timestamp
	}
}

// nearLocalObservationLocked reports whether a point lies within the event
// proximity gate of any current local observation.
func (m *Manager) nearLocalObservationLocked(p Point) bool {
	for _, obs := range m.lastLocal {
		if distance(p, obs.Center) <= eventProximityUnits {
			return true
		}
	}
	return false
}

// ingestEdgeData replaces the peer snapshot and re-correlates overlapping
// coverage pairs.
func (m *Manager) ingestEdgeData(data *EdgeQueueData) {
	if data.EdgeID == m.edgeID {
		return
	}

	m.stateMu.Lock()
	m.edgeData[data.EdgeID] = data

	merged := 0
	for otherID, other := range m.edgeData {
		if otherID == data.EdgeID {
			continue
		}
		if coverageOverlap(data.CoverageArea, other.CoverageArea) <= overlapThreshold {
			continue
		}
		merged += m.correlatePairLocked(data, other)
	}
	m.stateMu.Unlock()

	m.statsMu.Lock()
	m.stats.PeerUpdates++
	m.stats.QueuesMerged += int64(merged)
	m.statsMu.Unlock()
}

// correlatePairLocked correlates all observation pairs of two snapshots and
// stores merged queues. Returns the number of merges performed.
func (m *Manager) correlatePairLocked(p, q *EdgeQueueData) int {
	merged := 0
	for _, a := range p.LocalQueues {
		for _, b := range q.LocalQueues {
			if correlationScore(a, b) <= correlationThreshold {
				continue
			}

			queue := mergeObservations(p.EdgeID, q.EdgeID, a, b)
			if existing, exists := m.globalQueues[queue.QueueID]; exists {
				// The merge is recomputed from the same pair; keep the
				// monotone lastUpdated.
				if queue.LastUpdated < existing.LastUpdated {
					queue.LastUpdated = existing.LastUpdated
				}
				for _, id := range existing.ContributingEdges {
					queue.addContributor(id)
				}
			}
			m.globalQueues[queue.QueueID] = queue
			merged++
		}
	}
	return merged
}

// maybeProposeSignalChange raises a traffic_signal_timing proposal when a
// congestion event crosses the severity gate.
func (m *Manager) maybeProposeSignalChange(event *QueueEvent) {
	if m.proposer == nil || event.EventType != EventCongestionDetected {
		return
	}

	level := floatFromData(event.Data, "congestion_level")
	if level <= congestionThreshold {
		return
	}

	improvement := floatFromData(event.Data, "expected_improvement")
	if improvement == 0 {
		improvement = 0.15
	}

	_, _, err := m.proposer.Propose(consensus.ProposalTrafficSignalTiming, map[string]interface{}{
		"traffic_load":         level,
		"expected_improvement": improvement,
		"queue_id":             event.QueueID,
	}, 0, mesh.PriorityNormal+2)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to propose signal timing change")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"queue_id":         event.QueueID,
		"congestion_level": level,
	}).Info("Proposed signal timing change for congestion")
}

// syncLoop broadcasts the local edge snapshot on the sync interval.
func (m *Manager) syncLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.broadcastEdgeData()
		}
	}
}

// broadcastEdgeData publishes the current local snapshot to all peers.
func (m *Manager) broadcastEdgeData() {
	m.stateMu.RLock()
	snapshot, exists := m.edgeData[m.edgeID]
	m.stateMu.RUnlock()
	if !exists {
		return
	}

	msg, err := mesh.NewMessage(m.edgeID, mesh.Broadcast, mesh.TypeQueueUpdate, nil, mesh.PriorityNormal, int(m.config.SyncInterval.Seconds())*2)
	if err != nil {
		return
	}
	if err := msg.SetPayload(queueUpdatePayload{EdgeData: snapshot}); err != nil {
		return
	}

	if err := m.substrate.Send(msg); err != nil {
		m.logger.WithError(err).Debug("Edge data broadcast failed")
	}
}

// analyticsLoop recomputes totals and averages on the analytics interval.
func (m *Manager) analyticsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.AnalyticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.computeAnalytics(float64(time.Now().UnixNano()) / float64(time.Second))
		}
	}
}

// computeAnalytics aggregates over queues updated within the active window.
func (m *Manager) computeAnalytics(now float64) {
	m.stateMu.RLock()
	var active []*DistributedQueue
	for _, queue := range m.globalQueues {
		if now-queue.LastUpdated < activeQueueWindow {
			active = append(active, queue)
		}
	}
	m.stateMu.RUnlock()

	analytics := Analytics{ComputedAt: now}
	analytics.ActiveQueues = len(active)

	var totalWait, totalDensity float64
	for _, queue := range active {
		analytics.TotalLength += queue.Length
		totalWait += queue.AverageWaitTime
		totalDensity += queue.Density
	}
	if len(active) > 0 {
		analytics.AverageWaitTime = totalWait / float64(len(active))
		analytics.AverageDensity = totalDensity / float64(len(active))
	}
	if totalWait > 0 {
		analytics.EfficiencyScore = math.Max(0.1, 30*float64(len(active))/totalWait)
	} else if len(active) > 0 {
		analytics.EfficiencyScore = 1.0
	}

	m.analyticsMu.Lock()
	m.analytics = analytics
	m.analyticsMu.Unlock()
}

// optimizationLoop scans for optimization opportunities.
func (m *Manager) optimizationLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.OptimizationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runOptimizationScan(float64(time.Now().UnixNano()) / float64(time.Second))
		}
	}
}

// runOptimizationScan flags long waits and underloaded edges.
func (m *Manager) runOptimizationScan(now float64) {
	var recommendations []Recommendation

	m.stateMu.RLock()
	for _, queue := range m.globalQueues {
		if queue.AverageWaitTime > longWaitThreshold {
			recommendations = append(recommendations, Recommendation{
				Type:     "reduce_wait_time",
				QueueID:  queue.QueueID,
				Value:    queue.AverageWaitTime,
				IssuedAt: now,
			})
		}
	}

	var totalDensity float64
	for _, data := range m.edgeData {
		totalDensity += data.TrafficDensity
	}
	if len(m.edgeData) > 0 {
		mean := totalDensity / float64(len(m.edgeData))
		for edgeID, data := range m.edgeData {
			if data.TrafficDensity < lowDensityFraction*mean {
				recommendations = append(recommendations, Recommendation{
					Type:     "load_balancing",
					EdgeID:   edgeID,
					Value:    data.TrafficDensity,
					IssuedAt: now,
				})
			}
		}
	}
	m.stateMu.RUnlock()

	m.analyticsMu.Lock()
	m.recommendations = recommendations
	m.analyticsMu.Unlock()
}

// GlobalQueues returns a snapshot of the fused queue store.
func (m *Manager) GlobalQueues() map[string]DistributedQueue {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	queues := make(map[string]DistributedQueue, len(m.globalQueues))
	for id, queue := range m.globalQueues {
		queues[id] = *queue
	}
	return queues
}

// Events returns a snapshot of the event ring, oldest first.
func (m *Manager) Events() []QueueEvent {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()

	events := make([]QueueEvent, len(m.events))
	for i, event := range m.events {
		events[i] = *event
	}
	return events
}

// EdgeData returns a snapshot of the known edge snapshots.
func (m *Manager) EdgeData() map[string]EdgeQueueData {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	data := make(map[string]EdgeQueueData, len(m.edgeData))
	for id, snapshot := range m.edgeData {
		data[id] = *snapshot
	}
	return data
}

// Analytics returns the latest analytics aggregate.
func (m *Manager) Analytics() Analytics {
	m.analyticsMu.RLock()
	defer m.analyticsMu.RUnlock()
	return m.analytics
}

// Recommendations returns the latest optimization findings.
func (m *Manager) Recommendations() []Recommendation {
	m.analyticsMu.RLock()
	defer m.analyticsMu.RUnlock()

	recommendations := make([]Recommendation, len(m.recommendations))
	copy(recommendations, m.recommendations)
	return recommendations
}

// Stats returns a snapshot of fusion statistics.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// aggregateDensity averages observation densities.
func aggregateDensity(observations []Observation) float64 {
	if len(observations) == 0 {
		return 0
	}

	var total float64
	for _, obs := range observations {
		total += obs.Density
	}
	return total / float64(len(observations))
}

// aggregateFlowRate derives a coarse flow estimate from queue lengths and
// wait times.
func aggregateFlowRate(observations []Observation) float64 {
	var flow float64
	for _, obs := range observations {
		if obs.WaitTime > 0 {
			flow += obs.Length / obs.WaitTime
		}
	}
	return flow
}

// observationData flattens an observation into an event data map.
func observationData(obs Observation) map[string]interface{} {
	raw, err := json.Marshal(obs)
	if err != nil {
		return map[string]interface{}{}
	}

	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]interface{}{}
	}
	return data
}

// observationFromData reconstructs an observation from event data, reporting
// whether a location was present.
func observationFromData(data map[string]interface{}) (Observation, bool) {
	if data == nil {
		return Observation{}, false
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Observation{}, false
	}

	var obs Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return Observation{}, false
	}

	if _, hasCenter := data["center"]; !hasCenter {
		return obs, false
	}
	return obs, true
}

// floatFromData reads a numeric field out of an event data map.
func floatFromData(data map[string]interface{}, key string) float64 {
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
