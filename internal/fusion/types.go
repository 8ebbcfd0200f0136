package fusion

// QueueType classifies what a queue is made of.
type QueueType string

const (
	QueuePedestrian QueueType = "pedestrian"
	QueueVehicle    QueueType = "vehicle"
	QueueMixed      QueueType = "mixed"
	QueueUnknown    QueueType = "unknown"
)

// EventType is the kind of queue transition an event reports.
type EventType string

const (
	EventFormed             EventType = "formed"
	EventDissolved          EventType = "dissolved"
	EventExtended           EventType = "extended"
	EventReduced            EventType = "reduced"
	EventCongestionDetected EventType = "congestion_detected"
	EventCongestionCleared  EventType = "congestion_cleared"
	EventAnomalyDetected    EventType = "anomaly_detected"
)

// significantEvents trigger a mesh broadcast.
var significantEvents = map[EventType]bool{
	EventFormed:             true,
	EventCongestionDetected: true,
	EventAnomalyDetected:    true,
}

// Point is a position in local planar coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Vector is a 2D direction.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Observation is one locally detected queue in a camera view.
type Observation struct {
	ID         string    `json:"id"`
	Center     Point     `json:"center"`
	Length     float64   `json:"length"`
	WaitTime   float64   `json:"wait_time"`
	Density    float64   `json:"density"`
	Direction  Vector    `json:"direction"`
	Confidence float64   `json:"confidence"`
	Timestamp  float64   `json:"timestamp"`
	QueueType  QueueType `json:"queue_type"`
}

// EdgeQueueData is the latest local observation snapshot of one edge.
type EdgeQueueData struct {
	EdgeID            string        `json:"edge_id"`
	CameraID          string        `json:"camera_id"`
	LocalQueues       []Observation `json:"local_queues"`
	TrafficDensity    float64       `json:"traffic_density"`
	FlowRate          float64       `json:"flow_rate"`
	Timestamp         float64       `json:"timestamp"`
	CameraPosition    Point         `json:"camera_position"`
	CameraOrientation float64       `json:"camera_orientation"`
	CoverageArea      []Point       `json:"coverage_area"`
}

// DistributedQueue is a globally identified queue fused from correlated
// observations across edges.
type DistributedQueue struct {
	QueueID           string                 `json:"queue_id"`
	PrimaryEdge       string                 `json:"primary_edge"`
	ContributingEdges []string               `json:"contributing_edges"`
	QueueType         QueueType              `json:"queue_type"`
	Location          Point                  `json:"location"`
	Length            float64                `json:"length"`
	AverageWaitTime   float64                `json:"average_wait_time"`
	Density           float64                `json:"density"`
	Direction         Vector                 `json:"direction"`
	Confidence        float64                `json:"confidence"`
	LastUpdated       float64                `json:"last_updated"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// hasContributor reports whether the edge is already listed.
func (q *DistributedQueue) hasContributor(edgeID string) bool {
	for _, id := range q.ContributingEdges {
		if id == edgeID {
			return true
		}
	}
	return false
}

// addContributor appends the edge if not already listed.
func (q *DistributedQueue) addContributor(edgeID string) {
	if !q.hasContributor(edgeID) {
		q.ContributingEdges = append(q.ContributingEdges, edgeID)
	}
}

// QueueEvent reports a salient queue transition.
type QueueEvent struct {
	EventID     string                 `json:"event_id"`
	QueueID     string                 `json:"queue_id"`
	EventType   EventType              `json:"event_type"`
	EdgeID      string                 `json:"edge_id"`
	Timestamp   float64                `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Confidence  float64                `json:"confidence"`
	ProcessedBy []string               `json:"processed_by"`
}

func (e *QueueEvent) processedByContains(edgeID string) bool {
	for _, id := range e.ProcessedBy {
		if id == edgeID {
			return true
		}
	}
	return false
}

func (e *QueueEvent) markProcessed(edgeID string) {
	if !e.processedByContains(edgeID) {
		e.ProcessedBy = append(e.ProcessedBy, edgeID)
	}
}

// queueUpdatePayload is the wire payload of a queue_update message: exactly
// one of event or edge_data is set.
type queueUpdatePayload struct {
	Event    *QueueEvent    `json:"event,omitempty"`
	EdgeData *EdgeQueueData `json:"edge_data,omitempty"`
}

// Analytics is a periodic aggregate over recently updated global queues.
type Analytics struct {
	ActiveQueues    int     `json:"active_queues"`
	TotalLength     float64 `json:"total_length"`
	AverageWaitTime float64 `json:"average_wait_time"`
	AverageDensity  float64 `json:"average_density"`
	EfficiencyScore float64 `json:"efficiency_score"`
	ComputedAt      float64 `json:"computed_at"`
}

// Recommendation is one optimization finding.
type Recommendation struct {
	Type     string  `json:"type"` // "reduce_wait_time", "load_balancing"
	QueueID  string  `json:"queue_id,omitempty"`
	EdgeID   string  `json:"edge_id,omitempty"`
	Value    float64 `json:"value"`
	IssuedAt float64 `json:"issued_at"`
}
