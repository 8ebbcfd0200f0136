package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/sam-2707/EdgeQI-sub000/internal/bandwidth"
	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/logger"
)

// Service exposes metrics, health and read-only fabric state over HTTP.
type Service struct {
	config *config.MonitoringConfig
	logger *logrus.Entry

	server *http.Server

	registry *prometheus.Registry
	metrics  *Metrics

	healthChecks map[string]HealthCheck
	healthMutex  sync.RWMutex

	fabric    *Fabric
	startTime time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// HealthCheck probes one subsystem.
type HealthCheck func() HealthStatus

// HealthStatus is the result of one health check.
type HealthStatus struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"` // healthy, unhealthy, unknown
	Message   string        `json:"message,omitempty"`
	Details   interface{}   `json:"details,omitempty"`
	LastCheck time.Time     `json:"last_check"`
	Duration  time.Duration `json:"duration"`
}

// Metrics holds the Prometheus instruments.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	MessagesSent     prometheus.Gauge
	MessagesReceived prometheus.Gauge
	MessagesDropped  prometheus.Gauge
	ConnectedPeers   prometheus.Gauge
	PendingAcks      prometheus.Gauge

	ConsensusProposed prometheus.Gauge
	ConsensusReached  prometheus.Gauge
	ConsensusFailed   prometheus.Gauge

	ActiveGlobalQueues prometheus.Gauge
	QueueEventsStored  prometheus.Gauge

	BandwidthAvailable prometheus.Gauge
	CongestionLevel    prometheus.Gauge

	TransfersCompleted prometheus.Gauge
	TransfersFailed    prometheus.Gauge
	TransferBacklog    *prometheus.GaugeVec

	GoRoutines  prometheus.Gauge
	MemoryUsage prometheus.Gauge
}

// NewService creates the monitoring service over the given fabric view.
func NewService(cfg *config.MonitoringConfig, fabric *Fabric) *Service {
	s := &Service{
		config:       cfg,
		logger:       logger.NewForComponent("monitoring"),
		registry:     prometheus.NewRegistry(),
		healthChecks: make(map[string]HealthCheck),
		fabric:       fabric,
		startTime:    time.Now(),
	}

	s.initializeMetrics()
	s.registerDefaultHealthChecks()
	return s
}

// Start brings up the HTTP server and the collection workers.
func (s *Service) Start(ctx context.Context) error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return fmt.Errorf("monitoring service is already running")
	}
	s.running = true
	s.runningMu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	if !s.config.Enabled {
		s.logger.Info("Monitoring disabled, skipping start")
		return nil
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler:      s.newHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	s.wg.Add(1)
	go s.collectorWorker()

	s.logger.WithField("port", s.config.MetricsPort).Info("Monitoring service started")
	return nil
}

// Stop shuts the server down and waits for the workers.
func (s *Service) Stop() error {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return nil
	}
	s.running = false
	s.runningMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}

	s.wg.Wait()
	s.logger.Info("Monitoring service stopped")
	return nil
}

func (s *Service) initializeMetrics() {
	s.metrics = &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		MessagesSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_messages_sent_total",
			Help: "Messages sent over the mesh",
		}),
		MessagesReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_messages_received_total",
			Help: "Messages received over the mesh",
		}),
		MessagesDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_messages_dropped_total",
			Help: "Messages dropped by envelope validation",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_connected_peers",
			Help: "Currently connected peers",
		}),
		PendingAcks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_pending_acks",
			Help: "Unicast messages awaiting acknowledgement",
		}),
		ConsensusProposed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_proposals_total",
			Help: "Proposals initiated by this node",
		}),
		ConsensusReached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_reached_total",
			Help: "Proposals that reached quorum",
		}),
		ConsensusFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_failed_total",
			Help: "Proposals that missed quorum",
		}),
		ActiveGlobalQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fusion_global_queues",
			Help: "Fused global queues currently tracked",
		}),
		QueueEventsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fusion_events_stored",
			Help: "Queue events held in the ring",
		}),
		BandwidthAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bandwidth_available_mbps",
			Help: "Measured available bandwidth",
		}),
		CongestionLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bandwidth_congestion_level",
			Help: "Congestion level between zero and one",
		}),
		TransfersCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transfers_completed_total",
			Help: "Transfers completed successfully",
		}),
		TransfersFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transfers_failed_total",
			Help: "Transfers that failed terminally",
		}),
		TransferBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "transfer_backlog",
				Help: "Queued transfers per class",
			},
			[]string{"class"},
		),
		GoRoutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "go_routines",
			Help: "Number of goroutines",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_bytes",
			Help: "Memory usage in bytes",
		}),
	}

	s.registry.MustRegister(
		s.metrics.HTTPRequestsTotal,
		s.metrics.HTTPRequestDuration,
		s.metrics.MessagesSent,
		s.metrics.MessagesReceived,
		s.metrics.MessagesDropped,
		s.metrics.ConnectedPeers,
		s.metrics.PendingAcks,
		s.metrics.ConsensusProposed,
		s.metrics.ConsensusReached,
		s.metrics.ConsensusFailed,
		s.metrics.ActiveGlobalQueues,
		s.metrics.QueueEventsStored,
		s.metrics.BandwidthAvailable,
		s.metrics.CongestionLevel,
		s.metrics.TransfersCompleted,
		s.metrics.TransfersFailed,
		s.metrics.TransferBacklog,
		s.metrics.GoRoutines,
		s.metrics.MemoryUsage,
	)
}

// collectorWorker refreshes the gauges from the fabric snapshots.
func (s *Service) collectorWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *Service) collect() {
	s.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.metrics.MemoryUsage.Set(float64(m.Alloc))

	if s.fabric == nil {
		return
	}

	if s.fabric.Substrate != nil {
		stats := s.fabric.Substrate.Stats()
		s.metrics.MessagesSent.Set(float64(stats.Sent))
		s.metrics.MessagesReceived.Set(float64(stats.Received))
		s.metrics.MessagesDropped.Set(float64(stats.Dropped))
		s.metrics.ConnectedPeers.Set(float64(len(s.fabric.Substrate.ConnectedPeers())))
		s.metrics.PendingAcks.Set(float64(s.fabric.Substrate.PendingAcks()))
	}

	if s.fabric.Consensus != nil {
		stats := s.fabric.Consensus.Stats()
		s.metrics.ConsensusProposed.Set(float64(stats.Proposed))
		s.metrics.ConsensusReached.Set(float64(stats.Reached))
		s.metrics.ConsensusFailed.Set(float64(stats.Failed))
	}

	if s.fabric.Fusion != nil {
		s.metrics.ActiveGlobalQueues.Set(float64(len(s.fabric.Fusion.GlobalQueues())))
		s.metrics.QueueEventsStored.Set(float64(len(s.fabric.Fusion.Events())))
	}

	if s.fabric.Bandwidth != nil {
		if sample, ok := s.fabric.Bandwidth.Current(); ok {
			s.metrics.BandwidthAvailable.Set(sample.AvailableMbps)
			s.metrics.CongestionLevel.Set(sample.CongestionLevel)
		}
	}

	if s.fabric.Transfers != nil {
		stats := s.fabric.Transfers.Stats()
		s.metrics.TransfersCompleted.Set(float64(stats.Completed))
		s.metrics.TransfersFailed.Set(float64(stats.Failed))
		for class, length := range s.fabric.Transfers.QueueLengths() {
			s.metrics.TransferBacklog.WithLabelValues(string(class)).Set(float64(length))
		}
	}
}

func (s *Service) registerDefaultHealthChecks() {
	s.RegisterHealthCheck("memory", s.memoryHealthCheck)
	s.RegisterHealthCheck("goroutines", s.goroutineHealthCheck)

	if s.fabric == nil {
		return
	}
	if s.fabric.Substrate != nil {
		s.RegisterHealthCheck("mesh", s.meshHealthCheck)
	}
	if s.fabric.Bandwidth != nil {
		s.RegisterHealthCheck("bandwidth", s.bandwidthHealthCheck)
	}
	if s.fabric.Consensus != nil {
		s.RegisterHealthCheck("consensus", s.consensusHealthCheck)
	}
	if s.fabric.Fusion != nil {
		s.RegisterHealthCheck("fusion", s.fusionHealthCheck)
	}
	if s.fabric.Transfers != nil {
		s.RegisterHealthCheck("transfers", s.transferHealthCheck)
	}
}

// RegisterHealthCheck registers a named health check.
func (s *Service) RegisterHealthCheck(name string, check HealthCheck) {
	s.healthMutex.Lock()
	defer s.healthMutex.Unlock()
	s.healthChecks[name] = check
}

func (s *Service) getHealthStatuses() []HealthStatus {
	s.healthMutex.RLock()
	defer s.healthMutex.RUnlock()

	statuses := make([]HealthStatus, 0, len(s.healthChecks))
	for name, check := range s.healthChecks {
		start := time.Now()
		status := check()
		status.Name = name
		status.LastCheck = start
		status.Duration = time.Since(start)
		statuses = append(statuses, status)
	}
	return statuses
}

func (s *Service) memoryHealthCheck() HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	const maxMemory = 1024 * 1024 * 1024

	status := "healthy"
	message := fmt.Sprintf("Memory usage: %d MB", m.Alloc/1024/1024)
	if m.Alloc > maxMemory {
		status = "unhealthy"
		message = fmt.Sprintf("High memory usage: %d MB", m.Alloc/1024/1024)
	}

	return HealthStatus{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"alloc_bytes": m.Alloc,
			"sys_bytes":   m.Sys,
			"num_gc":      m.NumGC,
		},
	}
}

func (s *Service) goroutineHealthCheck() HealthStatus {
	count := runtime.NumGoroutine()

	const maxGoroutines = 1000

	status := "healthy"
	message := fmt.Sprintf("Goroutines: %d", count)
	if count > maxGoroutines {
		status = "unhealthy"
		message = fmt.Sprintf("High goroutine count: %d", count)
	}

	return HealthStatus{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{"count": count},
	}
}

func (s *Service) meshHealthCheck() HealthStatus {
	peers := s.fabric.Substrate.ConnectedPeers()

	status := "healthy"
	message := fmt.Sprintf("Connected peers: %d", len(peers))
	if len(peers) == 0 {
		status = "unhealthy"
		message = "No connected peers"
	}

	return HealthStatus{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{"peers": peers},
	}
}

func (s *Service) bandwidthHealthCheck() HealthStatus {
	sample, ok := s.fabric.Bandwidth.Current()
	if !ok {
		return HealthStatus{Status: "unknown", Message: "No bandwidth sample yet"}
	}

	status := "healthy"
	message := fmt.Sprintf("Condition: %s", sample.Condition)
	if sample.Condition == bandwidth.ConditionCritical {
		status = "unhealthy"
		message = "Link condition critical"
	}

	return HealthStatus{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"available_mbps": sample.AvailableMbps,
			"latency_ms":     sample.LatencyMs,
			"condition":      string(sample.Condition),
		},
	}
}

func (s *Service) consensusHealthCheck() HealthStatus {
	stats := s.fabric.Consensus.Stats()
	active := s.fabric.Consensus.ActiveProposals()

	return HealthStatus{
		Status:  "healthy",
		Message: fmt.Sprintf("Active proposals: %d", active),
		Details: map[string]interface{}{
			"active":   active,
			"proposed": stats.Proposed,
			"reached":  stats.Reached,
			"failed":   stats.Failed,
		},
	}
}

func (s *Service) fusionHealthCheck() HealthStatus {
	queues := len(s.fabric.Fusion.GlobalQueues())
	events := len(s.fabric.Fusion.Events())

	return HealthStatus{
		Status:  "healthy",
		Message: fmt.Sprintf("Global queues: %d", queues),
		Details: map[string]interface{}{
			"global_queues": queues,
			"events_stored": events,
		},
	}
}

func (s *Service) transferHealthCheck() HealthStatus {
	backlog := 0
	for _, length := range s.fabric.Transfers.QueueLengths() {
		backlog += length
	}

	const maxBacklog = 2000

	status := "healthy"
	message := fmt.Sprintf("Backlog: %d", backlog)
	if backlog > maxBacklog {
		status = "unhealthy"
		message = fmt.Sprintf("High transfer backlog: %d", backlog)
	}

	return HealthStatus{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"backlog": backlog,
			"active":  s.fabric.Transfers.ActiveCount(),
		},
	}
}

// RecordHTTPRequest records request metrics.
func (s *Service) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	s.metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	s.metrics.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
