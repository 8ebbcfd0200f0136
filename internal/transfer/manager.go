package transfer

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
)

// Terminal and rejection reasons.
const (
	ReasonDeadlineExceeded   = "deadline_exceeded"
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
	ReasonEvicted            = "evicted"
	ReasonCancelled          = "cancelled"
)

var (
	ErrQueueFull       = errors.New("transfer queue full")
	ErrUnknownPriority = errors.New("unknown transfer priority")
	ErrNotFound        = errors.New("transfer not found")
	ErrActiveTransfer  = errors.New("transfer already active")
	ErrNotRunning      = errors.New("transfer manager not running")
)

// Status of a finished transfer.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is delivered to the request callback when a transfer terminates.
type Outcome struct {
	RequestID   string
	Status      Status
	Reason      string
	Attempts    int
	CompletedAt time.Time
}

// Compression level applied before transmission.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionLow    Compression = "low"
	CompressionMedium Compression = "medium"
	CompressionUltra  Compression = "ultra"
)

// Decision is the transmission plan for one request under the current
// network condition.
type Decision struct {
	ShouldTransmit    bool
	Compression       Compression
	QualityReduction  float64
	EstimatedMbps     float64
	EffectivePriority Priority
}

// Sender performs the actual transmission. The mesh substrate backs it in
// production; tests substitute recorders.
type Sender interface {
	Send(ctx context.Context, req *Request, decision Decision) error
}

// Stats counts transfer activity.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Deferred  int64
	Evicted   int64
	Cancelled int64
}

const (
	allocationCeiling = 0.9
	minPrivilegedMbps = 0.1
	deferDelay        = 500 * time.Millisecond
	maxBackoff        = 60 * time.Second
)

// Manager schedules prioritized transfers against the measured link,
// applying per-class QoS shares and adaptive compression.
type Manager struct {
	sender  Sender
	monitor *bandwidth.Monitor
	config  *config.TransferConfig
	maxMbps float64
	logger  *logrus.Entry

	queues  map[Priority]*classQueue
	queueMu sync.Mutex
	wake    *sync.Cond

	active   map[string]*Request
	activeMu sync.Mutex

	allocated float64
	allocMu   sync.Mutex

	stats   Stats
	statsMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// NewManager creates a transfer manager sending through the given sender and
// consulting the monitor for admission.
func NewManager(sender Sender, monitor *bandwidth.Monitor, cfg *config.TransferConfig, bwCfg *config.BandwidthConfig, logger *logrus.Logger) *Manager {
	m := &Manager{
		sender:  sender,
		monitor: monitor,
		config:  cfg,
		maxMbps: bwCfg.MaxBandwidthMbps,
		logger:  logger.WithField("component", "transfer-manager"),
		queues:  make(map[Priority]*classQueue, len(classOrder)),
		active:  make(map[string]*Request),
	}
	m.wake = sync.NewCond(&m.queueMu)

	for _, class := range classOrder {
		m.queues[class] = newClassQueue(cfg.MaxQueueSizes[string(class)])
	}
	return m
}

// Start launches the worker pool.
func (m *Manager) Start(ctx context.Context) error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if m.running {
		return fmt.Errorf("transfer manager already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	workers := m.config.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	m.running = true
	m.logger.WithField("workers", workers).Info("Transfer manager started")
	return nil
}

// Stop drains the workers. Queued requests stay queued; active sends finish.
func (m *Manager) Stop() error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if !m.running {
		return nil
	}

	m.cancel()
	m.queueMu.Lock()
	m.wake.Broadcast()
	m.queueMu.Unlock()
	m.wg.Wait()
	m.running = false
	m.logger.Info("Transfer manager stopped")
	return nil
}

// Submit enqueues a request. When the target class is full, critical and
// high requests displace the oldest request of the lowest non-empty class
// below them; all other classes are rejected outright.
func (m *Manager) Submit(req *Request) error {
	if !ValidPriority(req.Priority) {
		return fmt.Errorf("%w: %q", ErrUnknownPriority, req.Priority)
	}

	if req.ID == "" {
		req.ID = fmt.Sprintf("xfer_%s", uuid.NewString()[:8])
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	if req.Deadline.IsZero() {
		if timeout, ok := m.config.ClassTimeouts[string(req.Priority)]; ok && timeout > 0 {
			req.Deadline = req.SubmittedAt.Add(timeout)
		}
	}

	var evicted *Request

	m.queueMu.Lock()
	target := m.queues[req.Priority]
	if target.full() {
		if classRank[req.Priority] > classRank[PriorityHigh] {
			m.queueMu.Unlock()
			return fmt.Errorf("%w: %s", ErrQueueFull, req.Priority)
		}
		evicted = m.evictBelowLocked(req.Priority)
		if evicted == nil {
			m.queueMu.Unlock()
			return fmt.Errorf("%w: %s and nothing to evict", ErrQueueFull, req.Priority)
		}
	}
	target.push(req)
	m.queueMu.Unlock()
	m.wake.Signal()

	m.statsMu.Lock()
	m.stats.Submitted++
	if evicted != nil {
		m.stats.Evicted++
	}
	m.statsMu.Unlock()

	if evicted != nil {
		m.finish(evicted, StatusFailed, ReasonEvicted)
		m.logger.WithFields(logrus.Fields{
			"evicted":  evicted.ID,
			"admitted": req.ID,
		}).Debug("Displaced lower class request")
	}
	return nil
}

// evictBelowLocked removes the oldest request from the lowest non-empty
// class strictly below the given one. Caller holds queueMu.
func (m *Manager) evictBelowLocked(class Priority) *Request {
	for i := len(classOrder) - 1; i >= 0; i-- {
		candidate := classOrder[i]
		if classRank[candidate] <= classRank[class] {
			return nil
		}
		if req := m.queues[candidate].pop(); req != nil {
			return req
		}
	}
	return nil
}

// Cancel removes a queued request. Active transfers cannot be cancelled.
func (m *Manager) Cancel(id string) error {
	m.activeMu.Lock()
	_, isActive := m.active[id]
	m.activeMu.Unlock()
	if isActive {
		return ErrActiveTransfer
	}

	m.queueMu.Lock()
	var removed *Request
	for _, class := range classOrder {
		if req := m.queues[class].remove(id); req != nil {
			removed = req
			break
		}
	}
	m.queueMu.Unlock()

	if removed == nil {
		return ErrNotFound
	}

	m.statsMu.Lock()
	m.stats.Cancelled++
	m.statsMu.Unlock()

	m.finish(removed, StatusCancelled, ReasonCancelled)
	return nil
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()

	for {
		req := m.nextRequest()
		if req == nil {
			return
		}
		m.process(req)
	}
}

// nextRequest blocks until a request is available or the manager stops.
// Classes are scanned most urgent first, so the highest nonempty class
// always makes progress.
func (m *Manager) nextRequest() *Request {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	for {
		if m.ctx.Err() != nil {
			return nil
		}
		for _, class := range classOrder {
			if req := m.queues[class].pop(); req != nil {
				return req
			}
		}
		m.wake.Wait()
	}
}

// process runs one admission and transmission attempt for a popped request.
func (m *Manager) process(req *Request) {
	now := time.Now()
	if !req.Deadline.IsZero() && now.After(req.Deadline) {
		m.countFailure()
		m.finish(req, StatusFailed, ReasonDeadlineExceeded)
		return
	}

	decision := Decide(m.monitor.Condition(), req.Priority)
	if !decision.ShouldTransmit {
		m.deferRequest(req)
		return
	}

	grant, admitted := m.allocate(decision.EffectivePriority)
	if !admitted {
		m.deferRequest(req)
		return
	}
	decision.EstimatedMbps = grant

	m.activeMu.Lock()
	m.active[req.ID] = req
	m.activeMu.Unlock()

	err := m.sender.Send(m.ctx, req, decision)

	m.activeMu.Lock()
	delete(m.active, req.ID)
	m.activeMu.Unlock()
	m.release(grant)

	if err == nil {
		m.statsMu.Lock()
		m.stats.Completed++
		m.statsMu.Unlock()
		m.finish(req, StatusCompleted, "")
		return
	}

	req.RetryCount++
	if req.RetryCount <= req.MaxRetries {
		m.statsMu.Lock()
		m.stats.Retried++
		m.statsMu.Unlock()

		delay := backoffDelay(req.RetryCount)
		m.logger.WithFields(logrus.Fields{
			"transfer_id": req.ID,
			"retry":       req.RetryCount,
			"delay":       delay,
		}).Debug("Retrying transfer after backoff")
		m.requeueAfter(req, delay)
		return
	}

	m.countFailure()
	m.finish(req, StatusFailed, ReasonMaxRetriesExceeded)
}

// deferRequest parks a request the link cannot carry right now and requeues
// it shortly.
func (m *Manager) deferRequest(req *Request) {
	m.statsMu.Lock()
	m.stats.Deferred++
	m.statsMu.Unlock()
	m.requeueAfter(req, deferDelay)
}

// requeueAfter re-enqueues a previously admitted request, bypassing the
// class cap.
func (m *Manager) requeueAfter(req *Request, delay time.Duration) {
	time.AfterFunc(delay, func() {
		m.runningMu.RLock()
		running := m.running
		m.runningMu.RUnlock()
		if !running {
			return
		}

		m.queueMu.Lock()
		m.queues[req.Priority].push(req)
		m.queueMu.Unlock()
		m.wake.Signal()
	})
}

// backoffDelay is exponential in the retry count, capped at one minute.
func backoffDelay(retryCount int) time.Duration {
	seconds := math.Min(math.Pow(2, float64(retryCount)), maxBackoff.Seconds())
	return time.Duration(seconds * float64(time.Second))
}

// allocate reserves bandwidth for one transfer of the given class. The
// reservation never pushes the total beyond the allocation ceiling.
func (m *Manager) allocate(class Priority) (float64, bool) {
	share := m.config.BandwidthShares[string(class)] * m.maxMbps

	required := share / 2
	if classRank[class] <= classRank[PriorityHigh] {
		required = minPrivilegedMbps
	}

	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	capacity := m.maxMbps*allocationCeiling - m.allocated
	grant := math.Min(share, capacity)
	if grant < required {
		return 0, false
	}

	m.allocated += grant
	return grant, true
}

func (m *Manager) release(grant float64) {
	m.allocMu.Lock()
	m.allocated -= grant
	if m.allocated < 0 {
		m.allocated = 0
	}
	m.allocMu.Unlock()
}

// Decide maps the current network condition and a request class to a
// transmission plan.
func Decide(condition bandwidth.Condition, priority Priority) Decision {
	decision := Decision{EffectivePriority: priority}

	switch condition {
	case bandwidth.ConditionExcellent:
		decision.ShouldTransmit = true
		decision.Compression = CompressionNone
	case bandwidth.ConditionGood:
		decision.ShouldTransmit = true
		decision.Compression = CompressionLow
		decision.QualityReduction = 0.1
	case bandwidth.ConditionFair:
		decision.ShouldTransmit = true
		decision.Compression = CompressionMedium
		decision.QualityReduction = 0.3
		if classRank[priority] <= classRank[PriorityMedium] {
			decision.EffectivePriority = boost(priority)
		}
	default:
		// poor and critical links carry critical traffic only.
		if priority == PriorityCritical {
			decision.ShouldTransmit = true
			decision.Compression = CompressionUltra
			decision.QualityReduction = 0.7
		}
	}
	return decision
}

// boost promotes a class one step toward critical.
func boost(priority Priority) Priority {
	rank := classRank[priority]
	if rank == 0 {
		return priority
	}
	return classOrder[rank-1]
}

func (m *Manager) countFailure() {
	m.statsMu.Lock()
	m.stats.Failed++
	m.statsMu.Unlock()
}

// finish invokes the completion callback, if any.
func (m *Manager) finish(req *Request, status Status, reason string) {
	if req.Callback == nil {
		return
	}
	req.Callback(Outcome{
		RequestID:   req.ID,
		Status:      status,
		Reason:      reason,
		Attempts:    req.RetryCount,
		CompletedAt: time.Now(),
	})
}

// QueueLengths returns the current per-class backlog.
func (m *Manager) QueueLengths() map[Priority]int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	lengths := make(map[Priority]int, len(classOrder))
	for _, class := range classOrder {
		lengths[class] = m.queues[class].len()
	}
	return lengths
}

// ActiveCount returns the number of in-flight transfers.
func (m *Manager) ActiveCount() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return len(m.active)
}

// AllocatedMbps returns the currently reserved bandwidth.
func (m *Manager) AllocatedMbps() float64 {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	return m.allocated
}

// Stats returns a snapshot of transfer counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}
