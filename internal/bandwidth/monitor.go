package bandwidth

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sam-2707/EdgeQI-sub000/internal/config"
)

// Condition is the coarse network quality class.
type Condition string

const (
	ConditionExcellent Condition = "excellent"
	ConditionGood      Condition = "good"
	ConditionFair      Condition = "fair"
	ConditionPoor      Condition = "poor"
	ConditionCritical  Condition = "critical"
)

// Trend describes where the link is heading.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Sub-score normalization bounds and window sizes.
const (
	latencyCeilingMs = 200.0
	lossCeilingPct   = 10.0

	stabilityWindow = 10
	trendWindow     = 5

	trendBandwidthSlope = 0.1
	trendLatencySlope   = 1.0
)

// Probe is one raw measurement returned by a Prober.
type Probe struct {
	AvailableMbps  float64
	UsedMbps       float64
	LatencyMs      float64
	JitterMs       float64
	PacketLossPct  float64
	ThroughputMbps float64
}

// Prober measures the transport link. The probing mechanism is deployment
// specific; production builds probe the mesh transport, tests supply fixed
// sequences.
type Prober interface {
	Probe(ctx context.Context) (Probe, error)
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) (Probe, error)

func (f ProbeFunc) Probe(ctx context.Context) (Probe, error) { return f(ctx) }

// Metrics is one classified sample.
type Metrics struct {
	AvailableMbps   float64   `json:"available_mbps"`
	UsedMbps        float64   `json:"used_mbps"`
	UtilizationPct  float64   `json:"utilization_pct"`
	LatencyMs       float64   `json:"latency_ms"`
	JitterMs        float64   `json:"jitter_ms"`
	PacketLossPct   float64   `json:"packet_loss_pct"`
	ThroughputMbps  float64   `json:"throughput_mbps"`
	Condition       Condition `json:"condition"`
	StabilityScore  float64   `json:"stability_score"`
	Trend           Trend     `json:"trend"`
	CongestionLevel float64   `json:"congestion_level"`
	Timestamp       time.Time `json:"timestamp"`
}

// Prediction is a linear extrapolation of available bandwidth.
type Prediction struct {
	AvailableMbps float64       `json:"available_mbps"`
	Horizon       time.Duration `json:"horizon"`
	Confidence    float64       `json:"confidence"`
}

// Monitor samples the link on a fixed interval and classifies its condition,
// stability and trend over a bounded history ring.
type Monitor struct {
	prober Prober
	config *config.BandwidthConfig
	logger *logrus.Entry

	history   []Metrics
	historyMu sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// NewMonitor creates a bandwidth monitor over the given prober.
func NewMonitor(prober Prober, cfg *config.BandwidthConfig, logger *logrus.Logger) *Monitor {
	return &Monitor{
		prober: prober,
		config: cfg,
		logger: logger.WithField("component", "bandwidth-monitor"),
	}
}

// Start begins periodic sampling.
func (m *Monitor) Start(ctx context.Context) error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if m.running {
		return fmt.Errorf("bandwidth monitor already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.sampleLoop()

	m.running = true
	m.logger.WithFields(logrus.Fields{
		"interval":     m.config.SampleInterval,
		"history_size": m.config.HistorySize,
	}).Info("Bandwidth monitor started")
	return nil
}

// Stop ends sampling.
func (m *Monitor) Stop() error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if !m.running {
		return nil
	}

	m.cancel()
	m.wg.Wait()
	m.running = false
	m.logger.Info("Bandwidth monitor stopped")
	return nil
}

func (m *Monitor) sampleLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sample(m.ctx); err != nil {
				m.logger.WithError(err).Warn("Bandwidth probe failed")
			}
		}
	}
}

// Sample probes the link once, classifies the result and appends it to the
// history ring.
func (m *Monitor) Sample(ctx context.Context) error {
	probe, err := m.prober.Probe(ctx)
	if err != nil {
		return err
	}

	sample := m.classify(probe, time.Now())

	m.historyMu.Lock()
	m.history = append(m.history, sample)
	if size := m.config.HistorySize; size > 0 && len(m.history) > size {
		m.history = m.history[len(m.history)-size:]
	}
	m.historyMu.Unlock()

	return nil
}

// classify turns a raw probe into a full sample, using the history for the
// stability and trend fields.
func (m *Monitor) classify(probe Probe, now time.Time) Metrics {
	maxBW := m.config.MaxBandwidthMbps
	utilization := 0.0
	if maxBW > 0 {
		utilization = math.Min(100, probe.UsedMbps/maxBW*100)
	}

	sample := Metrics{
		AvailableMbps:  probe.AvailableMbps,
		UsedMbps:       probe.UsedMbps,
		UtilizationPct: utilization,
		LatencyMs:      probe.LatencyMs,
		JitterMs:       probe.JitterMs,
		PacketLossPct:  probe.PacketLossPct,
		ThroughputMbps: probe.ThroughputMbps,
		Timestamp:      now,
	}

	sample.Condition = conditionFor(conditionScore(sample, maxBW))
	sample.CongestionLevel = clamp(0.7*utilization/100+0.3*math.Min(1, probe.PacketLossPct/lossCeilingPct), 0, 1)

	m.historyMu.RLock()
	sample.StabilityScore = stabilityScore(append(m.lastLocked(stabilityWindow-1), sample))
	sample.Trend = trendFor(append(m.lastLocked(trendWindow-1), sample))
	m.historyMu.RUnlock()

	return sample
}

// conditionScore blends normalized bandwidth, utilization headroom, latency
// and loss into [0, 1].
func conditionScore(sample Metrics, maxBW float64) float64 {
	bwScore := 1.0
	if maxBW > 0 {
		bwScore = clamp(sample.AvailableMbps/maxBW, 0, 1)
	}
	utilizationScore := clamp(1-sample.UtilizationPct/100, 0, 1)
	latencyScore := clamp(1-sample.LatencyMs/latencyCeilingMs, 0, 1)
	lossScore := clamp(1-sample.PacketLossPct/lossCeilingPct, 0, 1)

	return 0.3*bwScore + 0.3*utilizationScore + 0.2*latencyScore + 0.2*lossScore
}

func conditionFor(score float64) Condition {
	switch {
	case score >= 0.9:
		return ConditionExcellent
	case score >= 0.7:
		return ConditionGood
	case score >= 0.5:
		return ConditionFair
	case score >= 0.3:
		return ConditionPoor
	default:
		return ConditionCritical
	}
}

// lastLocked returns up to n most recent samples. Caller holds historyMu.
func (m *Monitor) lastLocked(n int) []Metrics {
	if len(m.history) <= n {
		return append([]Metrics(nil), m.history...)
	}
	return append([]Metrics(nil), m.history[len(m.history)-n:]...)
}

// stabilityScore is one minus the mean coefficient of variation of available
// bandwidth and latency over the window, clamped to [0, 1].
func stabilityScore(window []Metrics) float64 {
	if len(window) < 2 {
		return 1.0
	}

	var available, latency []float64
	for _, sample := range window {
		available = append(available, sample.AvailableMbps)
		latency = append(latency, sample.LatencyMs)
	}

	cov := (coefficientOfVariation(available) + coefficientOfVariation(latency)) / 2
	return clamp(1-cov, 0, 1)
}

func coefficientOfVariation(values []float64) float64 {
	m := mean(values)
	if m == 0 {
		return 0
	}
	return stddev(values) / m
}

// trendFor classifies the window by least-squares slopes of available
// bandwidth and latency.
func trendFor(window []Metrics) Trend {
	if len(window) < trendWindow {
		return TrendStable
	}

	var available, latency []float64
	for _, sample := range window {
		available = append(available, sample.AvailableMbps)
		latency = append(latency, sample.LatencyMs)
	}

	bwSlope := slope(available)
	latSlope := slope(latency)

	switch {
	case bwSlope > trendBandwidthSlope && latSlope < -trendLatencySlope:
		return TrendImproving
	case bwSlope < -trendBandwidthSlope || latSlope > trendLatencySlope:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// slope is the least-squares slope of values against their indices.
func slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Current returns the most recent sample; ok is false before the first probe.
func (m *Monitor) Current() (Metrics, bool) {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()

	if len(m.history) == 0 {
		return Metrics{}, false
	}
	return m.history[len(m.history)-1], true
}

// Condition returns the current condition, or critical before the first
// sample.
func (m *Monitor) Condition() Condition {
	sample, ok := m.Current()
	if !ok {
		return ConditionCritical
	}
	return sample.Condition
}

// History returns a copy of the sample ring, oldest first.
func (m *Monitor) History() []Metrics {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	return append([]Metrics(nil), m.history...)
}

// Predict extrapolates available bandwidth at now + horizon from the trend
// window, with confidence falling as the window gets noisier.
func (m *Monitor) Predict(horizon time.Duration) (Prediction, bool) {
	m.historyMu.RLock()
	window := m.lastLocked(trendWindow)
	m.historyMu.RUnlock()

	if len(window) < 2 {
		return Prediction{}, false
	}

	var available []float64
	for _, sample := range window {
		available = append(available, sample.AvailableMbps)
	}

	steps := float64(horizon) / float64(m.config.SampleInterval)
	predicted := available[len(available)-1] + slope(available)*steps

	confidence := 0.9
	if m := mean(available); m > 0 {
		confidence = clamp(1-stddev(available)/m, 0.1, 0.9)
	}

	return Prediction{
		AvailableMbps: math.Max(0, predicted),
		Horizon:       horizon,
		Confidence:    confidence,
	}, true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	m := mean(values)
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
