package bandwidth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/logger"
)

func testBandwidthConfig() *config.BandwidthConfig {
	return &config.BandwidthConfig{
		MaxBandwidthMbps: 100,
		SampleInterval:   time.Second,
		HistorySize:      300,
	}
}

// sequenceProber replays a fixed list of probes.
type sequenceProber struct {
	probes []Probe
	next   int
}

func (p *sequenceProber) Probe(ctx context.Context) (Probe, error) {
	probe := p.probes[p.next%len(p.probes)]
	p.next++
	return probe, nil
}

func newTestMonitor(probes ...Probe) *Monitor {
	return NewMonitor(&sequenceProber{probes: probes}, testBandwidthConfig(), logger.New())
}

func sampleN(t *testing.T, m *Monitor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.Sample(context.Background()))
	}
}

func TestConditionClassification(t *testing.T) {
	tests := []struct {
		name  string
		probe Probe
		want  Condition
	}{
		{
			name:  "idle link is excellent",
			probe: Probe{AvailableMbps: 100, UsedMbps: 2, LatencyMs: 5, PacketLossPct: 0},
			want:  ConditionExcellent,
		},
		{
			name:  "light load is good",
			probe: Probe{AvailableMbps: 70, UsedMbps: 30, LatencyMs: 40, PacketLossPct: 0.5},
			want:  ConditionGood,
		},
		{
			name:  "half loaded is fair",
			probe: Probe{AvailableMbps: 45, UsedMbps: 55, LatencyMs: 90, PacketLossPct: 2},
			want:  ConditionFair,
		},
		{
			name:  "heavy load is poor",
			probe: Probe{AvailableMbps: 25, UsedMbps: 75, LatencyMs: 120, PacketLossPct: 3},
			want:  ConditionPoor,
		},
		{
			name:  "saturated link is critical",
			probe: Probe{AvailableMbps: 2, UsedMbps: 98, LatencyMs: 250, PacketLossPct: 12},
			want:  ConditionCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(tt.probe)
			sampleN(t, m, 1)

			sample, ok := m.Current()
			require.True(t, ok)
			assert.Equal(t, tt.want, sample.Condition)
		})
	}
}

func TestConditionBeforeFirstSample(t *testing.T) {
	m := newTestMonitor(Probe{})
	assert.Equal(t, ConditionCritical, m.Condition())

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestStabilityOfSteadyLink(t *testing.T) {
	m := newTestMonitor(Probe{AvailableMbps: 80, UsedMbps: 20, LatencyMs: 20})
	sampleN(t, m, 10)

	sample, ok := m.Current()
	require.True(t, ok)
	assert.InDelta(t, 1.0, sample.StabilityScore, 1e-9)
}

func TestStabilityOfNoisyLink(t *testing.T) {
	m := newTestMonitor(
		Probe{AvailableMbps: 90, UsedMbps: 10, LatencyMs: 10},
		Probe{AvailableMbps: 20, UsedMbps: 80, LatencyMs: 150},
	)
	sampleN(t, m, 10)

	sample, ok := m.Current()
	require.True(t, ok)
	assert.Less(t, sample.StabilityScore, 0.6)
}

func TestTrendImproving(t *testing.T) {
	m := newTestMonitor(
		Probe{AvailableMbps: 10, LatencyMs: 100},
		Probe{AvailableMbps: 20, LatencyMs: 80},
		Probe{AvailableMbps: 30, LatencyMs: 60},
		Probe{AvailableMbps: 40, LatencyMs: 40},
		Probe{AvailableMbps: 50, LatencyMs: 20},
	)
	sampleN(t, m, 5)

	sample, _ := m.Current()
	assert.Equal(t, TrendImproving, sample.Trend)
}

func TestTrendDegrading(t *testing.T) {
	m := newTestMonitor(
		Probe{AvailableMbps: 50, LatencyMs: 20},
		Probe{AvailableMbps: 40, LatencyMs: 40},
		Probe{AvailableMbps: 30, LatencyMs: 60},
		Probe{AvailableMbps: 20, LatencyMs: 80},
		Probe{AvailableMbps: 10, LatencyMs: 100},
	)
	sampleN(t, m, 5)

	sample, _ := m.Current()
	assert.Equal(t, TrendDegrading, sample.Trend)
}

func TestTrendStableWithShortHistory(t *testing.T) {
	m := newTestMonitor(Probe{AvailableMbps: 50, LatencyMs: 20})
	sampleN(t, m, 2)

	sample, _ := m.Current()
	assert.Equal(t, TrendStable, sample.Trend)
}

func TestPredictionExtrapolatesSlope(t *testing.T) {
	m := newTestMonitor(
		Probe{AvailableMbps: 10},
		Probe{AvailableMbps: 20},
		Probe{AvailableMbps: 30},
		Probe{AvailableMbps: 40},
		Probe{AvailableMbps: 50},
	)
	sampleN(t, m, 5)

	prediction, ok := m.Predict(3 * time.Second)
	require.True(t, ok)
	// Slope 10 Mbps per sample, three steps ahead of 50.
	assert.InDelta(t, 80.0, prediction.AvailableMbps, 1e-9)
	assert.GreaterOrEqual(t, prediction.Confidence, 0.1)
	assert.LessOrEqual(t, prediction.Confidence, 0.9)
}

func TestPredictionRequiresHistory(t *testing.T) {
	m := newTestMonitor(Probe{AvailableMbps: 50})
	sampleN(t, m, 1)

	_, ok := m.Predict(time.Second)
	assert.False(t, ok)
}

func TestPredictionNeverNegative(t *testing.T) {
	m := newTestMonitor(
		Probe{AvailableMbps: 40},
		Probe{AvailableMbps: 30},
		Probe{AvailableMbps: 20},
		Probe{AvailableMbps: 10},
		Probe{AvailableMbps: 1},
	)
	sampleN(t, m, 5)

	prediction, ok := m.Predict(10 * time.Second)
	require.True(t, ok)
	assert.GreaterOrEqual(t, prediction.AvailableMbps, 0.0)
}

func TestHistoryRingBounded(t *testing.T) {
	m := NewMonitor(&sequenceProber{probes: []Probe{{AvailableMbps: 50}}}, &config.BandwidthConfig{
		MaxBandwidthMbps: 100,
		SampleInterval:   time.Second,
		HistorySize:      5,
	}, logger.New())

	sampleN(t, m, 12)
	assert.Len(t, m.History(), 5)
}

func TestTransportProberThroughput(t *testing.T) {
	var sent, recv int64
	prober := NewTransportProber(func() (int64, int64) { return sent, recv }, nil, 100)

	_, err := prober.Probe(context.Background())
	require.NoError(t, err)

	// 1 MB in each direction since the last probe.
	sent += 1_000_000
	recv += 1_000_000
	time.Sleep(20 * time.Millisecond)

	probe, err := prober.Probe(context.Background())
	require.NoError(t, err)
	assert.Greater(t, probe.ThroughputMbps, 0.0)
	assert.InDelta(t, 100-probe.UsedMbps, probe.AvailableMbps, 1e-9)
	assert.Equal(t, probe.UsedMbps, probe.ThroughputMbps)
}
