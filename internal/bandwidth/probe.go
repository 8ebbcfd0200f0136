package bandwidth

import (
	"context"
	"sync"
	"time"
)

// CounterFunc reports cumulative bytes sent and received by the transport.
type CounterFunc func() (bytesSent, bytesReceived int64)

// LatencyFunc measures current round-trip latency in milliseconds. May be
// nil when the deployment has no active probe.
type LatencyFunc func(ctx context.Context) (float64, error)

// TransportProber derives bandwidth samples from transport byte counters,
// measuring throughput as the byte delta since the previous probe.
type TransportProber struct {
	counters CounterFunc
	latency  LatencyFunc
	maxMbps  float64

	mu        sync.Mutex
	lastSent  int64
	lastRecv  int64
	lastProbe time.Time
	lastLatMs float64
}

// NewTransportProber wraps transport counters as a Prober. latency may be
// nil.
func NewTransportProber(counters CounterFunc, latency LatencyFunc, maxMbps float64) *TransportProber {
	return &TransportProber{
		counters: counters,
		latency:  latency,
		maxMbps:  maxMbps,
	}
}

func (p *TransportProber) Probe(ctx context.Context) (Probe, error) {
	sent, recv := p.counters()
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var throughput float64
	if !p.lastProbe.IsZero() {
		elapsed := now.Sub(p.lastProbe).Seconds()
		if elapsed > 0 {
			deltaBits := float64((sent-p.lastSent)+(recv-p.lastRecv)) * 8
			throughput = deltaBits / elapsed / 1e6
		}
	}

	var latencyMs, jitterMs float64
	if p.latency != nil {
		measured, err := p.latency(ctx)
		if err == nil {
			if p.lastLatMs > 0 {
				jitterMs = measured - p.lastLatMs
				if jitterMs < 0 {
					jitterMs = -jitterMs
				}
			}
			latencyMs = measured
			p.lastLatMs = measured
		}
	}

	p.lastSent = sent
	p.lastRecv = recv
	p.lastProbe = now

	used := throughput
	available := p.maxMbps - used
	if available < 0 {
		available = 0
	}

	return Probe{
		AvailableMbps:  available,
		UsedMbps:       used,
		LatencyMs:      latencyMs,
		JitterMs:       jitterMs,
		ThroughputMbps: throughput,
	}, nil
}
