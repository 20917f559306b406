// Package health implements the Predictive Health Monitor: a single EWMA
// over instantaneous RAM-used bytes, sampled at a fixed period, producing
// an OOM-ETA admission gate. Structurally grounded on the teacher's
// internal/superbrain/overwatch.Monitor (per-context background ticker
// goroutine, sync.RWMutex-guarded state, start/stop lifecycle) generalized
// from per-process silence detection to one process-wide EWMA sampler, and
// on internal/superbrain/metrics.Metrics for the atomic counter/gauge style.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures the monitor per spec §4.1/§4.9.
type Config struct {
	CapBytes     uint64
	Alpha        float64 // EWMA smoothing factor, (0,1]
	SamplePeriod time.Duration
	MinSamples   int     // default 6
	WarnSeconds  float64 // default 60
}

// DefaultConfig returns the spec's literal defaults.
func DefaultConfig() Config {
	return Config{Alpha: 0.3, SamplePeriod: 2 * time.Second, MinSamples: 6, WarnSeconds: 60}
}

// Sampler reads the current RAM-used bytes; swappable for tests.
type Sampler func() uint64

// Monitor runs the EWMA sampler and exposes the current admission gate.
type Monitor struct {
	cfg     Config
	sampler Sampler

	mu       sync.RWMutex
	lastRAM  uint64
	lastTime time.Time
	trend    float64
	sampleN  int
	degraded bool

	ramGauge atomic.Uint64
}

// New builds a Monitor. sampler must be non-nil.
func New(cfg Config, sampler Sampler) *Monitor {
	return &Monitor{cfg: cfg, sampler: sampler}
}

// Run samples on cfg.SamplePeriod until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SamplePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(time.Now())
		}
	}
}

func (m *Monitor) sampleOnce(now time.Time) {
	r := m.sampler()
	m.ramGauge.Store(r)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sampleN == 0 {
		m.lastRAM, m.lastTime = r, now
		m.sampleN = 1
		return
	}

	dr := float64(r) - float64(m.lastRAM)
	dt := now.Sub(m.lastTime).Seconds()
	if dt <= 0 {
		dt = m.cfg.SamplePeriod.Seconds()
	}
	instant := dr / dt
	m.trend = m.cfg.Alpha*instant + (1-m.cfg.Alpha)*m.trend
	m.lastRAM, m.lastTime = r, now
	m.sampleN++

	m.degraded = m.computeDegradedLocked(r)
}

func (m *Monitor) computeDegradedLocked(r uint64) bool {
	if m.sampleN < m.cfg.MinSamples || m.trend <= 0 {
		return false
	}
	eta := computeETA(m.cfg.CapBytes, r, m.trend)
	return eta >= 0 && eta < m.cfg.WarnSeconds
}

func computeETA(capBytes, used uint64, trend float64) float64 {
	if trend <= 0 {
		return -1
	}
	remaining := float64(capBytes) - float64(used)
	if remaining < 0 {
		remaining = 0
	}
	return remaining / trend
}

// Snapshot is the /health-facing point-in-time state.
type Snapshot struct {
	RAMBytes         uint64
	TrendBytesPerSec float64
	ETASeconds       *float64
	Degraded         bool
}

// Snapshot returns the current state. ETASeconds is nil until enough
// samples have been taken and the trend is rising.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{RAMBytes: m.ramGauge.Load(), TrendBytesPerSec: m.trend, Degraded: m.degraded}
	if m.sampleN >= m.cfg.MinSamples && m.trend > 0 {
		eta := computeETA(m.cfg.CapBytes, m.ramGauge.Load(), m.trend)
		s.ETASeconds = &eta
	}
	return s
}

// Admit reports whether a new request should be admitted: false with an ETA
// when degraded. Existing in-flight work is never affected by this gate.
func (m *Monitor) Admit() (ok bool, eta float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.degraded {
		return true, 0
	}
	return false, computeETA(m.cfg.CapBytes, m.ramGauge.Load(), m.trend)
}
