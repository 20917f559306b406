package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSampler(v uint64) Sampler { return func() uint64 { return v } }

func TestSnapshot_NoETAUntilMinSamplesReached(t *testing.T) {
	cfg := Config{CapBytes: 1000, Alpha: 0.5, MinSamples: 3, WarnSeconds: 60}
	m := New(cfg, fixedSampler(100))

	start := time.Now()
	m.sampleOnce(start)
	m.sampleOnce(start.Add(time.Second))

	snap := m.Snapshot()
	assert.Nil(t, snap.ETASeconds)
	assert.False(t, snap.Degraded)
}

func TestSampleOnce_EWMATrendTracksRisingRAM(t *testing.T) {
	cfg := Config{CapBytes: 10000, Alpha: 0.5, MinSamples: 2, WarnSeconds: 60}
	seq := []uint64{0, 100, 200}
	i := 0
	m := New(cfg, func() uint64 { v := seq[i]; i++; return v })

	start := time.Now()
	m.sampleOnce(start)                  // primes lastRAM=0, no trend yet
	m.sampleOnce(start.Add(time.Second)) // instant = 100/s, trend = 0.5*100 = 50
	m.sampleOnce(start.Add(2 * time.Second))

	m.mu.RLock()
	trend := m.trend
	m.mu.RUnlock()
	assert.Greater(t, trend, 0.0)
}

func TestSnapshot_DegradedWhenETABelowWarnThreshold(t *testing.T) {
	cfg := Config{CapBytes: 1000, Alpha: 1.0, MinSamples: 2, WarnSeconds: 100}
	m := New(cfg, fixedSampler(0))

	start := time.Now()
	m.sampleOnce(start) // primes lastRAM=0, sampleN=1, no trend

	// Simulate RAM climbing 100 bytes/sec: at alpha=1 trend == instant.
	m2 := New(cfg, func() uint64 { return 100 })
	m2.lastRAM = 0
	m2.lastTime = start
	m2.sampleN = 1
	m2.sampleOnce(start.Add(time.Second))

	snap := m2.Snapshot()
	require.NotNil(t, snap.ETASeconds)
	// remaining = 1000-100 = 900, trend = 100/s -> eta = 9s < warn(100)
	assert.InDelta(t, 9.0, *snap.ETASeconds, 1e-6)
	assert.True(t, snap.Degraded)
}

func TestSnapshot_NotDegradedWhenTrendIsFlat(t *testing.T) {
	cfg := Config{CapBytes: 1000, Alpha: 0.5, MinSamples: 2, WarnSeconds: 100}
	m := New(cfg, fixedSampler(500))
	start := time.Now()
	m.sampleOnce(start)
	m.sampleOnce(start.Add(time.Second))
	m.sampleOnce(start.Add(2 * time.Second))

	snap := m.Snapshot()
	assert.False(t, snap.Degraded)
}

func TestAdmit_AllowsWhenNotDegraded(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg, fixedSampler(0))
	ok, eta := m.Admit()
	assert.True(t, ok)
	assert.Equal(t, 0.0, eta)
}

func TestAdmit_RejectsWithETAWhenDegraded(t *testing.T) {
	cfg := Config{CapBytes: 1000, Alpha: 1.0, MinSamples: 1, WarnSeconds: 100}
	m := New(cfg, fixedSampler(0))
	m.lastRAM = 0
	m.lastTime = time.Now()
	m.sampleN = 1
	m.sampleOnce(m.lastTime.Add(time.Second)) // but sampler always returns 0 here

	// Force a degraded state directly since the fixed sampler above never
	// actually rises; this isolates Admit's branch logic from the EWMA math
	// already covered by TestSnapshot_DegradedWhenETABelowWarnThreshold.
	m.mu.Lock()
	m.degraded = true
	m.trend = 50
	m.ramGauge.Store(990)
	m.mu.Unlock()

	ok, eta := m.Admit()
	assert.False(t, ok)
	assert.Greater(t, eta, 0.0)
}

// TestScenario_OOMGuardRejectsAdmissionAtSixtySecondETA is spec §8
// scenario 6: cap=12GiB, rising trend of 0.1GiB/s from a 6GiB baseline
// gives eta=60s once MinSamples is reached, and Admit rejects new work
// carrying that eta while leaving any already-admitted request alone
// (Admit is only ever consulted on entry, never mid-request).
func TestScenario_OOMGuardRejectsAdmissionAtSixtySecondETA(t *testing.T) {
	const gib = 1 << 30
	cfg := Config{CapBytes: 12 * gib, Alpha: 1.0, MinSamples: 6, WarnSeconds: 1000}
	m := New(cfg, fixedSampler(6*gib))

	m.mu.Lock()
	m.degraded = true
	m.trend = 0.1 * gib
	m.sampleN = cfg.MinSamples
	m.ramGauge.Store(6 * gib)
	m.mu.Unlock()

	ok, eta := m.Admit()
	assert.False(t, ok)
	assert.InDelta(t, 60.0, eta, 1e-9)
}

func TestComputeETA_NonPositiveTrendReturnsNegativeOne(t *testing.T) {
	assert.Equal(t, -1.0, computeETA(1000, 500, 0))
	assert.Equal(t, -1.0, computeETA(1000, 500, -5))
}

func TestComputeETA_ClampsNegativeRemainingToZero(t *testing.T) {
	assert.Equal(t, 0.0, computeETA(100, 500, 10))
}

func TestDefaultConfig_LiteralValues(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0.3, cfg.Alpha)
	assert.Equal(t, 6, cfg.MinSamples)
	assert.Equal(t, 60.0, cfg.WarnSeconds)
}
