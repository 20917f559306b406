package engine

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexd/cortexd/internal/audit"
	"github.com/cortexd/cortexd/internal/backend"
	"github.com/cortexd/cortexd/internal/cascade"
	"github.com/cortexd/cortexd/internal/classifier"
	"github.com/cortexd/cortexd/internal/embedding"
	"github.com/cortexd/cortexd/internal/health"
	"github.com/cortexd/cortexd/internal/metacontrol"
	"github.com/cortexd/cortexd/internal/model"
	"github.com/cortexd/cortexd/internal/pool"
	"github.com/cortexd/cortexd/internal/refiner"
	"github.com/cortexd/cortexd/internal/router"
	"github.com/cortexd/cortexd/internal/semcache"
)

const testBackend = model.BackendKind("engine-test-backend")

var registerOnce sync.Once

func registerTestBackend() {
	registerOnce.Do(func() {
		backend.Register(testBackend, func(d model.ModelDescriptor) (model.Handle, error) {
			return &echoHandle{name: d.Name}, nil
		})
	})
}

type echoHandle struct{ name string }

func (h *echoHandle) Generate(ctx context.Context, prompt string, params model.GenerateParams) (string, error) {
	return "answer from " + h.name + ": " + prompt, nil
}
func (h *echoHandle) MemoryBytes() uint64 { return 10 }
func (h *echoHandle) Shutdown()           {}

func newTestEngine(t *testing.T, auditSink *bytes.Buffer) *Engine {
	registerTestBackend()

	h := health.New(health.DefaultConfig(), func() uint64 { return 1024 })
	emb, err := embedding.New(embedding.Config{ModelPath: "./no-such-model.onnx"})
	require.NoError(t, err)
	// Initialize fails (no model file); the engine must keep running in
	// degraded mode producing zero vectors.
	_ = emb.Initialize()

	c := semcache.New(time.Minute, 100, 32)
	cls := classifier.New()

	bootstrap, err := metacontrol.NewBootstrapPhase(metacontrol.DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	require.NoError(t, err)
	mc := metacontrol.NewController(bootstrap, 1000, 2000)

	p := pool.New(pool.Config{
		Descriptors: []model.ModelDescriptor{
			{Name: "tiny", Backend: testBackend, Location: "x", RAMEstimate: 10},
		},
		MaxConcurrent: 4,
		RAMCapBytes:   1000,
		LoadDeadline:  time.Second,
	})

	var auditLogger *audit.Logger
	if auditSink != nil {
		auditLogger = audit.New(auditSink)
	}

	return New(Deps{
		Health:      h,
		Embedding:   emb,
		Classifier:  cls,
		Cache:       c,
		MetaControl: mc,
		Pool:        p,
		Oracle:      nil,
		RouterCfg:   router.DefaultConfig(),
		Refiner:     refiner.Config{Enabled: false},
		Audit:       auditLogger,
	})
}

func TestProcess_EmpathicFallbackReachesTinyModel(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, &buf)

	resp, err := e.Process(context.Background(), model.NewRequest("r1", "just chatting about nothing"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionEmpathic, resp.Decision.Kind)
	assert.Contains(t, resp.Text, "answer from tiny")
	assert.True(t, resp.Degraded) // embedding engine never initialized successfully
}

func TestProcess_AuditsEveryRequest(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, &buf)

	_, err := e.Process(context.Background(), model.NewRequest("r2", "hello there"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"request_id":"r2"`)
}

func TestProcess_AdmissionRejectedWhenHealthDegraded(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, &buf)

	// A RAM sampler that climbs by 100 bytes per tick against a tight cap,
	// sampled every 5ms, drives the EWMA trend positive and the predicted
	// OOM ETA under the (large) warn threshold within a couple of ticks.
	var current uint64
	h := health.New(health.Config{
		CapBytes: 1000, Alpha: 1.0, MinSamples: 2, WarnSeconds: 1000,
		SamplePeriod: 5 * time.Millisecond,
	}, func() uint64 {
		current += 100
		return current
	})
	e.deps.Health = h

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go h.Run(ctx)

	require.Eventually(t, func() bool {
		ok, _ := h.Admit()
		return !ok
	}, 200*time.Millisecond, 5*time.Millisecond)

	_, err := e.Process(context.Background(), model.NewRequest("r3", "hello"))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindAdmissionRejected))
}

func TestProcess_WhitespaceOnlyRequestRejected(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, &buf)

	_, err := e.Process(context.Background(), model.NewRequest("r6", "   \t\n  "))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidRequest))
	assert.Contains(t, buf.String(), `"request_id":"r6"`)
}

func TestProcess_EmptyRequestRejected(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.Process(context.Background(), model.NewRequest("r7", ""))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidRequest))
}

// TestScenario5_PrefetchWin_FinalSubmissionSkipsFreshLoad is spec §8
// scenario 5: a partial input's quick-classify predicts CodeExpert, a
// prefetch begins, and the eventual full submission's pool.Get resolves
// the already-warm handle rather than starting a new load.
func TestScenario5_PrefetchWin_FinalSubmissionSkipsFreshLoad(t *testing.T) {
	registerTestBackend()
	var loadCount int32
	backend.Register(model.BackendKind("scenario5-backend"), func(d model.ModelDescriptor) (model.Handle, error) {
		atomic.AddInt32(&loadCount, 1)
		return &echoHandle{name: d.Name}, nil
	})

	cls := classifier.New()
	quick := cls.QuickClassify("Write a Python function")
	require.GreaterOrEqual(t, quick.Get("programming"), router.DefaultConfig().ProgrammingThreshold)

	p := pool.New(pool.Config{
		Descriptors: []model.ModelDescriptor{
			{Name: "code", Backend: model.BackendKind("scenario5-backend"), Location: "x", RAMEstimate: 10},
		},
		MaxConcurrent: 4,
		RAMCapBytes:   1000,
		LoadDeadline:  time.Second,
	})

	p.Prefetch(context.Background(), "code")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&loadCount) == 1
	}, time.Second, 5*time.Millisecond)

	h, err := p.Get(context.Background(), "code")
	require.NoError(t, err)
	out, _ := h.Generate(context.Background(), "Write a Python function that adds two numbers", model.GenerateParams{})
	assert.Equal(t, "answer from code: Write a Python function that adds two numbers", out)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loadCount)) // Get promoted the prefetch rather than loading again
}

func TestProcess_SecondIdenticalRequestHitsSemanticCache(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, &buf)

	resp1, err := e.Process(context.Background(), model.NewRequest("r4", "hello there friend"))
	require.NoError(t, err)
	resp2, err := e.Process(context.Background(), model.NewRequest("r5", "hello there friend"))
	require.NoError(t, err)
	// Both requests produce a degraded (zero-vector) embedding, so they
	// quantize to the same cache key and the second request's weights come
	// from the cache hit rather than a fresh MetaControl.Weights call.
	assert.Equal(t, resp1.Weights, resp2.Weights)
	assert.Equal(t, resp1.Decision.Kind, resp2.Decision.Kind)
}
