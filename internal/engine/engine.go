// Package engine wires the core subsystems into the single request flow
// spec §2 describes: admission check, classify, weight, route, pool.get,
// generate, optional refine, audit. Everything upstream of this package
// (how a Request actually arrives: HTTP body, stdin line, IPC) is the
// ingress's concern; Engine only implements the pipeline itself.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cortexd/cortexd/internal/audit"
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

// Deps bundles every subsystem the pipeline dispatches through.
type Deps struct {
	Health      *health.Monitor
	Embedding   *embedding.Engine
	Classifier  *classifier.Classifier
	Cache       *semcache.Cache
	MetaControl *metacontrol.Controller
	Pool        *pool.Pool
	Oracle      *cascade.Oracle
	RouterCfg   router.Config
	Refiner     refiner.Config
	Audit       *audit.Logger
}

// Engine runs one request through the full pipeline.
type Engine struct {
	deps Deps
}

// New builds an Engine over deps.
func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Response is the pipeline's output for one request.
type Response struct {
	Text       string
	Decision   model.RoutingDecision
	Weights    model.Weights
	Iterations int
	Degraded   bool
}

// Process runs req through admission, classification, weighting, routing,
// generation and optional refinement, auditing the outcome on the way out.
func (e *Engine) Process(ctx context.Context, req model.Request) (Response, error) {
	start := time.Now()

	if strings.TrimSpace(req.Text) == "" {
		e.auditLog(req, model.RoutingDecision{}, "", start, false)
		return Response{}, model.NewError(model.KindInvalidRequest, req.ID, fmt.Errorf("request text is empty or whitespace-only"))
	}

	ok, eta := e.deps.Health.Admit()
	if !ok {
		e.auditLog(req, model.RoutingDecision{}, "", start, true)
		rejectErr := model.NewError(model.KindAdmissionRejected, req.ID, fmt.Errorf("predicted OOM in %.1fs", eta))
		rejectErr.ETASeconds = eta
		return Response{}, rejectErr
	}

	vec, embErr := e.deps.Embedding.Embed(req.Text)
	degraded := embErr != nil || !e.deps.Embedding.IsEnabled()

	scores := e.deps.Classifier.Classify(req.Text, vec)

	key := embedding.Quantize(vec, e.deps.Cache.QuantLevels())
	var weights model.Weights
	var hint model.DecisionKind
	if cached, hit := e.deps.Cache.Lookup(key); hit {
		weights, hint = cached.Weights, cached.DecisionHint
	} else {
		weights = e.deps.MetaControl.Weights(scores, metacontrol.Context{EmbeddingSample: vec})
	}
	e.deps.MetaControl.Observe()

	decision := router.Route(e.deps.RouterCfg, req, scores, weights, e.deps.Oracle)
	if hint == "" {
		e.deps.Cache.Store(key, semcache.Entry{Weights: weights, DecisionHint: decision.Kind, StoredAt: time.Now()})
	}

	handle, err := e.deps.Pool.Get(ctx, decision.ModelName)
	if err != nil {
		e.auditLog(req, decision, "", start, degraded)
		return Response{}, err
	}
	defer e.deps.Pool.Release(decision.ModelName)

	text, err := handle.Generate(ctx, req.Text, model.GenerateParams{MaxTokens: 512})
	if err != nil {
		e.auditLog(req, decision, "", start, degraded)
		return Response{}, err
	}

	iterations := 0
	if !refiner.Skip(e.deps.Refiner, decision.Kind, weights, req.Text) {
		gen := func(ctx context.Context, prompt string) (string, error) {
			return handle.Generate(ctx, prompt, model.GenerateParams{MaxTokens: 512})
		}
		result := refiner.Refine(ctx, e.deps.Refiner, req.Text, text, gen)
		text = result.Text
		iterations = result.Iterations
	}

	e.auditLog(req, decision, decision.ModelName, start, degraded)
	return Response{Text: text, Decision: decision, Weights: weights, Iterations: iterations, Degraded: degraded}, nil
}

func (e *Engine) auditLog(req model.Request, decision model.RoutingDecision, modelName string, start time.Time, degraded bool) {
	if e.deps.Audit == nil {
		return
	}
	tier := ""
	switch decision.Kind {
	case model.DecisionCascadeTier1:
		tier = "tier1"
	case model.DecisionCascadeTier2:
		tier = "tier2"
	case model.DecisionCascadeTier3:
		tier = "tier3"
	}
	e.deps.Audit.Log(audit.Event{
		RequestID: req.ID,
		Decision:  string(decision.Kind),
		Tier:      tier,
		ModelName: modelName,
		LatencyMs: time.Since(start).Milliseconds(),
		Degraded:  degraded,
	})
}
