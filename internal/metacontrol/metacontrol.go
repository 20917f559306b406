// Package metacontrol implements weights(scores, context) -> (α, β) behind
// a phase-staged tagged variant: Phase 1 bootstrap rules, Phase 2 a learned
// linear projection, Phase 3 a learned sequence model. This follows the
// teacher's tagged-variant-behind-RWMutex pattern used to swap Cortex
// Router tiers; here the same discipline swaps the active weights
// implementation, with the active pointer held for the duration of one
// weights() call (spec §5).
package metacontrol

import (
	"sync"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tidwall/gjson"

	"github.com/cortexd/cortexd/internal/model"
	"github.com/cortexd/cortexd/internal/persist"
)

// Context is the reduced request context passed alongside scores.
type Context struct {
	EmbeddingSample []float32 // reduced/truncated embedding, Phase 2+
	PriorWeights    model.Weights
}

// Weigher is the tagged-variant interface every phase implements.
type Weigher interface {
	Weights(scores model.ScoreVector, ctx Context) model.Weights
	Phase() string
}

// Rule is one declarative Phase-1 policy: an expr-lang boolean expression
// over the score vector; first match wins.
type Rule struct {
	Expr    string
	program *vm.Program
	Alpha   float64
	Beta    float64
}

// ruleEnv is the expr evaluation environment: score axes addressable by
// name (hard, soft, web_query, ...).
type ruleEnv map[string]float64

// bootstrapPhase is Phase 1: a compiled, ordered rule table generalizing
// the teacher's hardcoded if/else chains (seen throughout CortexRouter)
// into operator-editable data.
type bootstrapPhase struct {
	rules    []Rule
	fallback model.Weights
}

// DefaultRules mirrors spec §4.5's example policy.
func DefaultRules() []Rule {
	return []Rule{
		{Expr: `hard > 0.8 && soft < 0.3`, Alpha: 0.95, Beta: 0.05},
		{Expr: `soft > 0.7 && hard < 0.4`, Alpha: 0.20, Beta: 0.80},
	}
}

// NewBootstrapPhase compiles rules and builds Phase 1. fallback is used
// when no rule matches (spec default (0.60, 0.40)).
func NewBootstrapPhase(rules []Rule, fallback model.Weights) (*bootstrapPhase, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		program, err := expr.Compile(r.Expr, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, err
		}
		r.program = program
		compiled[i] = r
	}
	return &bootstrapPhase{rules: compiled, fallback: fallback}, nil
}

func (b *bootstrapPhase) Phase() string { return "bootstrap" }

func (b *bootstrapPhase) Weights(scores model.ScoreVector, _ Context) model.Weights {
	env := ruleEnv(scores)
	for _, r := range b.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return model.Weights{Alpha: r.Alpha, Beta: r.Beta}
		}
	}
	return b.fallback
}

// ProjectionRow is one axis's linear weight row for Phase 2.
type ProjectionRow struct {
	ScoreWeights     map[string]float64
	EmbeddingWeights []float32
	Bias             float64
}

// learnedProjectionPhase is Phase 2: a small learned linear projection over
// scores plus a reduced context embedding.
type learnedProjectionPhase struct {
	alphaRow ProjectionRow
}

// NewLearnedProjectionPhase builds Phase 2 from a fitted projection row
// (alpha only; beta = 1-alpha keeps the invariant exact).
func NewLearnedProjectionPhase(alphaRow ProjectionRow) *learnedProjectionPhase {
	return &learnedProjectionPhase{alphaRow: alphaRow}
}

func (l *learnedProjectionPhase) Phase() string { return "learned_projection" }

func (l *learnedProjectionPhase) Weights(scores model.ScoreVector, ctx Context) model.Weights {
	sum := l.alphaRow.Bias
	for axis, w := range l.alphaRow.ScoreWeights {
		sum += w * scores.Get(axis)
	}
	for i, w := range l.alphaRow.EmbeddingWeights {
		if i < len(ctx.EmbeddingSample) {
			sum += float64(w) * float64(ctx.EmbeddingSample[i])
		}
	}
	alpha := clamp01(sum)
	return model.Weights{Alpha: alpha, Beta: 1 - alpha}
}

// sequenceModelPhase is Phase 3: a placeholder for a learned sequence
// model keyed by prior weights, kept deliberately small since the spec
// treats this as future work ("later: a learned sequence model") and no
// training pipeline is in scope.
type sequenceModelPhase struct {
	smoothing float64
}

// NewSequenceModelPhase builds Phase 3 with an exponential-smoothing
// fallback over prior weights until a real sequence model is wired in.
func NewSequenceModelPhase(smoothing float64) *sequenceModelPhase {
	return &sequenceModelPhase{smoothing: smoothing}
}

func (s *sequenceModelPhase) Phase() string { return "sequence_model" }

func (s *sequenceModelPhase) Weights(scores model.ScoreVector, ctx Context) model.Weights {
	base := (&bootstrapPhase{fallback: model.Weights{Alpha: 0.6, Beta: 0.4}}).Weights(scores, ctx)
	if ctx.PriorWeights == (model.Weights{}) {
		return base
	}
	alpha := s.smoothing*base.Alpha + (1-s.smoothing)*ctx.PriorWeights.Alpha
	return model.Weights{Alpha: alpha, Beta: 1 - alpha}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Controller swaps the active Weigher behind a read-write lock and
// promotes phases on an observation counter, per spec §4.5.
type Controller struct {
	mu     sync.RWMutex
	active Weigher

	observed      atomic.Int64
	phase2Promote int64
	phase3Promote int64
	phase2        Weigher
	phase3        Weigher

	store *persist.Store
}

// NewController starts in Phase 1 (bootstrap). RegisterPhase2/3 install the
// later phases to promote into once enough observations accumulate;
// promotion thresholds of 0 disable that phase.
func NewController(phase1 Weigher, phase2Promote, phase3Promote int64) *Controller {
	return &Controller{active: phase1, phase2Promote: phase2Promote, phase3Promote: phase3Promote}
}

// NewControllerWithPersistence builds a Controller like NewController, then
// seeds the observation counter from store's last recorded line so a
// restart resumes near the same phase instead of cold (spec §6 persisted
// state). A nil store behaves exactly like NewController.
func NewControllerWithPersistence(phase1 Weigher, phase2Promote, phase3Promote int64, store *persist.Store) *Controller {
	c := NewController(phase1, phase2Promote, phase3Promote)
	c.store = store
	if store == nil {
		return c
	}
	var lastObserved int64
	_ = store.Load(func(line gjson.Result) {
		lastObserved = line.Get("observed").Int()
	})
	if lastObserved > 0 {
		// RegisterPhase2/3, called after this returns, re-checks promotion
		// against this seeded count.
		c.observed.Store(lastObserved)
	}
	return c
}

// RegisterPhase2 installs the learned-projection phase to promote into. If
// the observation count (e.g. seeded from a persisted restart) already
// clears the threshold, this promotes immediately.
func (c *Controller) RegisterPhase2(w Weigher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase2 = w
	c.promoteLocked(c.observed.Load())
}

// RegisterPhase3 installs the sequence-model phase to promote into. If the
// observation count already clears the threshold, this promotes
// immediately.
func (c *Controller) RegisterPhase3(w Weigher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase3 = w
	c.promoteLocked(c.observed.Load())
}

// Observe records one labelled observation, promoting phases as thresholds
// are crossed. A phase transition is persisted (if a store is wired) so a
// restart resumes from the promoted phase rather than bootstrap.
func (c *Controller) Observe() {
	n := c.observed.Add(1)
	c.mu.Lock()
	prev := c.active
	c.promoteLocked(n)
	promoted := c.active
	c.mu.Unlock()

	if promoted != prev && c.store != nil {
		_ = c.store.Append(map[string]any{"phase": promoted.Phase(), "observed": n})
	}
}

// promoteLocked applies the phase-promotion rule for an observation count of
// n. Must be called with c.mu held.
func (c *Controller) promoteLocked(n int64) {
	if c.phase3 != nil && c.phase3Promote > 0 && n >= c.phase3Promote {
		c.active = c.phase3
	} else if c.phase2 != nil && c.phase2Promote > 0 && n >= c.phase2Promote {
		c.active = c.phase2
	}
}

// Weights holds the active implementation reference for the duration of
// one call, so in-flight requests observe a stable phase even if Observe
// promotes concurrently.
func (c *Controller) Weights(scores model.ScoreVector, ctx Context) model.Weights {
	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()
	return active.Weights(scores, ctx)
}

// ActivePhase reports the current phase name, for /health.
func (c *Controller) ActivePhase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active.Phase()
}
