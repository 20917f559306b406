// Package classifier scores a query across intent axes (hard, soft,
// web_query, plus skill axes) in cold (rule/keyword) or warm (learned
// projection) mode. Grounded on the teacher's CortexRouter pattern-matcher
// family (containsCodePatterns, containsMathPatterns, isSimpleGreeting,
// classifyIntentFromContent), generalized from "return one intent string"
// into the spec's declarative axis-weighted ScoreVector, plus an
// unordered-token-pair long-tail table for skill axes.
package classifier

import (
	"math"
	"sort"
	"strings"

	"github.com/cortexd/cortexd/internal/model"
)

// axisRule is one declarative (axis, patterns, weight) entry: if any
// pattern matches, the axis score is bumped by weight (capped at 1).
type axisRule struct {
	axis     string
	patterns []string
	weight   float64
}

// skillPair fires only when both tokens appear in the text (unordered
// pair), contributing weight to axis; highest firing weight above
// threshold wins skill selection, ties break lexicographically by axis
// name.
type skillPair struct {
	axis   string
	tokenA string
	tokenB string
	weight float64
}

var defaultAxisRules = []axisRule{
	{axis: model.AxisHard, patterns: []string{
		"function", "def ", "class ", "import ", "from ",
		"console.log", "print(", "printf", "echo ",
		"if (", "for (", "while (", "switch (",
		"```", "git ", "npm ", "pip ", "cargo ",
		"algorithm", "data structure", "binary tree",
		"calculate", "solve", "equation", "formula",
		"derivative", "integral", "matrix", "probability",
		"configure", "ssh", "deploy", "compile",
	}, weight: 0.45},
	{axis: model.AxisSoft, patterns: []string{
		"feel", "feeling", "overwhelmed", "anxious", "sad", "lonely",
		"hello", "hi", "hey", "good morning", "good afternoon", "thank you",
		"i'm worried", "i am worried", "stressed", "tired",
	}, weight: 0.45},
	{axis: model.AxisWebQuery, patterns: []string{
		"who won", "latest", "today's", "yesterday's", "current price",
		"news", "score", "weather", "what happened",
	}, weight: 0.6},
}

var defaultSkillPairs = []skillPair{
	{axis: "programming", tokenA: "write", tokenB: "function", weight: 0.7},
	{axis: "programming", tokenA: "python", tokenB: "script", weight: 0.7},
	{axis: "programming", tokenA: "debug", tokenB: "error", weight: 0.6},
	{axis: "creative", tokenA: "write", tokenB: "story", weight: 0.7},
	{axis: "creative", tokenA: "poem", tokenB: "write", weight: 0.6},
	{axis: "reasoning", tokenA: "prove", tokenB: "theorem", weight: 0.7},
	{axis: "reasoning", tokenA: "step", tokenB: "reasoning", weight: 0.6},
}

// SkillThreshold is the minimum firing weight for a skill axis to be
// considered "selected" by callers comparing against a threshold (e.g. the
// routing state machine's CodeExpert check).
const SkillThreshold = 0.5

// Classifier scores text across intent axes in cold or warm mode.
type Classifier struct {
	axisRules  []axisRule
	skillPairs []skillPair
	projection *Projection // nil until warm mode is enabled
}

// Projection is a small learned linear projection over the embedding
// vector, one weight row per axis (warm mode).
type Projection struct {
	Axes    []string
	Weights map[string][]float32
	Bias    map[string]float64
}

// New builds a Classifier in cold mode using the default rule tables.
func New() *Classifier {
	return &Classifier{axisRules: defaultAxisRules, skillPairs: defaultSkillPairs}
}

// SetProjection switches the classifier into warm mode; passing nil reverts
// to cold mode.
func (c *Classifier) SetProjection(p *Projection) { c.projection = p }

// IsWarm reports whether warm-mode scoring is active.
func (c *Classifier) IsWarm() bool { return c.projection != nil }

// Classify scores text and its embedding, returning the same axis set in
// either mode.
func (c *Classifier) Classify(text string, embedding []float32) model.ScoreVector {
	if c.projection != nil {
		return c.classifyWarm(embedding)
	}
	return c.classifyCold(text)
}

// QuickClassify is the cheap cold-only path for the debounced prefetcher
// (§4.6): no embedding, rule table only.
func (c *Classifier) QuickClassify(partialText string) model.ScoreVector {
	return c.classifyCold(partialText)
}

func (c *Classifier) classifyCold(text string) model.ScoreVector {
	lower := strings.ToLower(text)
	scores := model.ScoreVector{model.AxisHard: 0, model.AxisSoft: 0, model.AxisWebQuery: 0}

	for _, rule := range c.axisRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(lower, pattern) {
				scores[rule.axis] = clamp01(scores[rule.axis] + rule.weight)
				break
			}
		}
	}

	tokens := tokenSet(lower)
	type firing struct {
		axis   string
		weight float64
	}
	var firings []firing
	for _, pair := range c.skillPairs {
		if tokens[pair.tokenA] && tokens[pair.tokenB] {
			firings = append(firings, firing{pair.axis, pair.weight})
		}
	}
	if len(firings) > 0 {
		sort.Slice(firings, func(i, j int) bool {
			if firings[i].weight != firings[j].weight {
				return firings[i].weight > firings[j].weight
			}
			return firings[i].axis < firings[j].axis // tie-break lexicographic
		})
		best := firings[0]
		if best.weight >= SkillThreshold {
			scores[best.axis] = best.weight
		}
	}

	return scores
}

func (c *Classifier) classifyWarm(embedding []float32) model.ScoreVector {
	scores := model.ScoreVector{}
	for _, axis := range c.projection.Axes {
		w := c.projection.Weights[axis]
		var sum float64
		for i := 0; i < len(w) && i < len(embedding); i++ {
			sum += float64(w[i]) * float64(embedding[i])
		}
		sum += c.projection.Bias[axis]
		scores[axis] = clamp01(sigmoid(sum))
	}
	for _, required := range []string{model.AxisHard, model.AxisSoft, model.AxisWebQuery} {
		if _, ok := scores[required]; !ok {
			scores[required] = 0
		}
	}
	return scores
}

func tokenSet(lower string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(lower) {
		set[strings.Trim(tok, ".,!?;:'\"")] = true
	}
	return set
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

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
