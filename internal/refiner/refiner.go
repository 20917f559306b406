// Package refiner implements the Iterative Refiner: up to max_iterations
// refinement passes over a generated answer, terminating on LCS-based
// similarity convergence and returning the highest composite-quality
// iteration. Grounded on the teacher's cascade retry-loop shape
// (internal/intelligence/cascade.CascadeTracker's attempt/decision
// bookkeeping), repurposed from "try a bigger model" to "ask the same
// model to refine its own answer".
package refiner

import (
	"context"
	"strings"

	"github.com/cortexd/cortexd/internal/model"
)

// Generator re-runs a refinement prompt over the current best answer.
type Generator func(ctx context.Context, refinementPrompt string) (string, error)

// Config holds the refiner's tunables (spec §4.11).
type Config struct {
	Enabled              bool
	MaxIterations        int
	ConvergenceThreshold float64
	MinQueryLength       int
	QualityWeights       QualityWeights
}

// QualityWeights are the composite-quality term weights; defaults
// {0.3, 0.3, 0.2, 0.2} per spec.
type QualityWeights struct {
	Length           float64
	KeywordOverlap   float64
	SentenceCount    float64
	ConclusionMarker float64
}

// DefaultConfig returns the spec's literal defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxIterations:        3,
		ConvergenceThreshold: 0.95,
		MinQueryLength:       10,
		QualityWeights:       QualityWeights{Length: 0.3, KeywordOverlap: 0.3, SentenceCount: 0.2, ConclusionMarker: 0.2},
	}
}

// Result is the refiner's outcome.
type Result struct {
	Text       string
	Iterations int
	Converged  bool
	Err        error // set when a refinement iteration failed; Text is best-so-far
}

// Skip reports whether refinement should be skipped per spec §4.11: empathic
// (β > 0.8), WebSynthesis decision, short query, or disabled in config.
func Skip(cfg Config, decision model.DecisionKind, weights model.Weights, query string) bool {
	if !cfg.Enabled {
		return true
	}
	if weights.Beta > 0.8 {
		return true
	}
	if decision == model.DecisionWebSynthesis {
		return true
	}
	if len(strings.TrimSpace(query)) < cfg.MinQueryLength {
		return true
	}
	return false
}

// Refine runs up to cfg.MaxIterations generations of gen over initial,
// returning the best-so-far by composite quality. max_iterations = 0
// returns the input unchanged (round-trip law, spec §8).
func Refine(ctx context.Context, cfg Config, query, initial string, gen Generator) Result {
	if cfg.MaxIterations <= 0 {
		return Result{Text: initial, Iterations: 0}
	}

	best := initial
	bestQuality := compositeQuality(cfg.QualityWeights, query, initial)
	current := initial

	for i := 0; i < cfg.MaxIterations; i++ {
		prompt := refinementPrompt(query, current)
		next, err := gen(ctx, prompt)
		if err != nil {
			return Result{Text: best, Iterations: i, Err: err}
		}

		sim := lcsSimilarity(current, next)
		q := compositeQuality(cfg.QualityWeights, query, next)
		if q > bestQuality {
			best, bestQuality = next, q
		}
		current = next

		if sim >= cfg.ConvergenceThreshold {
			return Result{Text: best, Iterations: i + 1, Converged: true}
		}
	}

	return Result{Text: best, Iterations: cfg.MaxIterations}
}

func refinementPrompt(query, current string) string {
	return "Refine the following answer to better address the query.\nQuery: " + query + "\nCurrent answer: " + current
}

// lcsSimilarity returns |LCS(a,b)| / max(len(a),len(b)), on word tokens.
func lcsSimilarity(a, b string) float64 {
	wa := strings.Fields(a)
	wb := strings.Fields(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	prev := make([]int, len(wb)+1)
	cur := make([]int, len(wb)+1)
	for i := 1; i <= len(wa); i++ {
		for j := 1; j <= len(wb); j++ {
			if wa[i-1] == wb[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcsLen := prev[len(wb)]

	maxLen := len(wa)
	if len(wb) > maxLen {
		maxLen = len(wb)
	}
	return float64(lcsLen) / float64(maxLen)
}

func compositeQuality(w QualityWeights, query, text string) float64 {
	length := lengthNormalised(text)
	overlap := keywordOverlap(query, text)
	sentences := sentenceCountNormalised(text)
	conclusion := conclusionMarkerScore(text)
	return w.Length*length + w.KeywordOverlap*overlap + w.SentenceCount*sentences + w.ConclusionMarker*conclusion
}

func lengthNormalised(text string) float64 {
	n := len(strings.Fields(text))
	const target = 150.0
	if n == 0 {
		return 0
	}
	v := float64(n) / target
	if v > 1 {
		v = 1
	}
	return v
}

func keywordOverlap(query, text string) float64 {
	qTokens := fieldSet(query)
	if len(qTokens) == 0 {
		return 0
	}
	tTokens := fieldSet(text)
	hits := 0
	for tok := range qTokens {
		if tTokens[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}

func fieldSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(tok, ".,!?;:'\"")] = true
	}
	return set
}

func sentenceCountNormalised(text string) float64 {
	n := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	const target = 5.0
	v := float64(n) / target
	if v > 1 {
		v = 1
	}
	return v
}

var conclusionMarkers = []string{"in conclusion", "to summarize", "in summary", "overall", "therefore"}

func conclusionMarkerScore(text string) float64 {
	lower := strings.ToLower(text)
	for _, marker := range conclusionMarkers {
		if strings.Contains(lower, marker) {
			return 1
		}
	}
	return 0
}
