// Package cascade implements the Cascade Oracle: deterministic
// confidence-driven selection over three declared tiers bound to pool
// names, plus force-pattern override. Grounded on the teacher's
// internal/intelligence/cascade.Manager (Tier enum, atomic request/tier
// counters) and internal/intelligence/confidence.Scorer (bookkeeping of
// totals and low/high-confidence counts), generalized from "cascade after a
// bad response" to "choose a tier before generating": the teacher's
// QualitySignalDetector pattern-matching approach is reused here as the
// syntactic-difficulty signal instead of a post-hoc quality check.
package cascade

import (
	"strings"
	"sync/atomic"

	"github.com/cortexd/cortexd/internal/model"
)

// Tier names the three declared cascade tiers, matching the teacher's
// Tier enum (TierFast/TierStandard/TierReasoning) renamed to the spec's
// Tier1/2/3 vocabulary.
type Tier string

const (
	Tier1 Tier = "tier1" // fast
	Tier2 Tier = "tier2" // standard
	Tier3 Tier = "tier3" // reasoning
)

// Config declares the three tiers' pool names and confidence thresholds,
// plus the force-pattern list that unconditionally forces Tier 3.
type Config struct {
	Tier1Model         string
	Tier2Model         string
	Tier3Model         string
	Tier1MinConfidence float64
	Tier2MinConfidence float64
	ForcePatterns      []string
}

// LexicalSignal measures token-level difficulty (count, rare-token ratio).
// Implemented by TiktokenLexical (lexical.go) over tiktoken-go/tokenizer;
// a nil LexicalSignal falls back to a word-count heuristic.
type LexicalSignal interface {
	Score(text string) float64
}

// Oracle is the deterministic tier selector.
type Oracle struct {
	cfg    Config
	lexer  LexicalSignal
	forces []string // lower-cased force patterns

	totalRequests  int64
	lowConfidence  int64
	highConfidence int64
	tierCounts     [3]int64
}

// New builds an Oracle. lexer may be nil, in which case the lexical signal
// falls back to a pure word-count heuristic.
func New(cfg Config, lexer LexicalSignal) *Oracle {
	forces := make([]string, len(cfg.ForcePatterns))
	for i, p := range cfg.ForcePatterns {
		forces[i] = strings.ToLower(p)
	}
	return &Oracle{cfg: cfg, lexer: lexer, forces: forces}
}

// Decide is deterministic for fixed inputs: a force pattern always wins;
// otherwise confidence = 0.4·lexical + 0.3·syntactic + 0.3·semantic, each
// normalised to [0,1], and the first threshold met (tier1 then tier2)
// selects the tier; ties break toward the cheaper tier (Decide never
// strictly requires >, it uses >=, so equality already favors the cheaper
// tier by being checked first).
func (o *Oracle) Decide(text string, scores model.ScoreVector) (Tier, float64) {
	atomic.AddInt64(&o.totalRequests, 1)

	lower := strings.ToLower(text)
	for _, pattern := range o.forces {
		if pattern != "" && strings.Contains(lower, pattern) {
			o.recordTier(Tier3)
			return Tier3, 1.0
		}
	}

	confidence := o.confidence(text, scores)
	switch {
	case confidence >= o.cfg.Tier1MinConfidence:
		atomic.AddInt64(&o.highConfidence, 1)
		o.recordTier(Tier1)
		return Tier1, confidence
	case confidence >= o.cfg.Tier2MinConfidence:
		o.recordTier(Tier2)
		return Tier2, confidence
	default:
		atomic.AddInt64(&o.lowConfidence, 1)
		o.recordTier(Tier3)
		return Tier3, confidence
	}
}

func (o *Oracle) recordTier(t Tier) {
	switch t {
	case Tier1:
		atomic.AddInt64(&o.tierCounts[0], 1)
	case Tier2:
		atomic.AddInt64(&o.tierCounts[1], 1)
	case Tier3:
		atomic.AddInt64(&o.tierCounts[2], 1)
	}
}

// ModelFor returns the configured pool name for a tier.
func (o *Oracle) ModelFor(t Tier) string {
	switch t {
	case Tier1:
		return o.cfg.Tier1Model
	case Tier2:
		return o.cfg.Tier2Model
	default:
		return o.cfg.Tier3Model
	}
}

func (o *Oracle) confidence(text string, scores model.ScoreVector) float64 {
	lexical := o.lexicalScore(text)
	syntactic := syntacticScore(text)
	semantic := semanticScore(scores)
	return clamp01(0.4*lexical + 0.3*syntactic + 0.3*semantic)
}

func (o *Oracle) lexicalScore(text string) float64 {
	if o.lexer != nil {
		return clamp01(o.lexer.Score(text))
	}
	// Fallback: shorter/simpler text scores higher confidence.
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	if words > 40 {
		return 0.2
	}
	return clamp01(1 - float64(words)/40)
}

// syntacticScore reuses the teacher's QualitySignalDetector pattern-match
// idiom: presence of nesting/complexity cues lowers confidence (harder
// query), their absence raises it.
func syntacticScore(text string) float64 {
	complexityCues := []string{
		"however", "although", "nevertheless", "on the other hand",
		"if and only if", "given that", "such that", "whereas",
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, cue := range complexityCues {
		if strings.Contains(lower, cue) {
			hits++
		}
	}
	nestedPunct := strings.Count(text, "(") + strings.Count(text, "{") + strings.Count(text, "[")
	sentences := countSentences(text)

	score := 1.0
	score -= float64(hits) * 0.15
	score -= float64(nestedPunct) * 0.05
	if sentences > 3 {
		score -= 0.1
	}
	return clamp01(score)
}

func countSentences(text string) int {
	n := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	if n == 0 && len(strings.TrimSpace(text)) > 0 {
		n = 1
	}
	return n
}

// semanticScore derives confidence from the classifier's own axes: a
// strongly "hard" or strongly "soft" query is easier to route confidently
// than one that is ambiguous between them.
func semanticScore(scores model.ScoreVector) float64 {
	hard := scores.Get(model.AxisHard)
	soft := scores.Get(model.AxisSoft)
	dominance := hard - soft
	if dominance < 0 {
		dominance = -dominance
	}
	return clamp01(dominance)
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

// Metrics is the oracle's /metrics snapshot.
type Metrics struct {
	TotalRequests  int64
	LowConfidence  int64
	HighConfidence int64
	Tier1Count     int64
	Tier2Count     int64
	Tier3Count     int64
}

// Metrics returns a point-in-time snapshot.
func (o *Oracle) Metrics() Metrics {
	return Metrics{
		TotalRequests:  atomic.LoadInt64(&o.totalRequests),
		LowConfidence:  atomic.LoadInt64(&o.lowConfidence),
		HighConfidence: atomic.LoadInt64(&o.highConfidence),
		Tier1Count:     atomic.LoadInt64(&o.tierCounts[0]),
		Tier2Count:     atomic.LoadInt64(&o.tierCounts[1]),
		Tier3Count:     atomic.LoadInt64(&o.tierCounts[2]),
	}
}
