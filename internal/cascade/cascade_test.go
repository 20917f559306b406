package cascade

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeLexer struct{ score float64 }

func (f fakeLexer) Score(string) float64 { return f.score }

func baseConfig() Config {
	return Config{
		Tier1Model: "tiny", Tier2Model: "expert_short", Tier3Model: "expert_long",
		Tier1MinConfidence: 0.85, Tier2MinConfidence: 0.6,
		ForcePatterns: []string{"step by step"},
	}
}

func TestDecide_ForcePatternAlwaysForcesTier3(t *testing.T) {
	o := New(baseConfig(), fakeLexer{score: 1.0})
	tier, _ := o.Decide("please explain step by step how this works", nil)
	assert.Equal(t, Tier3, tier)
}

func TestDecide_HighConfidencePicksTier1(t *testing.T) {
	o := New(baseConfig(), fakeLexer{score: 1.0})
	scores := map[string]float64{"hard": 0.9, "soft": 0.1}
	tier, conf := o.Decide("hi", scores)
	assert.Equal(t, Tier1, tier)
	assert.GreaterOrEqual(t, conf, 0.85)
}

func TestDecide_LowConfidencePicksTier3(t *testing.T) {
	o := New(baseConfig(), fakeLexer{score: 0.0})
	tier, conf := o.Decide(strings.Repeat("complex recursive distributed consensus algorithm term ", 20), nil)
	assert.Equal(t, Tier3, tier)
	assert.Less(t, conf, 0.6)
}

func TestDecide_IsDeterministic(t *testing.T) {
	o := New(baseConfig(), fakeLexer{score: 0.5})
	tier1, conf1 := o.Decide("explain recursion with an example please", nil)
	tier2, conf2 := o.Decide("explain recursion with an example please", nil)
	assert.Equal(t, tier1, tier2)
	assert.Equal(t, conf1, conf2)
}

func TestModelFor_MapsEachTier(t *testing.T) {
	o := New(baseConfig(), nil)
	assert.Equal(t, "tiny", o.ModelFor(Tier1))
	assert.Equal(t, "expert_short", o.ModelFor(Tier2))
	assert.Equal(t, "expert_long", o.ModelFor(Tier3))
}

func TestMetrics_CountsEachTier(t *testing.T) {
	o := New(baseConfig(), fakeLexer{score: 1.0})
	o.Decide("hi", map[string]float64{"hard": 0.9, "soft": 0.1})
	o.Decide("please explain step by step how this works", nil)

	m := o.Metrics()
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(1), m.Tier1Count)
	assert.Equal(t, int64(1), m.Tier3Count)
}

func TestNilLexerFallsBackToWordCount(t *testing.T) {
	o := New(baseConfig(), nil)
	tier, conf := o.Decide("hi", nil)
	assert.Equal(t, Tier2, tier)
	assert.GreaterOrEqual(t, conf, 0.6)
	assert.Less(t, conf, 0.85)
}

func TestDecide_ConfidenceExactlyAtTier1ThresholdPicksTier1(t *testing.T) {
	text := "hi"
	scores := map[string]float64{"hard": 1.0, "soft": 0.0}
	o := New(baseConfig(), fakeLexer{score: 0.6})
	boundary := o.confidence(text, scores) // >= comparison, so an exact match must still win tier1

	o.cfg.Tier1MinConfidence = boundary
	tier, conf := o.Decide(text, scores)
	assert.Equal(t, Tier1, tier)
	assert.Equal(t, boundary, conf)
}

func TestDecide_ConfidenceJustBelowTier1ThresholdPicksTier2(t *testing.T) {
	text := "hi"
	scores := map[string]float64{"hard": 1.0, "soft": 0.0}
	o := New(baseConfig(), fakeLexer{score: 0.6})
	boundary := o.confidence(text, scores)

	o.cfg.Tier1MinConfidence = boundary + 0.01
	o.cfg.Tier2MinConfidence = 0
	tier, _ := o.Decide(text, scores)
	assert.Equal(t, Tier2, tier)
}
