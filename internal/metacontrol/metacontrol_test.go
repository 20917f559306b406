package metacontrol

import (
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexd/cortexd/internal/model"
	"github.com/cortexd/cortexd/internal/persist"
)

func TestBootstrapPhase_HardRule(t *testing.T) {
	phase, err := NewBootstrapPhase(DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	require.NoError(t, err)

	w := phase.Weights(model.ScoreVector{"hard": 0.9, "soft": 0.1}, Context{})
	assert.InDelta(t, 0.95, w.Alpha, 1e-9)
	assert.InDelta(t, 0.05, w.Beta, 1e-9)
}

func TestBootstrapPhase_SoftRule(t *testing.T) {
	phase, err := NewBootstrapPhase(DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	require.NoError(t, err)

	w := phase.Weights(model.ScoreVector{"hard": 0.1, "soft": 0.8}, Context{})
	assert.InDelta(t, 0.20, w.Alpha, 1e-9)
	assert.InDelta(t, 0.80, w.Beta, 1e-9)
}

func TestBootstrapPhase_FallsBackWhenNoRuleMatches(t *testing.T) {
	phase, err := NewBootstrapPhase(DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	require.NoError(t, err)

	w := phase.Weights(model.ScoreVector{"hard": 0.5, "soft": 0.5}, Context{})
	assert.Equal(t, model.Weights{Alpha: 0.6, Beta: 0.4}, w)
}

func TestController_PromotesPhasesOnObservationThreshold(t *testing.T) {
	bootstrap, err := NewBootstrapPhase(DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	require.NoError(t, err)

	c := NewController(bootstrap, 2, 4)
	c.RegisterPhase2(NewLearnedProjectionPhase(ProjectionRow{Bias: 0.5}))
	c.RegisterPhase3(NewSequenceModelPhase(0.3))

	assert.Equal(t, "bootstrap", c.ActivePhase())
	c.Observe()
	c.Observe()
	assert.Equal(t, "learned_projection", c.ActivePhase())
	c.Observe()
	c.Observe()
	assert.Equal(t, "sequence_model", c.ActivePhase())
}

// TestProperty_WeightsAlwaysSumToOne verifies the α+β = 1 ± ε invariant
// holds for every phase, across arbitrary score vectors.
func TestProperty_WeightsAlwaysSumToOne(t *testing.T) {
	bootstrap, err := NewBootstrapPhase(DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	require.NoError(t, err)
	learned := NewLearnedProjectionPhase(ProjectionRow{Bias: 0.3, ScoreWeights: map[string]float64{"hard": 0.5}})
	sequence := NewSequenceModelPhase(0.4)

	phases := []Weigher{bootstrap, learned, sequence}

	properties := gopter.NewProperties(nil)
	properties.Property("alpha+beta within epsilon of 1 for every phase", prop.ForAll(
		func(hard, soft, webQuery float64) bool {
			scores := model.ScoreVector{"hard": hard, "soft": soft, "web_query": webQuery}
			for _, p := range phases {
				w := p.Weights(scores, Context{PriorWeights: model.Weights{Alpha: 0.5, Beta: 0.5}})
				if !w.Valid() {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))
	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestNewControllerWithPersistence_ResumesObservationCountAcrossRestart(t *testing.T) {
	bootstrap, err := NewBootstrapPhase(DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	require.NoError(t, err)
	store := persist.Open(filepath.Join(t.TempDir(), "metacontrol.ndjson"))

	c1 := NewControllerWithPersistence(bootstrap, 2, 4, store)
	c1.RegisterPhase2(NewLearnedProjectionPhase(ProjectionRow{Bias: 0.5}))
	c1.Observe()
	c1.Observe() // crosses phase2Promote=2, persists the transition

	bootstrap2, err := NewBootstrapPhase(DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	require.NoError(t, err)
	c2 := NewControllerWithPersistence(bootstrap2, 2, 4, store)
	c2.RegisterPhase2(NewLearnedProjectionPhase(ProjectionRow{Bias: 0.5}))
	assert.Equal(t, "learned_projection", c2.ActivePhase())
}

func TestNewControllerWithPersistence_NilStoreBehavesLikeNewController(t *testing.T) {
	bootstrap, err := NewBootstrapPhase(DefaultRules(), model.Weights{Alpha: 0.6, Beta: 0.4})
	require.NoError(t, err)
	c := NewControllerWithPersistence(bootstrap, 2, 4, nil)
	assert.Equal(t, "bootstrap", c.ActivePhase())
}

func TestSequenceModelPhase_SmoothsTowardPrior(t *testing.T) {
	phase := NewSequenceModelPhase(0.5)
	prior := model.Weights{Alpha: 0.9, Beta: 0.1}
	w := phase.Weights(model.ScoreVector{"hard": 0.5, "soft": 0.5}, Context{PriorWeights: prior})
	assert.True(t, w.Valid())
	assert.True(t, w.Alpha > 0.5 && w.Alpha < 0.9, "expected smoothing between base and prior, got %v", w.Alpha)
}
