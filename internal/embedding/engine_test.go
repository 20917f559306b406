package embedding

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ErrorsWithoutModelPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestInitialize_FailsOnMissingModelFileAndStaysDegraded(t *testing.T) {
	e, err := New(Config{ModelPath: "./no-such-model.onnx", VocabPath: "./no-such-vocab.txt"})
	require.NoError(t, err)

	err = e.Initialize()
	assert.Error(t, err)
	assert.False(t, e.IsEnabled())
}

func TestEmbed_DegradedModeReturnsZeroVectorWithoutError(t *testing.T) {
	e, err := New(Config{ModelPath: "./no-such-model.onnx"})
	require.NoError(t, err)
	assert.False(t, e.IsEnabled())

	v, err := e.Embed("hello world")
	require.NoError(t, err)
	require.Len(t, v, Dimension)
	for _, x := range v {
		assert.Equal(t, float32(0), x)
	}
}

func TestCosineSimilarity_IdenticalVectorsIsOne(t *testing.T) {
	v := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarity_OrthogonalVectorsIsZero(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.Equal(t, 0.0, CosineSimilarity(a, b))
}

func TestCosineSimilarity_MismatchedLengthReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
}

func TestCosineSimilarity_ZeroVectorReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestNormalize_ProducesUnitVector(t *testing.T) {
	v := normalize([]float32{3, 4})
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
}

func TestQuantize_BucketsWithinLevelsRange(t *testing.T) {
	v := []float32{-1, -0.5, 0, 0.5, 1}
	out := Quantize(v, 32)
	require.Len(t, out, len(v))
	for _, b := range out {
		assert.Less(t, int(b), 32)
		assert.GreaterOrEqual(t, int(b), 0)
	}
}

func TestQuantize_IsDeterministic(t *testing.T) {
	v := []float32{0.1, -0.3, 0.9}
	assert.Equal(t, Quantize(v, 16), Quantize(v, 16))
}

// TestProperty_QuantizeNeverExceedsLevels checks every bucket stays within
// [0, levels) for arbitrary normalized-range inputs.
func TestProperty_QuantizeNeverExceedsLevels(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("quantized buckets stay within [0, levels)", prop.ForAll(
		func(x float64) bool {
			const levels = 32
			out := Quantize([]float32{float32(x)}, levels)
			return out[0] < levels
		},
		gen.Float64Range(-1, 1),
	))
	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
