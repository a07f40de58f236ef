package detect

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmax_SumsToOne(t *testing.T) {
	probs := softmax([]float32{0.2, 0.4, 0.8})
	s := 0.0
	for _, p := range probs {
		s += p
	}
	assert.InDelta(t, 1.0, s, 1e-4)
}

func TestSoftmax_MaxIsArgmax(t *testing.T) {
	idx, p := argmax(softmax([]float32{0, 0, 10, 0}))
	assert.Equal(t, 2, idx)
	assert.Greater(t, p, 0.99)
}

func TestSoftmax_NumericalStability(t *testing.T) {
	for _, p := range softmax([]float32{1000, 1001, 1002}) {
		assert.False(t, math.IsNaN(p) || math.IsInf(p, 0), "bad prob %f", p)
	}
}

func TestMergeBIO(t *testing.T) {
	tokens := []Token{{Text: "John", Start: 0, End: 4}, {Text: "Smith", Start: 5, End: 10}, {Text: "Acme", Start: 14, End: 18}}
	labels := []string{"B-PERSON", "I-PERSON", "B-ORG"}
	scores := []float64{0.9, 0.8, 0.85}
	spans := mergeBIO(tokens, labels, scores)
	require.Len(t, spans, 2)
	assert.Equal(t, bioSpan{Type: "PERSON", Start: 0, End: 10, Score: 0.85}, roundSpan(spans[0]))
	assert.Equal(t, "ORG", spans[1].Type)
}

func TestMergeBIO_TypeChangeStartsNewSpan(t *testing.T) {
	tokens := []Token{{Start: 0, End: 4}, {Start: 5, End: 10}}
	spans := mergeBIO(tokens, []string{"B-PER", "I-LOC"}, []float64{0.9, 0.9})
	require.Len(t, spans, 2)
	assert.Equal(t, "LOC", spans[1].Type)
}

func TestTokensToEntitiesMapsAndDrops(t *testing.T) {
	tokens := []Token{{Start: 0, End: 4}, {Start: 5, End: 9}, {Start: 10, End: 15}}
	out := tokensToEntities(tokens, []string{"B-PER", "B-MISC", "B-GPE"}, []float64{0.9, 0.9, 0.7}, "test")
	require.Len(t, out, 2)
	assert.Equal(t, KindPerson, out[0].Kind)
	assert.Equal(t, KindLocation, out[1].Kind)
	assert.Equal(t, "test", out[1].Source)
}

func roundSpan(s bioSpan) bioSpan {
	s.Score = math.Round(s.Score*100) / 100
	return s
}
