package ml

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func lossAndGrads(t *testing.T, m *Model, x *Matrix, labels []int) (float64, Gradients) {
	t.Helper()
	tape, err := m.Record(EvalPass(), x)
	require.NoError(t, err)
	loss, dScores, err := CrossEntropyLoss{}.Loss(tape.Scores, labels)
	require.NoError(t, err)
	grads, err := Backward(m, tape, dScores)
	require.NoError(t, err)
	return loss, grads
}

// Compares Backward with central finite differences of the loss.
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	for _, act := range []string{"sigmoid", "linear", "relu"} {
		t.Run(act, func(t *testing.T) {
			m := newTestModel(t, 4, 3, []int{5, 3}, Activation(act))
			x := randomInput(6, 4, testRand(11))
			labels := []int{0, 1, 2, 2, 1, 0}

			_, grads := lossAndGrads(t, m, x, labels)

			for _, p := range m.Parameters() {
				orig := slices.Clone(p.Value.data)
				f := func(w []float64) float64 {
					copy(p.Value.data, w)
					scores, err := m.Forward(EvalPass(), x)
					require.NoError(t, err)
					loss, _, err := CrossEntropyLoss{}.Loss(scores, labels)
					require.NoError(t, err)
					return loss
				}
				numeric := fd.Gradient(nil, f, orig, &fd.Settings{Formula: fd.Central})
				copy(p.Value.data, orig)

				require.Contains(t, grads, p.Name)
				assert.InDeltaSlice(t, numeric, grads[p.Name].data, 1e-6, p.Name)
			}
		})
	}
}

func TestBackwardThroughDropoutUsesMask(t *testing.T) {
	m := newTestModel(t, 4, 3, []int{8}, Dropout(0.5))
	x := randomInput(5, 4, testRand(4))
	labels := []int{0, 1, 2, 0, 1}

	tape, err := m.Record(TrainPass(testRand(5)), x)
	require.NoError(t, err)
	_, dScores, err := CrossEntropyLoss{}.Loss(tape.Scores, labels)
	require.NoError(t, err)
	grads, err := Backward(m, tape, dScores)
	require.NoError(t, err)

	// A hidden unit dropped for every sample gets no gradient on its bias.
	mask := tape.Masks[0]
	for j := 0; j < mask.Cols(); j++ {
		dropped := true
		for i := 0; i < mask.Rows(); i++ {
			if mask.At(i, j) != 0 {
				dropped = false
			}
		}
		if dropped {
			assert.Equal(t, 0.0, grads["hidden_layers.0.bias"].At(0, j))
		}
	}
}

func TestBackwardSkipsFrozenParameters(t *testing.T) {
	m := newTestModel(t, 4, 3, []int{5})
	require.NoError(t, m.Freeze("hidden_layers.0.weight"))

	_, grads := lossAndGrads(t, m, randomInput(2, 4, testRand(1)), []int{0, 1})
	assert.NotContains(t, grads, "hidden_layers.0.weight")
	assert.Contains(t, grads, "hidden_layers.0.bias")
	assert.Len(t, grads, 3)
}

func TestBackwardRejectsMismatchedScores(t *testing.T) {
	m := newTestModel(t, 4, 3, []int{5})
	tape, err := m.Record(EvalPass(), randomInput(2, 4, testRand(1)))
	require.NoError(t, err)

	_, err = Backward(m, tape, NewMatrix(2, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Backward(m, nil, NewMatrix(2, 3))
	assert.Error(t, err)
}

func TestGradBufferAccumulatesUntilZeroGrad(t *testing.T) {
	m := newTestModel(t, 4, 3, []int{5})
	_, g := lossAndGrads(t, m, randomInput(3, 4, testRand(2)), []int{0, 1, 2})

	buf := NewGradBuffer(m)
	require.NoError(t, buf.Accumulate(g))
	require.NoError(t, buf.Accumulate(g))
	for name, grad := range g {
		for i, v := range grad.data {
			assert.InDelta(t, 2*v, buf.Gradients()[name].data[i], 1e-15)
		}
	}

	buf.ZeroGrad()
	for _, grad := range buf.Gradients() {
		for _, v := range grad.data {
			assert.Equal(t, 0.0, v)
		}
	}

	require.NoError(t, buf.Accumulate(g))
	for name, grad := range g {
		assert.True(t, grad.Equal(buf.Gradients()[name]), name)
	}
}

func TestGradBufferRejectsUnknownOrMisshapen(t *testing.T) {
	m := newTestModel(t, 4, 3, []int{5})
	buf := NewGradBuffer(m)

	assert.Error(t, buf.Accumulate(Gradients{"nope": NewMatrix(1, 1)}))
	assert.ErrorIs(t, buf.Accumulate(Gradients{"output.bias": NewMatrix(1, 4)}), ErrShapeMismatch)
}
