package ml

import (
	"bytes"
	"log"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch(rows, cols, classes int, seed uint64) Batch {
	rng := testRand(seed)
	labels := make([]int, rows)
	for i := range labels {
		labels[i] = rng.IntN(classes)
	}
	return Batch{X: randomInput(rows, cols, rng), Labels: labels}
}

func TestTrainStepChangesParameters(t *testing.T) {
	m := newTestModel(t, 6, 3, []int{8, 4}, Activation("sigmoid"))
	before := m.StateDict()
	batch := testBatch(5, 6, 3, 1)

	loss, err := TrainStep(m, batch, CrossEntropyLoss{}, &SGDOptimizer{LearningRate: 0.1}, NewGradBuffer(m), EvalPass())
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)

	for name, value := range m.StateDict() {
		assert.False(t, value.Equal(before[name]), "%s was not updated", name)
	}
}

func TestTrainStepSkipsFrozenParameters(t *testing.T) {
	m := newTestModel(t, 6, 3, []int{8})
	require.NoError(t, m.Freeze("output.weight"))
	before := m.StateDict()

	_, err := TrainStep(m, testBatch(5, 6, 3, 1), CrossEntropyLoss{}, &SGDOptimizer{LearningRate: 0.1}, NewGradBuffer(m), EvalPass())
	require.NoError(t, err)

	after := m.StateDict()
	assert.True(t, after["output.weight"].Equal(before["output.weight"]))
	assert.False(t, after["output.bias"].Equal(before["output.bias"]))
}

// Each step must see only its own batch's gradients.
func TestTrainStepResetsGradients(t *testing.T) {
	m := newTestModel(t, 6, 3, []int{8})
	grads := NewGradBuffer(m)
	frozenOpt := &SGDOptimizer{LearningRate: 0} // parameters stay put, so gradients are comparable

	first := testBatch(4, 6, 3, 1)
	second := testBatch(4, 6, 3, 2)
	_, err := TrainStep(m, first, CrossEntropyLoss{}, frozenOpt, grads, EvalPass())
	require.NoError(t, err)
	_, err = TrainStep(m, second, CrossEntropyLoss{}, frozenOpt, grads, EvalPass())
	require.NoError(t, err)

	_, want := lossAndGrads(t, m, second.X, second.Labels)
	for name, g := range want {
		assert.True(t, g.Equal(grads.Gradients()[name]), name)
	}
}

func TestEvaluateIsDeterministicAndReadOnly(t *testing.T) {
	m := newTestModel(t, 6, 3, []int{8}, Dropout(0.5))
	batches := Batches{testBatch(5, 6, 3, 1), testBatch(3, 6, 3, 2)}
	before := m.StateDict()

	first, err := Evaluate(m, batches, CrossEntropyLoss{})
	require.NoError(t, err)
	second, err := Evaluate(m, batches, CrossEntropyLoss{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 8, first.Count)
	assert.InDelta(t, float64(first.Correct)/8, first.Accuracy, 1e-12)
	for name, value := range m.StateDict() {
		assert.True(t, value.Equal(before[name]), name)
	}
}

func TestEvaluateWeightsLossBySize(t *testing.T) {
	m := newTestModel(t, 6, 3, []int{8})
	a, b := testBatch(5, 6, 3, 1), testBatch(1, 6, 3, 2)

	res, err := Evaluate(m, Batches{a, b}, CrossEntropyLoss{})
	require.NoError(t, err)

	la, _, err := CrossEntropyLoss{}.Loss(mustForward(t, m, a.X), a.Labels)
	require.NoError(t, err)
	lb, _, err := CrossEntropyLoss{}.Loss(mustForward(t, m, b.X), b.Labels)
	require.NoError(t, err)
	assert.InDelta(t, (5*la+lb)/6, res.Loss, 1e-12)

	_, err = Evaluate(m, Batches{}, CrossEntropyLoss{})
	assert.Error(t, err)
}

func mustForward(t *testing.T, m *Model, x *Matrix) *Matrix {
	t.Helper()
	scores, err := m.Forward(EvalPass(), x)
	require.NoError(t, err)
	return scores
}

func TestTrainRecordsHistoryAndSaves(t *testing.T) {
	m := newTestModel(t, 6, 3, []int{8}, Dropout(0.2))
	train := Batches{testBatch(8, 6, 3, 1), testBatch(8, 6, 3, 2)}
	val := Batches{testBatch(4, 6, 3, 3)}
	path := filepath.Join(t.TempDir(), "model.nmlp")

	var out bytes.Buffer
	cfg := TrainingConfig{
		Epochs:       3,
		LearningRate: 0.05,
		Optimizer:    OptMomentum,
		ModelPath:    path,
		Seed:         42,
		Logger:       log.New(&out, "", 0),
	}
	history, err := Train(m, train, val, CrossEntropyLoss{}, NewOptimizer(cfg), cfg)
	require.NoError(t, err)

	assert.Len(t, history.TrainLoss, 3)
	assert.Len(t, history.ValLoss, 3)
	assert.Len(t, history.ValAccuracy, 3)
	assert.Contains(t, out.String(), "Epoch 1 | Loss:")
	assert.Contains(t, out.String(), "Saved model to "+path)

	restored, err := Load(path)
	require.NoError(t, err)
	x := val[0].X
	assert.True(t, mustForward(t, m, x).Equal(mustForward(t, restored, x)))
}

func TestTrainValidation(t *testing.T) {
	m := newTestModel(t, 6, 3, []int{8})
	_, err := Train(m, Batches{testBatch(2, 6, 3, 1)}, nil, CrossEntropyLoss{}, &SGDOptimizer{}, TrainingConfig{})
	assert.Error(t, err)

	_, err = Train(m, Batches{}, nil, CrossEntropyLoss{}, &SGDOptimizer{}, TrainingConfig{Epochs: 1})
	assert.Error(t, err)

	_, err = Train(m, Batches{testBatch(2, 5, 3, 1)}, nil, CrossEntropyLoss{}, &SGDOptimizer{}, TrainingConfig{Epochs: 1})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestGather(t *testing.T) {
	x := NewMatrixFromRows([][]float64{{0, 0}, {1, 1}, {2, 2}})
	b := Gather([]int{2, 0}, x, []int{10, 11, 12})

	assert.Equal(t, []int{12, 10}, b.Labels)
	assert.Equal(t, []float64{2, 2, 0, 0}, b.X.Data())
}

func TestShuffleIndicesIsSeeded(t *testing.T) {
	a, b := NewIndexList(20), NewIndexList(20)
	ShuffleIndices(a, testRand(3))
	ShuffleIndices(b, testRand(3))
	assert.Equal(t, a, b)
	assert.ElementsMatch(t, NewIndexList(20), a)
}

// Without ZeroGrad the buffer mixes both batches, which is what TrainStep prevents.
func TestGradientsAccumulateWithoutReset(t *testing.T) {
	m := newTestModel(t, 6, 3, []int{8})
	first := testBatch(4, 6, 3, 1)
	second := testBatch(4, 6, 3, 2)
	_, g1 := lossAndGrads(t, m, first.X, first.Labels)
	_, g2 := lossAndGrads(t, m, second.X, second.Labels)

	grads := NewGradBuffer(m)
	require.NoError(t, grads.Accumulate(g1))
	require.NoError(t, grads.Accumulate(g2))

	for name, got := range grads.Gradients() {
		assert.False(t, got.Equal(g2[name]), name)
		for i, v := range got.data {
			assert.InDelta(t, g1[name].data[i]+g2[name].data[i], v, 1e-15)
		}
	}
}
