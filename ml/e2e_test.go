package ml_test

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/b0tShaman/neuro-mlp/data"
	"github.com/b0tShaman/neuro-mlp/ml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Trains the MNIST-sized classifier for two epochs on separable synthetic
// data and checks the second epoch improves on the first.
func TestTrainMNISTShapedClassifier(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end training in short mode")
	}
	rng := rand.New(rand.NewPCG(2024, 1))

	ds, err := data.Blobs(320, 784, 10, 0.5, rng)
	require.NoError(t, err)
	trainSet, valSet, err := ds.Split(0.2, rng)
	require.NoError(t, err)

	nw, err := ml.NewClassifier(784, 10, []int{512, 256, 128}, ml.Dropout(0), ml.WithRand(rng))
	require.NoError(t, err)

	cfg := ml.TrainingConfig{
		Epochs:       2,
		BatchSize:    32,
		LearningRate: 0.001,
		Optimizer:    ml.OptAdam,
		Seed:         7,
		ModelPath:    filepath.Join(t.TempDir(), "mnist.nmlp"),
	}
	trainLoader := &data.Loader{Dataset: trainSet, BatchSize: cfg.BatchSize, Shuffle: true, RNG: rng}
	valLoader := &data.Loader{Dataset: valSet, BatchSize: cfg.BatchSize}

	history, err := ml.Train(nw, trainLoader, valLoader, ml.CrossEntropyLoss{}, ml.NewOptimizer(cfg), cfg)
	require.NoError(t, err)
	require.Len(t, history.TrainLoss, 2)
	assert.LessOrEqual(t, history.TrainLoss[1], history.TrainLoss[0])

	restored, err := ml.Load(cfg.ModelPath)
	require.NoError(t, err)
	want, err := ml.Evaluate(nw, valLoader, ml.CrossEntropyLoss{})
	require.NoError(t, err)
	got, err := ml.Evaluate(restored, valLoader, ml.CrossEntropyLoss{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, history.ValLoss[1], got.Loss)
}
