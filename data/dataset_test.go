package data

import (
	"math/rand/v2"
	"testing"

	"github.com/b0tShaman/neuro-mlp/ml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

// rowDataset has one feature per sample equal to its index, so batches
// reveal the order they were served in.
func rowDataset(t *testing.T, n int) *Dataset {
	t.Helper()
	x := ml.NewMatrix(n, 1)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		x.Set(i, 0, float64(i))
		labels[i] = i % 3
	}
	ds, err := NewDataset(x, labels)
	require.NoError(t, err)
	return ds
}

func servedOrder(l *Loader) (order []int, sizes []int) {
	for batch := range l.Batches() {
		sizes = append(sizes, len(batch.Labels))
		for i := 0; i < batch.X.Rows(); i++ {
			idx := int(batch.X.At(i, 0))
			order = append(order, idx)
		}
	}
	return order, sizes
}

func TestNewDatasetValidation(t *testing.T) {
	_, err := NewDataset(ml.NewMatrix(2, 2), []int{0})
	assert.Error(t, err)
	_, err = NewDataset(ml.NewMatrix(2, 2), []int{0, -1})
	assert.Error(t, err)
	_, err = NewDataset(nil, nil)
	assert.Error(t, err)
}

func TestLoaderSequential(t *testing.T) {
	l := &Loader{Dataset: rowDataset(t, 10), BatchSize: 4}

	order, sizes := servedOrder(l)
	assert.Equal(t, ml.NewIndexList(10), order)
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, 3, l.NumBatches())
}

func TestLoaderDropLast(t *testing.T) {
	l := &Loader{Dataset: rowDataset(t, 10), BatchSize: 4, DropLast: true}

	_, sizes := servedOrder(l)
	assert.Equal(t, []int{4, 4}, sizes)
	assert.Equal(t, 2, l.NumBatches())
}

func TestLoaderWholeDatasetBatch(t *testing.T) {
	l := &Loader{Dataset: rowDataset(t, 7)}
	_, sizes := servedOrder(l)
	assert.Equal(t, []int{7}, sizes)
}

func TestLoaderShuffleIsSeededAndChangesPerPass(t *testing.T) {
	ds := rowDataset(t, 50)
	a := &Loader{Dataset: ds, BatchSize: 8, Shuffle: true, RNG: seeded(1)}
	b := &Loader{Dataset: ds, BatchSize: 8, Shuffle: true, RNG: seeded(1)}

	firstA, _ := servedOrder(a)
	firstB, _ := servedOrder(b)
	assert.Equal(t, firstA, firstB)
	assert.ElementsMatch(t, ml.NewIndexList(50), firstA)
	assert.NotEqual(t, ml.NewIndexList(50), firstA)

	secondA, _ := servedOrder(a)
	assert.NotEqual(t, firstA, secondA)
}

func TestLoaderLabelsFollowRows(t *testing.T) {
	ds := rowDataset(t, 12)
	l := &Loader{Dataset: ds, BatchSize: 5, Shuffle: true, RNG: seeded(3)}
	for batch := range l.Batches() {
		for i, y := range batch.Labels {
			assert.Equal(t, int(batch.X.At(i, 0))%3, y)
		}
	}
}

func TestLoaderStopsEarly(t *testing.T) {
	l := &Loader{Dataset: rowDataset(t, 10), BatchSize: 2}
	seen := 0
	for range l.Batches() {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestSplit(t *testing.T) {
	ds := rowDataset(t, 20)
	train, val, err := ds.Split(0.25, seeded(4))
	require.NoError(t, err)
	assert.Equal(t, 15, train.Len())
	assert.Equal(t, 5, val.Len())

	var all []int
	for _, part := range []*Dataset{train, val} {
		order, _ := servedOrder(&Loader{Dataset: part})
		all = append(all, order...)
	}
	assert.ElementsMatch(t, ml.NewIndexList(20), all)

	_, _, err = ds.Split(1, seeded(4))
	assert.Error(t, err)
	_, _, err = rowDataset(t, 1).Split(0.5, seeded(4))
	assert.Error(t, err)
}

func TestMinMaxNormalize(t *testing.T) {
	x := ml.NewMatrixFromRows([][]float64{
		{0, 10, 5},
		{50, 20, 5},
		{100, 30, 5},
	})
	MinMaxNormalize(x)
	assert.Equal(t, []float64{
		0, 0, 0,
		0.5, 0.5, 0,
		1, 1, 0,
	}, x.Data())
}

func TestBlobs(t *testing.T) {
	ds, err := Blobs(30, 4, 3, 0.1, seeded(5))
	require.NoError(t, err)
	assert.Equal(t, 30, ds.Len())
	assert.Equal(t, 4, ds.Features())
	assert.Equal(t, 3, ds.Classes())

	again, err := Blobs(30, 4, 3, 0.1, seeded(5))
	require.NoError(t, err)
	assert.True(t, ds.X.Equal(again.X))

	// Without noise every sample sits on its class centre.
	exact, err := Blobs(6, 4, 3, 0, seeded(5))
	require.NoError(t, err)
	assert.Equal(t, exact.X.Row(0), exact.X.Row(3))

	_, err = Blobs(0, 4, 3, 0.1, nil)
	assert.Error(t, err)
}
