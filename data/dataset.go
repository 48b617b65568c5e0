package data

import (
	"iter"
	"math"
	"math/rand/v2"

	"github.com/b0tShaman/neuro-mlp/ml"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Dataset is a labelled design matrix: one sample per row of X.
type Dataset struct {
	X      *ml.Matrix
	Labels []int
}

func NewDataset(x *ml.Matrix, labels []int) (*Dataset, error) {
	if x == nil {
		return nil, errors.New("dataset: nil feature matrix")
	}
	if x.Rows() != len(labels) {
		return nil, errors.Errorf("dataset: %d rows but %d labels", x.Rows(), len(labels))
	}
	for i, y := range labels {
		if y < 0 {
			return nil, errors.Errorf("dataset: negative label %d at row %d", y, i)
		}
	}
	return &Dataset{X: x, Labels: labels}, nil
}

func (d *Dataset) Len() int      { return len(d.Labels) }
func (d *Dataset) Features() int { return d.X.Cols() }

// Classes returns one more than the largest label.
func (d *Dataset) Classes() int {
	classes := 0
	for _, y := range d.Labels {
		classes = max(classes, y+1)
	}
	return classes
}

// Subset copies the given rows into a new dataset.
func (d *Dataset) Subset(indices []int) *Dataset {
	b := ml.Gather(indices, d.X, d.Labels)
	return &Dataset{X: b.X, Labels: b.Labels}
}

// Split shuffles the samples and returns (train, validation) where the
// validation part holds round(valFraction * Len()) samples.
func (d *Dataset) Split(valFraction float64, rng *rand.Rand) (*Dataset, *Dataset, error) {
	if valFraction <= 0 || valFraction >= 1 {
		return nil, nil, errors.Errorf("split: validation fraction must be in (0, 1) (got %g)", valFraction)
	}
	nVal := int(math.Round(valFraction * float64(d.Len())))
	if nVal == 0 || nVal == d.Len() {
		return nil, nil, errors.Errorf("split: %d samples is too few for fraction %g", d.Len(), valFraction)
	}

	indices := ml.NewIndexList(d.Len())
	ml.ShuffleIndices(indices, rng)
	return d.Subset(indices[nVal:]), d.Subset(indices[:nVal]), nil
}

// ------- LOADER ------- //

// Loader serves a Dataset as mini-batches. It implements ml.BatchSource.
// When Shuffle is set every call to Batches draws a new order from RNG.
type Loader struct {
	Dataset   *Dataset
	BatchSize int // <= 0 means the whole dataset in one batch
	Shuffle   bool
	RNG       *rand.Rand
	DropLast  bool // skip a trailing batch smaller than BatchSize
}

// NumBatches returns how many batches one pass yields.
func (l *Loader) NumBatches() int {
	n, size := l.Dataset.Len(), l.batchSize()
	if size == 0 {
		return 0
	}
	if l.DropLast {
		return n / size
	}
	return (n + size - 1) / size
}

func (l *Loader) batchSize() int {
	if l.BatchSize <= 0 {
		return l.Dataset.Len()
	}
	return l.BatchSize
}

func (l *Loader) Batches() iter.Seq[ml.Batch] {
	return func(yield func(ml.Batch) bool) {
		n, size := l.Dataset.Len(), l.batchSize()
		if n == 0 {
			return
		}

		indices := ml.NewIndexList(n)
		if l.Shuffle {
			ml.ShuffleIndices(indices, l.RNG)
		}

		for start := 0; start < n; start += size {
			end := min(start+size, n)
			if l.DropLast && end-start < size {
				return
			}
			if !yield(ml.Gather(indices[start:end], l.Dataset.X, l.Dataset.Labels)) {
				return
			}
		}
	}
}

// ------- PREPROCESSING ------- //

// MinMaxNormalize rescales every feature column of x to [0, 1] in place.
// Constant columns become 0.
func MinMaxNormalize(x *ml.Matrix) {
	rows, cols := x.Rows(), x.Cols()
	if rows == 0 {
		return
	}
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			col[i] = x.At(i, j)
		}
		lo, hi := floats.Min(col), floats.Max(col)
		span := hi - lo
		for i := 0; i < rows; i++ {
			if span == 0 {
				x.Set(i, j, 0)
				continue
			}
			x.Set(i, j, (col[i]-lo)/span)
		}
	}
}

// Blobs draws a synthetic classification set: one Gaussian cluster per class,
// centred at a point drawn uniformly from [-1, 1]^features. Labels cycle
// through the classes so every class is represented.
func Blobs(n, features, classes int, spread float64, rng *rand.Rand) (*Dataset, error) {
	if n <= 0 || features <= 0 || classes <= 0 {
		return nil, errors.Errorf("blobs: n, features and classes must be > 0 (got %d, %d, %d)", n, features, classes)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	uniform := distuv.Uniform{Min: -1, Max: 1, Src: rng}
	centers := make([][]float64, classes)
	for c := range centers {
		centers[c] = make([]float64, features)
		for j := range centers[c] {
			centers[c][j] = uniform.Rand()
		}
	}

	noise := distuv.Normal{Mu: 0, Sigma: spread, Src: rng}
	x := ml.NewMatrix(n, features)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		c := i % classes
		labels[i] = c
		row := x.Row(i)
		for j := range row {
			row[j] = centers[c][j]
			if spread > 0 {
				row[j] += noise.Rand()
			}
		}
	}
	return &Dataset{X: x, Labels: labels}, nil
}
