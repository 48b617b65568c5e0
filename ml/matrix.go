package ml

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Matrix represents a dense matrix with a flat data slice for performance.
type Matrix struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// Shape is a (rows, cols) pair.
type Shape [2]int

func (s Shape) String() string {
	return fmt.Sprintf("[%d, %d]", s[0], s[1])
}

// -------- CONSTRUCTORS ------- //
func NewMatrix(rows, cols int) *Matrix {
	data := make([]float64, rows*cols)
	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// NewMatrixFromSlice wraps data without copying it.
func NewMatrixFromSlice(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("slice length mismatch: %d values for [%d, %d]", len(data), rows, cols))
	}

	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// NewMatrixFromRows copies a row-major [][]float64 into a new matrix.
func NewMatrixFromRows(rows [][]float64) *Matrix {
	if len(rows) == 0 {
		panic("no rows")
	}
	return NewMatrixFromSlice(len(rows), len(rows[0]), Flatten(rows))
}

// ------- ACCESSORS ------ //
func (m *Matrix) Rows() int       { return m.rows }
func (m *Matrix) Cols() int       { return m.cols }
func (m *Matrix) Shape() Shape    { return Shape{m.rows, m.cols} }
func (m *Matrix) Data() []float64 { return m.data }

func (m *Matrix) At(i, j int) float64 {
	return m.data[i*m.cols+j]
}

func (m *Matrix) Set(i, j int, v float64) {
	m.data[i*m.cols+j] = v
}

// Row returns a view of row i.
func (m *Matrix) Row(i int) []float64 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

func (m *Matrix) Clone() *Matrix {
	out := NewMatrix(m.rows, m.cols)
	copy(out.data, m.data)
	return out
}

// Equal reports whether both matrices have the same shape and identical values.
func (m *Matrix) Equal(b *Matrix) bool {
	if m.rows != b.rows || m.cols != b.cols {
		return false
	}
	return floats.Equal(m.data, b.data)
}

// ------- MATRIX METHODS ------ //

// Randomize fills m with He-normal values, suited to ReLU layers.
func (m *Matrix) Randomize(rng *rand.Rand) {
	dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2.0 / float64(m.rows)), Src: rng}
	for i := range m.data {
		m.data[i] = dist.Rand()
	}
}

// RandomizeXavier fills m with Glorot-uniform values, suited to sigmoid layers.
func (m *Matrix) RandomizeXavier(rng *rand.Rand) {
	// limit = sqrt(6 / (fan_in + fan_out))
	limit := math.Sqrt(6.0 / float64(m.rows+m.cols))
	dist := distuv.Uniform{Min: -limit, Max: limit, Src: rng}
	for i := range m.data {
		m.data[i] = dist.Rand()
	}
}

func (m *Matrix) Reset() {
	for i := range m.data {
		m.data[i] = 0.0
	}
}

// Add adds b to m element-wise in place.
func (m *Matrix) Add(b *Matrix) {
	m.dense.Add(m.dense, b.dense)
}

// MulElem multiplies m by b element-wise in place.
func (m *Matrix) MulElem(b *Matrix) {
	m.dense.MulElem(m.dense, b.dense)
}

func (m *Matrix) AddVector(v *Matrix) {
	for i := 0; i < m.rows; i++ {
		floats.Add(m.data[i*m.cols:(i+1)*m.cols], v.data)
	}
}

// SumRows adds every row of m into dst, which must be [1, cols].
func (m *Matrix) SumRows(dst *Matrix) {
	dst.Reset()
	for i := 0; i < m.rows; i++ {
		floats.Add(dst.data, m.data[i*m.cols:(i+1)*m.cols])
	}
}

func (m *Matrix) ApplyRelu() {
	for i, v := range m.data {
		if v < 0 {
			m.data[i] = 0
		}
	}
}

func (m *Matrix) ApplySigmoid() {
	for i, v := range m.data {
		m.data[i] = 1.0 / (1.0 + math.Exp(-v))
	}
}

func (m *Matrix) ApplyFunc(fn func(float64) float64) {
	for i := range m.data {
		m.data[i] = fn(m.data[i])
	}
}

// ArgMaxRow returns the column index of the largest value in row i.
func (m *Matrix) ArgMaxRow(i int) int {
	return floats.MaxIdx(m.Row(i))
}

// ------ UTILITY FUNCTIONS ------
func MatMul(a, b mat.Matrix, out *Matrix) {
	out.dense.Mul(a, b)
}

// MatMul using pure go (no BLAS)
func MatMulGo(a, b, out *Matrix) {
	const blockSize = 64
	if a.cols != b.rows || out.rows != a.rows || out.cols != b.cols {
		panic("Shape mismatch")
	}
	out.Reset()
	for i := 0; i < a.rows; i += blockSize {
		for j := 0; j < b.cols; j += blockSize {
			for k := 0; k < a.cols; k += blockSize {
				iMax, jMax, kMax := min(i+blockSize, a.rows), min(j+blockSize, b.cols), min(k+blockSize, a.cols)
				for ii := i; ii < iMax; ii++ {
					rowOffsetOut := ii * out.cols
					for kk := k; kk < kMax; kk++ {
						scalar := a.data[ii*a.cols+kk]
						rowOffsetB := kk * b.cols
						for jj := j; jj < jMax; jj++ {
							out.data[rowOffsetOut+jj] += scalar * b.data[rowOffsetB+jj]
						}
					}
				}
			}
		}
	}
}

func Flatten(input [][]float64) []float64 {
	if len(input) == 0 {
		return nil
	}
	rows, cols := len(input), len(input[0])
	flat := make([]float64, rows*cols)
	for i, row := range input {
		copy(flat[i*cols:], row)
	}
	return flat
}
