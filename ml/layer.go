package ml

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

const (
	ActLinear ActivationType = iota
	ActRelu
	ActSigmoid
)

var activationMap = map[string]ActivationType{
	"linear":  ActLinear,
	"sigmoid": ActSigmoid,
	"relu":    ActRelu,
}

// -------- TYPE DEFINITIONS -------- //
type ActivationType int

func (a ActivationType) String() string {
	for name, act := range activationMap {
		if act == a {
			return name
		}
	}
	return fmt.Sprintf("activation(%d)", int(a))
}

// ParseActivation maps a name such as "relu" to its ActivationType.
func ParseActivation(name string) (ActivationType, error) {
	act, ok := activationMap[name]
	if !ok {
		return 0, errors.Errorf("unknown activation %q", name)
	}
	return act, nil
}

// Parameter is a named, trainable tensor. Only parameters with RequiresGrad
// receive gradients from Backward and updates from an Optimizer.
type Parameter struct {
	Name         string
	Value        *Matrix
	RequiresGrad bool
}

// Linear is one affine transformation: out = in × Weight + Bias.
type Linear struct {
	Weight *Parameter // [in, out]
	Bias   *Parameter // [1, out]
}

func newLinear(prefix string, in, out int) *Linear {
	return &Linear{
		Weight: &Parameter{Name: prefix + ".weight", Value: NewMatrix(in, out), RequiresGrad: true},
		Bias:   &Parameter{Name: prefix + ".bias", Value: NewMatrix(1, out), RequiresGrad: true},
	}
}

func (l *Linear) In() int  { return l.Weight.Value.rows }
func (l *Linear) Out() int { return l.Weight.Value.cols }

// forward computes x × W + b into a fresh matrix.
func (l *Linear) forward(x *Matrix) *Matrix {
	z := NewMatrix(x.rows, l.Out())
	MatMul(x.dense, l.Weight.Value.dense, z)
	z.AddVector(l.Bias.Value)
	return z
}

// ------- MODEL OPTIONS ------- //
type ModelOption func(*modelConfig)

type modelConfig struct {
	dropout    float64
	activation ActivationType
	rng        *rand.Rand
}

// Dropout sets the fraction of hidden activations zeroed during training.
func Dropout(rate float64) ModelOption {
	return func(c *modelConfig) {
		c.dropout = rate
	}
}

// Activation selects the hidden nonlinearity ("relu" or "sigmoid").
// Unknown names are reported by NewClassifier.
func Activation(activation string) ModelOption {
	return func(c *modelConfig) {
		act, exists := activationMap[activation]
		if !exists {
			act = ActivationType(-1)
		}
		c.activation = act
	}
}

// WithRand sets the source used for parameter initialisation.
func WithRand(rng *rand.Rand) ModelOption {
	return func(c *modelConfig) {
		c.rng = rng
	}
}

// ------- ACTIVATIONS ------- //
func Relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func ReluDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// SoftmaxRow applies softmax to each row of the matrix.
func SoftmaxRow(m *Matrix) {
	for i := 0; i < m.rows; i++ {
		row := m.Row(i)
		maxVal := floats.Max(row)
		sum := 0.0
		for j, v := range row {
			e := math.Exp(v - maxVal)
			row[j] = e
			sum += e
		}
		floats.Scale(1/sum, row)
	}
}

// LogSoftmaxRow replaces each row with its log-probabilities,
// log p_j = s_j - logsumexp(s). floats.LogSumExp subtracts the row max first.
func LogSoftmaxRow(m *Matrix) {
	for i := 0; i < m.rows; i++ {
		row := m.Row(i)
		lse := floats.LogSumExp(row)
		floats.AddConst(-lse, row)
	}
}

// LogProbs returns the log-probability view of raw class scores.
func LogProbs(scores *Matrix) *Matrix {
	out := scores.Clone()
	LogSoftmaxRow(out)
	return out
}
