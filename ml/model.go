package ml

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Mode selects training or evaluation behaviour for a single forward pass.
type Mode int

const (
	ModeEval Mode = iota
	ModeTrain
)

// Pass carries everything a forward pass may depend on besides the input
// and the parameters. Dropout is only applied in ModeTrain, using RNG.
type Pass struct {
	Mode Mode
	RNG  *rand.Rand
}

func TrainPass(rng *rand.Rand) Pass { return Pass{Mode: ModeTrain, RNG: rng} }
func EvalPass() Pass                { return Pass{Mode: ModeEval} }

// Model is a fully connected classifier:
// input -> hidden[0] -> ... -> hidden[n-1] -> output (raw class scores).
type Model struct {
	InputSize   int
	OutputSize  int
	HiddenSizes []int
	DropoutRate float64
	Activation  ActivationType

	Hidden []*Linear
	Output *Linear
}

// Tape keeps the intermediate values of a recorded forward pass for Backward.
type Tape struct {
	Input  *Matrix
	Z      []*Matrix // hidden pre-activations
	A      []*Matrix // hidden outputs after activation and dropout
	Masks  []*Matrix // inverted dropout masks, nil when no dropout was applied
	Scores *Matrix
}

// NewClassifier builds a model with the given architecture. Hidden layers use
// ReLU unless Activation("sigmoid") is given; the output layer has no activation.
func NewClassifier(inputSize, outputSize int, hiddenSizes []int, opts ...ModelOption) (*Model, error) {
	cfg := modelConfig{activation: ActRelu}
	for _, opt := range opts {
		opt(&cfg)
	}

	if inputSize <= 0 {
		return nil, errors.Errorf("input size must be > 0 (got %d)", inputSize)
	}
	if outputSize <= 0 {
		return nil, errors.Errorf("output size must be > 0 (got %d)", outputSize)
	}
	for i, h := range hiddenSizes {
		if h <= 0 {
			return nil, errors.Errorf("hidden layer %d size must be > 0 (got %d)", i, h)
		}
	}
	if cfg.dropout < 0 || cfg.dropout >= 1 {
		return nil, errors.Errorf("dropout rate must be in [0, 1) (got %g)", cfg.dropout)
	}
	if _, ok := activationMap[cfg.activation.String()]; !ok {
		return nil, errors.New("unknown hidden activation")
	}
	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	m := &Model{
		InputSize:   inputSize,
		OutputSize:  outputSize,
		HiddenSizes: slices.Clone(hiddenSizes),
		DropoutRate: cfg.dropout,
		Activation:  cfg.activation,
	}

	prevOutputSize := inputSize
	for i, h := range hiddenSizes {
		layer := newLinear(fmt.Sprintf("hidden_layers.%d", i), prevOutputSize, h)
		if cfg.activation == ActRelu {
			layer.Weight.Value.Randomize(cfg.rng)
		} else {
			layer.Weight.Value.RandomizeXavier(cfg.rng)
		}
		m.Hidden = append(m.Hidden, layer)
		prevOutputSize = h
	}
	m.Output = newLinear("output", prevOutputSize, outputSize)
	m.Output.Weight.Value.RandomizeXavier(cfg.rng)

	return m, nil
}

// -------- MODEL METHODS -------- //

// Architecture returns a copy of the hidden layer widths.
func (m *Model) Architecture() []int {
	return slices.Clone(m.HiddenSizes)
}

// Parameters returns every parameter in a stable order: hidden layers first,
// weight before bias, then the output layer.
func (m *Model) Parameters() []*Parameter {
	params := make([]*Parameter, 0, 2*(len(m.Hidden)+1))
	for _, l := range m.Hidden {
		params = append(params, l.Weight, l.Bias)
	}
	return append(params, m.Output.Weight, m.Output.Bias)
}

// ParameterNames lists the parameter names of a model with the given number
// of hidden layers, in the order Parameters returns them.
func ParameterNames(hiddenLayers int) []string {
	names := make([]string, 0, 2*(hiddenLayers+1))
	for i := range hiddenLayers {
		prefix := fmt.Sprintf("hidden_layers.%d", i)
		names = append(names, prefix+".weight", prefix+".bias")
	}
	return append(names, "output.weight", "output.bias")
}

// Parameter looks a parameter up by name.
func (m *Model) Parameter(name string) (*Parameter, bool) {
	for _, p := range m.Parameters() {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Freeze stops gradients and updates for the named parameter.
func (m *Model) Freeze(name string) error {
	p, ok := m.Parameter(name)
	if !ok {
		return errors.Errorf("no parameter named %q", name)
	}
	p.RequiresGrad = false
	return nil
}

// Forward returns raw class scores [batch, OutputSize] for x [batch, InputSize].
func (m *Model) Forward(pass Pass, x *Matrix) (*Matrix, error) {
	tape, err := m.Record(pass, x)
	if err != nil {
		return nil, err
	}
	return tape.Scores, nil
}

// Record runs a forward pass and keeps the values Backward needs.
func (m *Model) Record(pass Pass, x *Matrix) (*Tape, error) {
	if x == nil {
		return nil, errors.New("forward: nil input")
	}
	if x.rows == 0 {
		return nil, errors.New("forward: empty batch")
	}
	if x.cols != m.InputSize {
		return nil, shapeError("forward", "input", Shape{x.rows, m.InputSize}, x.Shape())
	}
	applyDropout := pass.Mode == ModeTrain && m.DropoutRate > 0
	if applyDropout && pass.RNG == nil {
		return nil, errors.New("forward: training pass with dropout needs an RNG")
	}

	tape := &Tape{
		Input: x,
		Z:     make([]*Matrix, len(m.Hidden)),
		A:     make([]*Matrix, len(m.Hidden)),
		Masks: make([]*Matrix, len(m.Hidden)),
	}

	activation := x
	for i, layer := range m.Hidden {
		z := layer.forward(activation)
		a := z.Clone()
		switch m.Activation {
		case ActRelu:
			a.ApplyRelu()
		case ActSigmoid:
			a.ApplySigmoid()
		case ActLinear:
		default:
			panic("Unknown activation type")
		}

		if applyDropout {
			mask := dropoutMask(a.rows, a.cols, m.DropoutRate, pass.RNG)
			a.MulElem(mask)
			tape.Masks[i] = mask
		}

		tape.Z[i] = z
		tape.A[i] = a
		activation = a
	}

	tape.Scores = m.Output.forward(activation)
	return tape, nil
}

// dropoutMask draws an inverted dropout mask: each entry is 0 with
// probability rate, otherwise 1/(1-rate), so expected activations are unchanged.
func dropoutMask(rows, cols int, rate float64, rng *rand.Rand) *Matrix {
	keep := 1 - rate
	dist := distuv.Bernoulli{P: keep, Src: rng}
	mask := NewMatrix(rows, cols)
	for i := range mask.data {
		mask.data[i] = dist.Rand() / keep
	}
	return mask
}

// Predict classifies a single flattened sample and returns the class and its probability.
func (m *Model) Predict(inputData []float64) (int, float64, error) {
	if len(inputData) != m.InputSize {
		return 0, 0, shapeError("predict", "input", Shape{1, m.InputSize}, Shape{1, len(inputData)})
	}

	// Treat the single sample as a batch of size 1.
	scores, err := m.Forward(EvalPass(), NewMatrixFromSlice(1, m.InputSize, inputData))
	if err != nil {
		return 0, 0, err
	}
	SoftmaxRow(scores)
	best := scores.ArgMaxRow(0)
	return best, scores.data[best], nil
}

// StateDict returns a copy of every parameter keyed by name.
func (m *Model) StateDict() map[string]*Matrix {
	sd := make(map[string]*Matrix)
	for _, p := range m.Parameters() {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// LoadStateDict copies sd into the model's parameters. Nothing is assigned
// unless every tensor matches; otherwise the returned *ShapeMismatchError
// lists each missing, unexpected or differently shaped tensor.
func (m *Model) LoadStateDict(sd map[string]*Matrix) error {
	var mismatches []Mismatch
	params := m.Parameters()
	known := make(map[string]bool, len(params))

	for _, p := range params {
		known[p.Name] = true
		got, ok := sd[p.Name]
		if !ok || got == nil {
			mismatches = append(mismatches, Mismatch{Name: p.Name, Expected: p.Value.Shape(), Missing: true})
			continue
		}
		if got.Shape() != p.Value.Shape() {
			mismatches = append(mismatches, Mismatch{Name: p.Name, Expected: p.Value.Shape(), Actual: got.Shape()})
		}
	}

	var unexpected []string
	for name := range sd {
		if !known[name] {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)
	for _, name := range unexpected {
		var actual Shape
		if sd[name] != nil {
			actual = sd[name].Shape()
		}
		mismatches = append(mismatches, Mismatch{Name: name, Actual: actual, Unexpected: true})
	}

	if len(mismatches) > 0 {
		return &ShapeMismatchError{Op: "load state dict", Mismatches: mismatches}
	}

	// Safe to overwrite now
	for _, p := range params {
		copy(p.Value.data, sd[p.Name].data)
	}
	return nil
}

// Clone returns a deep copy with identical parameters.
func (m *Model) Clone() *Model {
	out := &Model{
		InputSize:   m.InputSize,
		OutputSize:  m.OutputSize,
		HiddenSizes: slices.Clone(m.HiddenSizes),
		DropoutRate: m.DropoutRate,
		Activation:  m.Activation,
	}
	cloneLinear := func(l *Linear) *Linear {
		return &Linear{
			Weight: &Parameter{Name: l.Weight.Name, Value: l.Weight.Value.Clone(), RequiresGrad: l.Weight.RequiresGrad},
			Bias:   &Parameter{Name: l.Bias.Name, Value: l.Bias.Value.Clone(), RequiresGrad: l.Bias.RequiresGrad},
		}
	}
	for _, l := range m.Hidden {
		out.Hidden = append(out.Hidden, cloneLinear(l))
	}
	out.Output = cloneLinear(m.Output)
	return out
}
