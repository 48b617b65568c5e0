package ml

import (
	"github.com/pkg/errors"
)

// Gradients maps a parameter name to its gradient, shaped like the parameter.
type Gradients map[string]*Matrix

// Backward runs reverse-mode differentiation through a recorded pass.
// dScores is the gradient of the loss with respect to tape.Scores. The result
// is a fresh map holding one entry per parameter with RequiresGrad; nothing
// is accumulated anywhere else.
func Backward(m *Model, tape *Tape, dScores *Matrix) (Gradients, error) {
	if tape == nil || tape.Scores == nil {
		return nil, errors.New("backward: empty tape")
	}
	if dScores.Shape() != tape.Scores.Shape() {
		return nil, shapeError("backward", "scores", tape.Scores.Shape(), dScores.Shape())
	}

	grads := make(Gradients)

	// 1. Output layer
	prev := tape.Input
	if n := len(m.Hidden); n > 0 {
		prev = tape.A[n-1]
	}
	linearGrads(grads, m.Output, prev, dScores)

	if len(m.Hidden) == 0 {
		return grads, nil
	}

	// dA for the last hidden layer
	dA := NewMatrix(dScores.rows, m.Output.In())
	MatMul(dScores.dense, m.Output.Weight.Value.dense.T(), dA)

	// 2. Backprop loop
	for i := len(m.Hidden) - 1; i >= 0; i-- {
		layer := m.Hidden[i]

		if tape.Masks[i] != nil {
			dA.MulElem(tape.Masks[i])
		}

		// dZ = dA * act'(Z)
		dZ := dA
		zData := tape.Z[i].data
		for k := range dZ.data {
			switch m.Activation {
			case ActRelu:
				if zData[k] <= 0 {
					dZ.data[k] = 0
				}
			case ActSigmoid:
				s := Sigmoid(zData[k])
				dZ.data[k] *= s * (1.0 - s)
			}
		}

		var aPrev *Matrix
		if i == 0 {
			aPrev = tape.Input
		} else {
			aPrev = tape.A[i-1]
		}
		linearGrads(grads, layer, aPrev, dZ)

		if i > 0 {
			dA = NewMatrix(dZ.rows, layer.In())
			MatMul(dZ.dense, layer.Weight.Value.dense.T(), dA)
		}
	}

	return grads, nil
}

// linearGrads stores dW = inputᵀ × dZ and db = Σ_rows dZ for trainable parameters.
func linearGrads(grads Gradients, l *Linear, input, dZ *Matrix) {
	if l.Weight.RequiresGrad {
		dW := NewMatrix(l.In(), l.Out())
		MatMul(input.dense.T(), dZ.dense, dW)
		grads[l.Weight.Name] = dW
	}
	if l.Bias.RequiresGrad {
		db := NewMatrix(1, l.Out())
		dZ.SumRows(db)
		grads[l.Bias.Name] = db
	}
}

// GradBuffer accumulates gradients across calls the way autograd frameworks
// do: Accumulate adds, and nothing is cleared until ZeroGrad is called.
// A training loop must call ZeroGrad before each batch.
type GradBuffer struct {
	grads Gradients
}

// NewGradBuffer allocates a zeroed slot for every parameter of m.
func NewGradBuffer(m *Model) *GradBuffer {
	b := &GradBuffer{grads: make(Gradients)}
	for _, p := range m.Parameters() {
		b.grads[p.Name] = NewMatrix(p.Value.rows, p.Value.cols)
	}
	return b
}

// Accumulate adds g into the buffer.
func (b *GradBuffer) Accumulate(g Gradients) error {
	for name, grad := range g {
		slot, ok := b.grads[name]
		if !ok {
			return errors.Errorf("accumulate: unknown parameter %q", name)
		}
		if slot.Shape() != grad.Shape() {
			return shapeError("accumulate", name, slot.Shape(), grad.Shape())
		}
		slot.Add(grad)
	}
	return nil
}

// ZeroGrad clears every accumulated gradient.
func (b *GradBuffer) ZeroGrad() {
	for _, g := range b.grads {
		g.Reset()
	}
}

// Gradients returns the accumulated gradients. The matrices are owned by the buffer.
func (b *GradBuffer) Gradients() Gradients {
	return b.grads
}
