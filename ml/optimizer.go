package ml

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	OptSGD      OptimizerType = "sgd"
	OptMomentum OptimizerType = "momentum"
	OptAdam     OptimizerType = "adam"
)

// Default settings generally recommended for Adam
var DefaultAdamConfig = AdamConfig{
	Beta1:        0.9,
	Beta2:        0.999,
	Epsilon:      1e-8,
	LearningRate: 0.001,
}

type OptimizerType string
type AdamConfig struct {
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	LearningRate float64
}

// Optimizer applies one update to params given their gradients. Parameters
// that are frozen or have no entry in grads are left untouched.
type Optimizer interface {
	Step(params []*Parameter, grads Gradients) error
}

type SGDOptimizer struct {
	LearningRate float64
}

type MomentumOptimizer struct {
	LearningRate float64
	Mu           float64 // Momentum Factor (usually 0.9)

	velocity map[string]*Matrix
}

type AdamOptimizer struct {
	cfg      AdamConfig
	m, v     map[string]*Matrix
	timeStep int // 't' in the Adam paper, tracks number of updates
}

func NewOptimizer(cfg TrainingConfig) Optimizer {
	switch cfg.Optimizer {
	case OptAdam:
		// Set defaults if 0
		adamCfg := DefaultAdamConfig
		if cfg.AdamBeta1 != 0 {
			adamCfg.Beta1 = cfg.AdamBeta1
		}
		if cfg.AdamBeta2 != 0 {
			adamCfg.Beta2 = cfg.AdamBeta2
		}
		if cfg.AdamEps != 0 {
			adamCfg.Epsilon = cfg.AdamEps
		}
		if cfg.LearningRate != 0 {
			adamCfg.LearningRate = cfg.LearningRate
		}
		return NewAdamOptimizer(adamCfg)

	case OptMomentum:
		return NewMomentumOptimizer(cfg.LearningRate, cfg.MomentumMu)

	default:
		return &SGDOptimizer{LearningRate: cfg.LearningRate}
	}
}

func NewAdamOptimizer(cfg AdamConfig) *AdamOptimizer {
	return &AdamOptimizer{
		cfg: cfg,
		m:   make(map[string]*Matrix),
		v:   make(map[string]*Matrix),
	}
}

func NewMomentumOptimizer(lr, mu float64) *MomentumOptimizer {
	if mu == 0 {
		mu = 0.9
	} // Default

	return &MomentumOptimizer{
		LearningRate: lr,
		Mu:           mu,
		velocity:     make(map[string]*Matrix),
	}
}

// trainable yields the parameters that should be updated, checking gradient shapes.
func trainable(params []*Parameter, grads Gradients, fn func(p *Parameter, g *Matrix)) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}
	for _, p := range params {
		if g, ok := grads[p.Name]; ok && p.RequiresGrad {
			fn(p, g)
		}
	}
	return nil
}

func checkGradients(params []*Parameter, grads Gradients) error {
	var mismatches []Mismatch
	for _, p := range params {
		g, ok := grads[p.Name]
		if !p.RequiresGrad || !ok {
			continue
		}
		if g.Shape() != p.Value.Shape() {
			mismatches = append(mismatches, Mismatch{Name: p.Name, Expected: p.Value.Shape(), Actual: g.Shape()})
		}
	}
	if len(mismatches) > 0 {
		return &ShapeMismatchError{Op: "optimizer step", Mismatches: mismatches}
	}
	return nil
}

// ------ ADAM OPTIMIZER METHODS ------ //
// Step applies the Adam update rule.
func (opt *AdamOptimizer) Step(params []*Parameter, grads Gradients) error {
	if err := checkGradients(params, grads); err != nil {
		return err
	}

	// 1. Increment Time Step
	opt.timeStep++
	t := float64(opt.timeStep)

	// 2. Pre-calculate Correction Factors
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)

	beta1 := opt.cfg.Beta1
	beta2 := opt.cfg.Beta2
	eps := opt.cfg.Epsilon
	lr := opt.cfg.LearningRate

	return trainable(params, grads, func(p *Parameter, g *Matrix) {
		m, ok := opt.m[p.Name]
		if !ok {
			m = NewMatrix(p.Value.rows, p.Value.cols)
			opt.m[p.Name] = m
			opt.v[p.Name] = NewMatrix(p.Value.rows, p.Value.cols)
		}
		v := opt.v[p.Name]

		w := p.Value.data
		for i, gi := range g.data {
			// m_t = beta1 * m_{t-1} + (1 - beta1) * g
			m.data[i] = beta1*m.data[i] + (1.0-beta1)*gi
			// v_t = beta2 * v_{t-1} + (1 - beta2) * g^2
			v.data[i] = beta2*v.data[i] + (1.0-beta2)*(gi*gi)

			mHat := m.data[i] / correction1
			vHat := v.data[i] / correction2

			// theta = theta - lr * mHat / (sqrt(vHat) + eps)
			w[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	})
}

// ------ MOMENTUM OPTIMIZER METHODS ------ //
// v = mu * v - lr * grad
// w = w + v
func (opt *MomentumOptimizer) Step(params []*Parameter, grads Gradients) error {
	return trainable(params, grads, func(p *Parameter, g *Matrix) {
		velocity, ok := opt.velocity[p.Name]
		if !ok {
			velocity = NewMatrix(p.Value.rows, p.Value.cols)
			opt.velocity[p.Name] = velocity
		}
		floats.Scale(opt.Mu, velocity.data)
		floats.AddScaled(velocity.data, -opt.LearningRate, g.data)
		floats.Add(p.Value.data, velocity.data)
	})
}

// ------ SGD OPTIMIZER METHODS ------ //
// Simple update: W = W - (lr * gradient)
func (opt *SGDOptimizer) Step(params []*Parameter, grads Gradients) error {
	return trainable(params, grads, func(p *Parameter, g *Matrix) {
		floats.AddScaled(p.Value.data, -opt.LearningRate, g.data)
	})
}
