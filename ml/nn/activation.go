package nn

import (
	"math"

	"github.com/ollama/diffpolicy/ml"
)

// Mish: x * tanh(softplus(x))
type Mish struct {
	x *ml.Tensor
}

func softplus(x float64) float64 {
	if x > 20 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func (m *Mish) Forward(x *ml.Tensor) *ml.Tensor {
	m.x = x
	y := ml.Zeros(x.Shape()...)
	ys := y.Data()
	for i, v := range x.Data() {
		ys[i] = v * math.Tanh(softplus(v))
	}
	return y
}

func (m *Mish) Backward(dy *ml.Tensor) *ml.Tensor {
	dx := ml.Zeros(dy.Shape()...)
	dxs, dys := dx.Data(), dy.Data()
	for i, v := range m.x.Data() {
		tsp := math.Tanh(softplus(v))
		dxs[i] = dys[i] * (tsp + v*sigmoid(v)*(1-tsp*tsp))
	}
	return dx
}

// ReLU: max(0, x)
type ReLU struct {
	mask []bool
}

func (r *ReLU) Forward(x *ml.Tensor) *ml.Tensor {
	y := x.Clone()
	r.mask = make([]bool, y.Len())
	for i, v := range y.Data() {
		if v > 0 {
			r.mask[i] = true
		} else {
			y.Data()[i] = 0
		}
	}
	return y
}

// Infer wendet ReLU ohne Zustand an
func (r *ReLU) Infer(x *ml.Tensor) *ml.Tensor {
	y := x.Clone()
	for i, v := range y.Data() {
		if v < 0 {
			y.Data()[i] = 0
		}
	}
	return y
}

func (r *ReLU) Backward(dy *ml.Tensor) *ml.Tensor {
	dx := dy.Clone()
	for i, keep := range r.mask {
		if !keep {
			dx.Data()[i] = 0
		}
	}
	return dx
}
