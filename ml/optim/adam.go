// Package optim enthaelt Optimierer, Gradient-Clipping und Lernraten-Plaene.
package optim

import (
	"math"

	"github.com/ollama/diffpolicy/ml/nn"
)

// Adam mit L2-Weight-Decay auf dem Gradienten.
type Adam struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m, v map[*nn.Param][]float64
}

func NewAdam(lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		LR:          lr,
		Beta1:       beta1,
		Beta2:       beta2,
		Eps:         eps,
		WeightDecay: weightDecay,
		m:           make(map[*nn.Param][]float64),
		v:           make(map[*nn.Param][]float64),
	}
}

// Steps gibt die Anzahl ausgefuehrter Updates zurueck
func (a *Adam) Steps() int { return a.step }

// Step aktualisiert alle trainierbaren Parameter mit ihren Gradienten
func (a *Adam) Step(params []*nn.Param) {
	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))
	stepSize := a.LR / bc1

	for _, p := range params {
		if !p.Trainable || p.Grad == nil {
			continue
		}
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, p.Value.Len())
			a.m[p] = m
			a.v[p] = make([]float64, p.Value.Len())
		}
		v := a.v[p]

		w, g := p.Value.Data(), p.Grad.Data()
		for i := range w {
			grad := g[i] + a.WeightDecay*w[i]
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*grad
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*grad*grad
			denom := math.Sqrt(v[i])/math.Sqrt(bc2) + a.Eps
			w[i] -= stepSize * m[i] / denom
		}
	}
}
