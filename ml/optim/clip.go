package optim

import (
	"math"

	"github.com/ollama/diffpolicy/ml/nn"
)

// ClipGradNorm skaliert alle Gradienten, sodass ihre gemeinsame L2-Norm
// hoechstens maxNorm ist. Zurueckgegeben wird die Norm vor dem Clipping.
//
// Nicht-endliche Eintraege werden auf null gesetzt, bevor geclippt wird.
// Die zurueckgegebene Norm bleibt in diesem Fall NaN oder Inf.
func ClipGradNorm(params []*nn.Param, maxNorm float64) float64 {
	total := gradNorm(params)
	if math.IsNaN(total) || math.IsInf(total, 0) {
		for _, p := range params {
			if p.Grad == nil {
				continue
			}
			g := p.Grad.Data()
			for i, v := range g {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					g[i] = 0
				}
			}
		}
		scale(params, maxNorm, gradNorm(params))
		return total
	}

	scale(params, maxNorm, total)
	return total
}

func scale(params []*nn.Param, maxNorm, norm float64) {
	coef := maxNorm / (norm + 1e-6)
	if coef >= 1 {
		return
	}
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.Scale(coef)
		}
	}
}

func gradNorm(params []*nn.Param) float64 {
	var sq float64
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for _, v := range p.Grad.Data() {
			sq += v * v
		}
	}
	return math.Sqrt(sq)
}
