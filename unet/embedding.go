package unet

import (
	"math"

	"github.com/ollama/diffpolicy/ml"
)

// SinusoidalPosEmb bettet ganzzahlige Diffusionszeitpunkte in Dim Dimensionen ein.
// Die erste Haelfte sind Sinus-, die zweite Kosinuswerte.
type SinusoidalPosEmb struct {
	Dim int
}

func (e SinusoidalPosEmb) Forward(timesteps []int) *ml.Tensor {
	half := e.Dim / 2
	scale := math.Log(10000) / float64(half-1)
	out := ml.Zeros(len(timesteps), e.Dim)
	for b, t := range timesteps {
		row := out.Row(b).Data()
		for i := range half {
			arg := float64(t) * math.Exp(float64(i)*-scale)
			row[i] = math.Sin(arg)
			row[half+i] = math.Cos(arg)
		}
	}
	return out
}
