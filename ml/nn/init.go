package nn

import (
	"math"

	"github.com/ollama/diffpolicy/ml"
)

// uniformInit entspricht der Standard-Initialisierung von Linear- und Conv-Schichten:
// U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func uniformInit(g *ml.Generator, fanIn int, shape ...int) *ml.Tensor {
	bound := 1 / math.Sqrt(float64(fanIn))
	return g.Uniform(-bound, bound, shape...)
}
