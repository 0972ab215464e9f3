package ml

import "math/rand/v2"

// Generator liefert reproduzierbare Zufallszahlen fuer Rauschen,
// Timestep-Sampling und Zufalls-Crops.
// Nicht nebenlaeufig verwendbar.
type Generator struct {
	r *rand.Rand
}

func NewGenerator(seed uint64) *Generator {
	return &Generator{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Normal zieht einen Tensor mit standardnormalverteilten Elementen
func (g *Generator) Normal(shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = g.r.NormFloat64()
	}
	return t
}

// Uniform zieht Elemente gleichverteilt aus [lo, hi)
func (g *Generator) Uniform(lo, hi float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = lo + (hi-lo)*g.r.Float64()
	}
	return t
}

// IntN gibt eine Zahl aus [0, n) zurueck
func (g *Generator) IntN(n int) int { return g.r.IntN(n) }

func (g *Generator) Perm(n int) []int { return g.r.Perm(n) }

func (g *Generator) Float64() float64 { return g.r.Float64() }
