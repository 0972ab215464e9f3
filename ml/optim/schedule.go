package optim

import (
	"fmt"
	"math"
)

// Schedule liefert den Faktor, mit dem die Basis-Lernrate in Schritt step multipliziert wird
type Schedule interface {
	Factor(step int) float64
}

type constant struct{}

func (constant) Factor(int) float64 { return 1 }

type constantWithWarmup struct {
	warmup int
}

func (s constantWithWarmup) Factor(step int) float64 {
	if step < s.warmup {
		return float64(step) / float64(max(1, s.warmup))
	}
	return 1
}

type cosineWithWarmup struct {
	warmup, total int
	cycles        float64
}

func (s cosineWithWarmup) Factor(step int) float64 {
	if step < s.warmup {
		return float64(step) / float64(max(1, s.warmup))
	}
	progress := float64(step-s.warmup) / float64(max(1, s.total-s.warmup))
	return math.Max(0, 0.5*(1+math.Cos(math.Pi*s.cycles*2*progress)))
}

// NewSchedule erstellt einen Plan nach Namen: "constant", "constant_with_warmup" oder "cosine".
// totalSteps wird nur vom Kosinus-Plan verwendet und muss dort positiv sein.
func NewSchedule(name string, warmup, totalSteps int) (Schedule, error) {
	switch name {
	case "", "constant":
		return constant{}, nil
	case "constant_with_warmup":
		return constantWithWarmup{warmup: warmup}, nil
	case "cosine":
		if totalSteps <= 0 {
			return nil, fmt.Errorf("cosine schedule needs a positive number of training steps, got %d", totalSteps)
		}
		return cosineWithWarmup{warmup: warmup, total: totalSteps, cycles: 0.5}, nil
	default:
		return nil, fmt.Errorf("unknown lr schedule %q", name)
	}
}
