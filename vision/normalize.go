// MODUL: normalize
// ZWECK: Kanalweise Normalisierung von Bildtensoren
// INPUT: ml.Tensor [N, 3, H, W] oder [3, H, W], Normalisierungs-Parameter (mean, std)
// OUTPUT: normalisierter Tensor gleicher Form
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: ml
// HINWEISE: mean=0/std=1 (oder alles 1.0) ergibt die Identitaet und wird uebersprungen

package vision

import (
	"errors"
	"fmt"

	"github.com/ollama/diffpolicy/ml"
)

// Standard-Normalisierungswerte
var (
	// ImageNet Default (ResNet, EfficientNet, etc.)
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float64{0.229, 0.224, 0.225}

	// Symmetrisch (normalisiert auf [-1, 1])
	SymmetricMean = [3]float64{0.5, 0.5, 0.5}
	SymmetricStd  = [3]float64{0.5, 0.5, 0.5}

	// Keine Normalisierung
	NoNormMean = [3]float64{0, 0, 0}
	NoNormStd  = [3]float64{1, 1, 1}
)

var ErrInvalidStd = errors.New("vision: normalization std must be positive")

// Normalizer berechnet (x - mean[c]) / std[c]
type Normalizer struct {
	Mean [3]float64
	Std  [3]float64
}

func NewNormalizer(mean, std [3]float64) (*Normalizer, error) {
	for c, s := range std {
		if s <= 0 {
			return nil, fmt.Errorf("%w: channel %d has std %v", ErrInvalidStd, c, s)
		}
	}
	return &Normalizer{Mean: mean, Std: std}, nil
}

// Identity meldet, ob die Normalisierung uebersprungen wird.
// Alle Werte 1.0 gelten ebenfalls als "keine Normalisierung".
func (n *Normalizer) Identity() bool {
	ones := [3]float64{1, 1, 1}
	return n.Std == NoNormStd && (n.Mean == NoNormMean || n.Mean == ones)
}

// Apply normalisiert x und gibt einen neuen Tensor zurueck
func (n *Normalizer) Apply(x *ml.Tensor) *ml.Tensor {
	if n.Identity() {
		return x
	}
	axis := x.Rank() - 3
	if axis < 0 || x.Dim(axis) != 3 {
		panic(fmt.Sprintf("vision: normalizer expects [..., 3, H, W], got %v", x.Shape()))
	}
	plane := x.Dim(-1) * x.Dim(-2)
	out := x.Clone()
	data := out.Data()
	for i := range data {
		c := (i / plane) % 3
		data[i] = (data[i] - n.Mean[c]) / n.Std[c]
	}
	return out
}
