// MODUL: normalize_test
// ZWECK: Tests fuer Normalisierung und Crops
// INPUT: Synthetische Tensoren
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, ml
// HINWEISE: Testet Identitaet, Kanalzuordnung und Crop-Fenster

package vision

import (
	"errors"
	"math"
	"testing"

	"github.com/ollama/diffpolicy/ml"
)

func TestNormalizerIdentity(t *testing.T) {
	n, err := NewNormalizer(NoNormMean, NoNormStd)
	if err != nil {
		t.Fatal(err)
	}
	if !n.Identity() {
		t.Error("mean=0/std=1 sollte Identitaet sein")
	}
	x := ml.Full(0.3, 1, 3, 2, 2)
	if y := n.Apply(x); y != x {
		t.Error("Identitaet sollte den Tensor unveraendert zurueckgeben")
	}

	ones, _ := NewNormalizer([3]float64{1, 1, 1}, [3]float64{1, 1, 1})
	if !ones.Identity() {
		t.Error("mean=1/std=1 sollte Identitaet sein")
	}
	half, _ := NewNormalizer(SymmetricMean, SymmetricStd)
	if half.Identity() {
		t.Error("mean=0.5/std=0.5 ist keine Identitaet")
	}
}

func TestNormalizerChannels(t *testing.T) {
	n, err := NewNormalizer(SymmetricMean, [3]float64{0.5, 0.25, 1})
	if err != nil {
		t.Fatal(err)
	}
	y := n.Apply(ml.Full(1, 2, 3, 2, 2))
	want := []float64{1, 2, 0.5}
	for b := range 2 {
		for c := range 3 {
			if got := y.At(b, c, 1, 1); math.Abs(got-want[c]) > 1e-12 {
				t.Errorf("batch %d channel %d = %v, erwartet %v", b, c, got, want[c])
			}
		}
	}
}

func TestNormalizerRejectsZeroStd(t *testing.T) {
	if _, err := NewNormalizer(NoNormMean, [3]float64{1, 0, 1}); !errors.Is(err, ErrInvalidStd) {
		t.Errorf("erwartet ErrInvalidStd, got %v", err)
	}
}

func rampImage(h, w int) *ml.Tensor {
	x := ml.Zeros(1, 1, h, w)
	for i := range x.Data() {
		x.Data()[i] = float64(i)
	}
	return x
}

func TestCenterCrop(t *testing.T) {
	y, err := CenterCrop(rampImage(4, 5), 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	// top = round(1.0) = 1, left = round(1.0) = 1
	want := []float64{6, 7, 8, 11, 12, 13}
	for i, v := range y.Data() {
		if v != want[i] {
			t.Fatalf("crop = %v, erwartet %v", y.Data(), want)
		}
	}

	if _, err := CenterCrop(rampImage(4, 5), 5, 3); err == nil {
		t.Error("Erwartet Fehler bei zu grossem Crop")
	}
}

func TestRandomCropStaysInside(t *testing.T) {
	g := ml.NewGenerator(1)
	x := rampImage(6, 6)
	seen := map[float64]bool{}
	for range 50 {
		y, err := RandomCrop(x, 3, 3, g)
		if err != nil {
			t.Fatal(err)
		}
		first := y.At(0, 0, 0, 0)
		row, col := int(first)/6, int(first)%6
		if row > 3 || col > 3 {
			t.Fatalf("Crop beginnt ausserhalb: (%d, %d)", row, col)
		}
		if y.At(0, 0, 2, 2) != first+14 {
			t.Fatalf("Crop-Fenster nicht zusammenhaengend")
		}
		seen[first] = true
	}
	if len(seen) < 2 {
		t.Error("Zufalls-Crop sollte verschiedene Fenster liefern")
	}
}
