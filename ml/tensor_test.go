package ml

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReshapeSharesData(t *testing.T) {
	x := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	y := x.Reshape(3, -1)
	if diff := cmp.Diff([]int{3, 2}, y.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	y.Set(9, 2, 1)
	if x.At(1, 2) != 9 {
		t.Errorf("expected reshape to share storage")
	}
}

func TestConcatAndNarrow(t *testing.T) {
	a := FromSlice([]float64{1, 2, 3, 4}, 2, 2)
	b := FromSlice([]float64{5, 6}, 2, 1)

	c := Concat(1, a, b)
	if diff := cmp.Diff([]float64{1, 2, 5, 3, 4, 6}, c.Data()); diff != "" {
		t.Errorf("concat mismatch (-want +got):\n%s", diff)
	}

	n := c.Narrow(1, 1, 3)
	if diff := cmp.Diff([]float64{2, 5, 4, 6}, n.Data()); diff != "" {
		t.Errorf("narrow mismatch (-want +got):\n%s", diff)
	}

	rows := Concat(0, a, FromSlice([]float64{7, 8}, 1, 2))
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 7, 8}, rows.Data()); diff != "" {
		t.Errorf("row concat mismatch (-want +got):\n%s", diff)
	}
}

func TestTranspose12(t *testing.T) {
	x := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	y := x.Transpose12()
	if diff := cmp.Diff([]int{1, 3, 2}, y.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 4, 2, 5, 3, 6}, y.Data()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(x.Data(), y.Transpose12().Data()); diff != "" {
		t.Errorf("double transpose should round trip (-want +got):\n%s", diff)
	}
}

func TestStackAndRow(t *testing.T) {
	s := Stack(FromSlice([]float64{1, 2}, 2), FromSlice([]float64{3, 4}, 2))
	if diff := cmp.Diff([]int{2, 2}, s.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{3, 4}, s.Row(1).Data()); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}
}

func TestArithmetic(t *testing.T) {
	a := FromSlice([]float64{1, -2, 3}, 3)
	b := FromSlice([]float64{4, 5, -6}, 3)

	if diff := cmp.Diff([]float64{5, 3, -3}, Add(a, b).Data()); diff != "" {
		t.Errorf("add mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{-3, -7, 9}, Sub(a, b).Data()); diff != "" {
		t.Errorf("sub mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{4, -10, -18}, Mul(a, b).Data()); diff != "" {
		t.Errorf("mul mismatch (-want +got):\n%s", diff)
	}
	if got := a.Clone().Clamp(-1, 1).Data(); !cmp.Equal([]float64{1, -1, 1}, got) {
		t.Errorf("clamp mismatch: %v", got)
	}
	if got := a.Sum(); got != 2 {
		t.Errorf("expected sum 2, got %v", got)
	}
	if got := a.Norm(); math.Abs(got-math.Sqrt(14)) > 1e-12 {
		t.Errorf("expected norm sqrt(14), got %v", got)
	}
	if !a.AllFinite() || FromSlice([]float64{math.NaN()}, 1).AllFinite() {
		t.Error("finite check failed")
	}
}

func TestGeneratorReproducible(t *testing.T) {
	a := NewGenerator(7).Normal(4, 4)
	b := NewGenerator(7).Normal(4, 4)
	if diff := cmp.Diff(a.Data(), b.Data()); diff != "" {
		t.Errorf("same seed should give same noise (-want +got):\n%s", diff)
	}
	c := NewGenerator(8).Normal(4, 4)
	if cmp.Equal(a.Data(), c.Data()) {
		t.Error("different seeds produced identical noise")
	}
}
