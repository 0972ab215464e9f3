package nn

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/diffpolicy/ml"
)

type layer interface {
	Forward(*ml.Tensor) *ml.Tensor
	Backward(*ml.Tensor) *ml.Tensor
}

func dot(a, b *ml.Tensor) float64 {
	var s float64
	for i, v := range a.Data() {
		s += v * b.Data()[i]
	}
	return s
}

// checkGradients vergleicht Backward mit zentralen Differenzen fuer L = <forward(x), r>
func checkGradients(t *testing.T, l layer, x *ml.Tensor, params []*Param) {
	t.Helper()
	g := ml.NewGenerator(99)

	y := l.Forward(x)
	r := g.Normal(y.Shape()...)
	ZeroGrad(params)
	dx := l.Backward(r)

	const h = 1e-6
	numeric := func(v []float64, i int) float64 {
		orig := v[i]
		v[i] = orig + h
		plus := dot(l.Forward(x), r)
		v[i] = orig - h
		minus := dot(l.Forward(x), r)
		v[i] = orig
		return (plus - minus) / (2 * h)
	}

	for i := range x.Len() {
		want := numeric(x.Data(), i)
		if got := dx.Data()[i]; math.Abs(got-want) > 1e-5*math.Max(1, math.Abs(want)) {
			t.Errorf("dx[%d]: analytic %v, numeric %v", i, got, want)
		}
	}
	for _, p := range params {
		for i := range p.Value.Len() {
			want := numeric(p.Value.Data(), i)
			if got := p.Grad.Data()[i]; math.Abs(got-want) > 1e-5*math.Max(1, math.Abs(want)) {
				t.Errorf("%s[%d]: analytic %v, numeric %v", p.Name, i, got, want)
			}
		}
	}
}

func TestLinearGradients(t *testing.T) {
	g := ml.NewGenerator(1)
	l := NewLinear("fc", 3, 4, g)
	checkGradients(t, l, g.Normal(2, 5, 3), l.Parameters())
}

func TestLinearShape(t *testing.T) {
	g := ml.NewGenerator(1)
	l := NewLinear("fc", 3, 4, g)
	y := l.Forward(g.Normal(2, 5, 3))
	if diff := cmp.Diff([]int{2, 5, 4}, y.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"fc.weight", "fc.bias"}, []string{l.Weight.Name, l.Bias.Name}); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestConv1dGradients(t *testing.T) {
	g := ml.NewGenerator(2)
	cases := map[string]*Conv1d{
		"same padding": NewConv1d("conv", 2, 3, 3, 1, 1, g),
		"downsample":   NewConv1d("down", 2, 2, 3, 2, 1, g),
		"pointwise":    NewConv1d("res", 2, 4, 1, 1, 0, g),
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			checkGradients(t, c, g.Normal(2, 2, 6), c.Parameters())
		})
	}
}

func TestConvTranspose1dGradients(t *testing.T) {
	g := ml.NewGenerator(3)
	c := NewConvTranspose1d("up", 2, 3, 4, 2, 1, g)
	checkGradients(t, c, g.Normal(2, 2, 3), c.Parameters())
}

func TestResampleLengths(t *testing.T) {
	g := ml.NewGenerator(4)
	down := NewConv1d("down", 1, 1, 3, 2, 1, g)
	up := NewConvTranspose1d("up", 1, 1, 4, 2, 1, g)

	for _, l := range []int{2, 4, 8, 16} {
		y := down.Forward(ml.Zeros(1, 1, l))
		if y.Dim(2) != l/2 {
			t.Errorf("downsample of %d: expected %d, got %d", l, l/2, y.Dim(2))
		}
		z := up.Forward(y)
		if z.Dim(2) != l {
			t.Errorf("upsample of %d: expected %d, got %d", l/2, l, z.Dim(2))
		}
	}
}

func TestGroupNormGradients(t *testing.T) {
	g := ml.NewGenerator(5)
	gn := NewGroupNorm("gn", 2, 4)
	gn.Weight.Value = g.Normal(4)
	gn.Bias.Value = g.Normal(4)
	checkGradients(t, gn, g.Normal(2, 4, 3), gn.Parameters())
}

func TestGroupNormNormalizes(t *testing.T) {
	g := ml.NewGenerator(6)
	gn := NewGroupNorm("gn", 1, 2)
	y := gn.Forward(g.Normal(1, 2, 8).Scale(5))
	if m := y.Mean(); math.Abs(m) > 1e-9 {
		t.Errorf("expected zero mean, got %v", m)
	}
	var sq float64
	for _, v := range y.Data() {
		sq += v * v
	}
	if v := sq / float64(y.Len()); math.Abs(v-1) > 1e-3 {
		t.Errorf("expected unit variance, got %v", v)
	}
}

func TestMishGradients(t *testing.T) {
	g := ml.NewGenerator(7)
	checkGradients(t, &Mish{}, g.Normal(3, 4).Scale(3), nil)
}

func TestMishValues(t *testing.T) {
	m := &Mish{}
	y := m.Forward(ml.FromSlice([]float64{0, 30, -30}, 3))
	if y.At(0) != 0 || math.Abs(y.At(1)-30) > 1e-9 || math.Abs(y.At(2)) > 1e-9 {
		t.Errorf("unexpected mish values %v", y.Data())
	}
}

func TestReLU(t *testing.T) {
	r := &ReLU{}
	y := r.Forward(ml.FromSlice([]float64{-1, 2, 0, 3}, 4))
	if diff := cmp.Diff([]float64{0, 2, 0, 3}, y.Data()); diff != "" {
		t.Errorf("forward mismatch (-want +got):\n%s", diff)
	}
	dx := r.Backward(ml.Full(1, 4))
	if diff := cmp.Diff([]float64{0, 1, 0, 1}, dx.Data()); diff != "" {
		t.Errorf("backward mismatch (-want +got):\n%s", diff)
	}
}

func TestConv2dShapeAndBias(t *testing.T) {
	g := ml.NewGenerator(8)
	c := NewConv2d("conv", 3, 2, 3, 2, 1, g)
	c.Weight.Value.Fill(0)
	c.Bias.Value = ml.FromSlice([]float64{1, -1}, 2)

	y := c.Forward(g.Normal(3, 9, 7))
	if diff := cmp.Diff([]int{2, 5, 4}, y.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if y.At(0, 2, 2) != 1 || y.At(1, 4, 3) != -1 {
		t.Errorf("expected bias-only output, got %v", y.Data())
	}
}

func TestBatchNormMarksParams(t *testing.T) {
	bn := NewBatchNorm2d("bn", 2)
	for _, p := range bn.Parameters() {
		if !p.Norm {
			t.Errorf("%s should be marked as normalization parameter", p.Name)
		}
	}
	bn.RunningMean.Value = ml.FromSlice([]float64{1, 2}, 2)
	y := bn.Forward(ml.FromSlice([]float64{1, 1, 2, 2}, 2, 1, 2))
	if diff := cmp.Diff([]float64{0, 0, 0, 0}, y.Data()); diff != "" {
		t.Errorf("forward mismatch (-want +got):\n%s", diff)
	}
}

func TestStateDictOrder(t *testing.T) {
	g := ml.NewGenerator(9)
	sd := NewStateDict()
	Collect(sd, "m.", NewLinear("b", 1, 1, g).Parameters())
	Collect(sd, "m.", NewLinear("a", 1, 1, g).Parameters())

	if diff := cmp.Diff([]string{"m.b.weight", "m.b.bias", "m.a.weight", "m.a.bias"}, sd.Keys()); diff != "" {
		t.Errorf("key order mismatch (-want +got):\n%s", diff)
	}

	p := NewParam("x", ml.Zeros(2))
	if err := Assign(p, ml.Zeros(3)); err == nil {
		t.Error("expected shape mismatch error")
	}
}
