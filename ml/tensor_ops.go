// tensor_ops.go - Elementweise Operationen und Achsen-Manipulation
//
// Elementweise Arithmetik laeuft ueber gonum/floats. Achsenoperationen
// (Concat, Narrow, Transpose, Stack) kopieren immer.
package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

func mustSameShape(op string, a, b *Tensor) {
	if !SameShape(a, b) {
		panic(fmt.Sprintf("ml: %s shape mismatch %v vs %v", op, a.shape, b.shape))
	}
}

// Add gibt a + b zurueck
func Add(a, b *Tensor) *Tensor {
	mustSameShape("add", a, b)
	out := a.Clone()
	floats.Add(out.data, b.data)
	return out
}

// Sub gibt a - b zurueck
func Sub(a, b *Tensor) *Tensor {
	mustSameShape("sub", a, b)
	out := a.Clone()
	floats.Sub(out.data, b.data)
	return out
}

// Mul gibt das elementweise Produkt zurueck
func Mul(a, b *Tensor) *Tensor {
	mustSameShape("mul", a, b)
	out := a.Clone()
	floats.Mul(out.data, b.data)
	return out
}

// AddInPlace addiert o auf t
func (t *Tensor) AddInPlace(o *Tensor) *Tensor {
	mustSameShape("add", t, o)
	floats.Add(t.data, o.data)
	return t
}

// AddScaled berechnet t += alpha * o
func (t *Tensor) AddScaled(alpha float64, o *Tensor) *Tensor {
	mustSameShape("add scaled", t, o)
	floats.AddScaled(t.data, alpha, o.data)
	return t
}

// Scale multipliziert t in-place mit c
func (t *Tensor) Scale(c float64) *Tensor {
	floats.Scale(c, t.data)
	return t
}

// Fill setzt alle Elemente auf v
func (t *Tensor) Fill(v float64) *Tensor {
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// CopyFrom kopiert die Werte von o nach t
func (t *Tensor) CopyFrom(o *Tensor) *Tensor {
	mustSameShape("copy", t, o)
	copy(t.data, o.data)
	return t
}

// Clamp begrenzt alle Elemente in-place auf [lo, hi]
func (t *Tensor) Clamp(lo, hi float64) *Tensor {
	for i, v := range t.data {
		t.data[i] = math.Min(math.Max(v, lo), hi)
	}
	return t
}

func (t *Tensor) Sum() float64 { return floats.Sum(t.data) }

func (t *Tensor) Mean() float64 {
	if len(t.data) == 0 {
		return 0
	}
	return floats.Sum(t.data) / float64(len(t.data))
}

// Norm gibt die euklidische Norm aller Elemente zurueck
func (t *Tensor) Norm() float64 { return floats.Norm(t.data, 2) }

// AllFinite meldet, ob kein Element NaN oder Inf ist
func (t *Tensor) AllFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// split teilt die Form um axis in (aeussere Anzahl, Achsenlaenge, innere Anzahl)
func (t *Tensor) split(axis int) (outer, n, inner int) {
	if axis < 0 {
		axis += len(t.shape)
	}
	if axis < 0 || axis >= len(t.shape) {
		panic(fmt.Sprintf("ml: axis %d out of range for shape %v", axis, t.shape))
	}
	outer, inner = 1, 1
	for _, d := range t.shape[:axis] {
		outer *= d
	}
	for _, d := range t.shape[axis+1:] {
		inner *= d
	}
	return outer, t.shape[axis], inner
}

// Concat verbindet Tensoren entlang axis. Alle anderen Dimensionen muessen uebereinstimmen.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("ml: concat of nothing")
	}
	rank := len(ts[0].shape)
	if axis < 0 {
		axis += rank
	}
	shape := ts[0].Shape()
	shape[axis] = 0
	for _, t := range ts {
		if len(t.shape) != rank {
			panic(fmt.Sprintf("ml: concat rank mismatch %v vs %v", ts[0].shape, t.shape))
		}
		for i, d := range t.shape {
			if i != axis && d != ts[0].shape[i] {
				panic(fmt.Sprintf("ml: concat shape mismatch %v vs %v", ts[0].shape, t.shape))
			}
		}
		shape[axis] += t.shape[axis]
	}

	out := Zeros(shape...)
	outer, total, inner := out.split(axis)
	at := 0
	for _, t := range ts {
		_, n, _ := t.split(axis)
		for o := range outer {
			copy(out.data[(o*total+at)*inner:(o*total+at+n)*inner], t.data[o*n*inner:(o+1)*n*inner])
		}
		at += n
	}
	return out
}

// Narrow kopiert den Bereich [start, end) entlang axis
func (t *Tensor) Narrow(axis, start, end int) *Tensor {
	outer, n, inner := t.split(axis)
	if start < 0 || end > n || start > end {
		panic(fmt.Sprintf("ml: narrow [%d, %d) out of range for shape %v", start, end, t.shape))
	}
	if axis < 0 {
		axis += len(t.shape)
	}
	shape := t.Shape()
	shape[axis] = end - start
	out := Zeros(shape...)
	width := (end - start) * inner
	for o := range outer {
		copy(out.data[o*width:(o+1)*width], t.data[(o*n+start)*inner:(o*n+end)*inner])
	}
	return out
}

// Transpose12 vertauscht die letzten beiden Achsen eines Tensors der Form [B, X, Y]
func (t *Tensor) Transpose12() *Tensor {
	if len(t.shape) != 3 {
		panic(fmt.Sprintf("ml: transpose expects rank 3, got %v", t.shape))
	}
	b, x, y := t.shape[0], t.shape[1], t.shape[2]
	out := Zeros(b, y, x)
	for n := range b {
		src := t.data[n*x*y : (n+1)*x*y]
		dst := out.data[n*x*y : (n+1)*x*y]
		for i := range x {
			for j := range y {
				dst[j*x+i] = src[i*y+j]
			}
		}
	}
	return out
}

// Stack legt Tensoren gleicher Form entlang einer neuen ersten Achse zusammen
func Stack(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("ml: stack of nothing")
	}
	shape := append([]int{len(ts)}, ts[0].shape...)
	out := Zeros(shape...)
	stride := len(ts[0].data)
	for i, t := range ts {
		mustSameShape("stack", ts[0], t)
		copy(out.data[i*stride:(i+1)*stride], t.data)
	}
	return out
}
