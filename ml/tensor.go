// tensor.go - Dichter float64-Tensor in Row-Major-Anordnung
//
// Dieses Modul enthaelt:
// - Tensor: Form und flacher Datenpuffer
// - Konstruktoren (Zeros, Full, FromSlice)
// - Indexzugriff, Reshape und Views entlang der ersten Achse
package ml

import (
	"fmt"
	"slices"
	"strings"
)

// Tensor ist ein dichter Row-Major-Tensor.
// Reshape und Row teilen sich den Speicher mit dem Ursprung.
type Tensor struct {
	shape []int
	data  []float64
}

// Zeros erstellt einen mit Nullen gefuellten Tensor
func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float64, numel(shape))}
}

// Full erstellt einen Tensor, dessen Elemente alle v sind
func Full(v float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice uebernimmt data ohne Kopie. Die Laenge muss zur Form passen.
func FromSlice(data []float64, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("ml: %d values do not fit shape %v", len(data), shape))
	}
	return &Tensor{shape: slices.Clone(shape), data: data}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("ml: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) Len() int { return len(t.data) }

// Data gibt den zugrundeliegenden Puffer zurueck (keine Kopie)
func (t *Tensor) Data() []float64 { return t.data }

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Reshape gibt eine View mit neuer Form zurueck. Eine Dimension darf -1 sein.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("ml: only one dimension can be inferred")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			panic(fmt.Sprintf("ml: cannot reshape %v to %v", t.shape, shape))
		}
		shape[infer] = len(t.data) / known
	}
	if numel(shape) != len(t.data) {
		panic(fmt.Sprintf("ml: cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{shape: shape, data: t.data}
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("ml: index %v does not match rank %d", idx, len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("ml: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}
	return off
}

func (t *Tensor) At(idx ...int) float64 { return t.data[t.offset(idx)] }

func (t *Tensor) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

// Row gibt die View des i-ten Elements entlang der ersten Achse zurueck
func (t *Tensor) Row(i int) *Tensor {
	if len(t.shape) == 0 || i < 0 || i >= t.shape[0] {
		panic(fmt.Sprintf("ml: row %d out of range for shape %v", i, t.shape))
	}
	stride := len(t.data) / t.shape[0]
	return &Tensor{shape: slices.Clone(t.shape[1:]), data: t.data[i*stride : (i+1)*stride]}
}

// SameShape meldet, ob beide Tensoren dieselbe Form haben
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.shape, b.shape)
}

func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v", t.shape)
	if len(t.data) <= 8 {
		fmt.Fprintf(&sb, "%v", t.data)
	}
	return sb.String()
}
