// param.go - Parameter, Module-Schnittstelle und State-Dicts
//
// Dieses Modul enthaelt:
// - Param: benannter Tensor mit optionalem Gradienten
// - Module: alles, was Parameter in fester Reihenfolge liefert
// - StateDict: geordnete Abbildung Name -> Tensor fuer Checkpoints
package nn

import (
	"fmt"
	"iter"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ollama/diffpolicy/ml"
)

// Param ist ein benannter Gewichts- oder Statistik-Tensor.
type Param struct {
	Name  string
	Value *ml.Tensor
	// Grad ist nil fuer nicht trainierbare Parameter
	Grad *ml.Tensor

	Trainable bool
	// Norm markiert laufende Statistik und Affine-Parameter von BatchNorm
	Norm bool
}

func newParam(name string, value *ml.Tensor) *Param {
	return &Param{Name: name, Value: value, Grad: ml.Zeros(value.Shape()...), Trainable: true}
}

func newBuffer(name string, value *ml.Tensor) *Param {
	return &Param{Name: name, Value: value}
}

// NewParam erstellt einen trainierbaren Parameter
func NewParam(name string, value *ml.Tensor) *Param { return newParam(name, value) }

// NewBuffer erstellt einen nicht trainierbaren Tensor, der im State-Dict landet
func NewBuffer(name string, value *ml.Tensor) *Param { return newBuffer(name, value) }

// Freeze schaltet den Gradienten ab
func (p *Param) Freeze() {
	p.Trainable = false
	p.Grad = nil
}

func (p *Param) ZeroGrad() {
	if p.Grad != nil {
		p.Grad.Fill(0)
	}
}

func (p *Param) accumulate(g []float64) {
	if p.Grad == nil {
		return
	}
	d := p.Grad.Data()
	for i, v := range g {
		d[i] += v
	}
}

// Module liefert seine Parameter in stabiler Reihenfolge
type Module interface {
	Parameters() []*Param
}

// ZeroGrad setzt alle Gradienten auf null
func ZeroGrad(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountTrainable zaehlt die trainierbaren Skalare
func CountTrainable(params []*Param) int {
	n := 0
	for _, p := range params {
		if p.Trainable {
			n += p.Value.Len()
		}
	}
	return n
}

// Prefixed haengt prefix vor alle Parameternamen
func Prefixed(prefix string, params []*Param) []*Param {
	for _, p := range params {
		p.Name = prefix + p.Name
	}
	return params
}

// StateDict bildet Parameternamen in Einfuegereihenfolge auf Tensoren ab.
type StateDict struct {
	m *orderedmap.OrderedMap[string, *ml.Tensor]
}

func NewStateDict() *StateDict {
	return &StateDict{m: orderedmap.New[string, *ml.Tensor]()}
}

func (sd *StateDict) Set(name string, t *ml.Tensor) { sd.m.Set(name, t) }

func (sd *StateDict) Get(name string) (*ml.Tensor, bool) { return sd.m.Get(name) }

func (sd *StateDict) Delete(name string) { sd.m.Delete(name) }

func (sd *StateDict) Len() int { return sd.m.Len() }

// All iteriert in Einfuegereihenfolge
func (sd *StateDict) All() iter.Seq2[string, *ml.Tensor] {
	return func(yield func(string, *ml.Tensor) bool) {
		for pair := sd.m.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

func (sd *StateDict) Keys() []string {
	keys := make([]string, 0, sd.m.Len())
	for k := range sd.All() {
		keys = append(keys, k)
	}
	return keys
}

// Collect kopiert alle Parameter unter prefix in sd
func Collect(sd *StateDict, prefix string, params []*Param) {
	for _, p := range params {
		sd.Set(prefix+p.Name, p.Value.Clone())
	}
}

// Assign uebernimmt den Wert fuer p aus t und prueft die Form
func Assign(p *Param, t *ml.Tensor) error {
	if !ml.SameShape(p.Value, t) {
		return fmt.Errorf("%s: shape %v does not match %v", p.Name, t.Shape(), p.Value.Shape())
	}
	p.Value.CopyFrom(t)
	return nil
}
