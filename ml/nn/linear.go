package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/diffpolicy/ml"
)

// Linear berechnet y = x W^T + b ueber der letzten Achse.
// Gewicht [out, in], Bias [out].
type Linear struct {
	Weight *Param
	Bias   *Param

	in, out int

	x    *ml.Tensor
	lead []int
}

func NewLinear(name string, in, out int, g *ml.Generator) *Linear {
	return &Linear{
		Weight: newParam(name+".weight", uniformInit(g, in, out, in)),
		Bias:   newParam(name+".bias", uniformInit(g, in, out)),
		in:     in,
		out:    out,
	}
}

func (l *Linear) InFeatures() int  { return l.in }
func (l *Linear) OutFeatures() int { return l.out }

func (l *Linear) Forward(x *ml.Tensor) *ml.Tensor {
	if x.Dim(-1) != l.in {
		panic(fmt.Sprintf("nn: linear expects %d input features, got shape %v", l.in, x.Shape()))
	}
	shape := x.Shape()
	n := x.Len() / l.in
	l.x = x.Reshape(n, l.in)
	l.lead = shape[:len(shape)-1]

	y := ml.Zeros(n, l.out)
	xd := mat.NewDense(n, l.in, l.x.Data())
	wd := mat.NewDense(l.out, l.in, l.Weight.Value.Data())
	yd := mat.NewDense(n, l.out, y.Data())
	yd.Mul(xd, wd.T())

	bias := l.Bias.Value.Data()
	for i := range n {
		floats.Add(y.Data()[i*l.out:(i+1)*l.out], bias)
	}
	return y.Reshape(append(shape[:len(shape)-1:len(shape)-1], l.out)...)
}

func (l *Linear) Backward(dy *ml.Tensor) *ml.Tensor {
	n := l.x.Dim(0)
	dyd := mat.NewDense(n, l.out, dy.Data())
	xd := mat.NewDense(n, l.in, l.x.Data())
	wd := mat.NewDense(l.out, l.in, l.Weight.Value.Data())

	if l.Weight.Grad != nil {
		var dw mat.Dense
		dw.Mul(dyd.T(), xd)
		l.Weight.accumulate(dw.RawMatrix().Data)
	}
	if l.Bias.Grad != nil {
		db := l.Bias.Grad.Data()
		for i := range n {
			floats.Add(db, dy.Data()[i*l.out:(i+1)*l.out])
		}
	}

	dx := ml.Zeros(n, l.in)
	dxd := mat.NewDense(n, l.in, dx.Data())
	dxd.Mul(dyd, wd)
	return dx.Reshape(append(l.lead[:len(l.lead):len(l.lead)], l.in)...)
}

func (l *Linear) Parameters() []*Param { return []*Param{l.Weight, l.Bias} }
