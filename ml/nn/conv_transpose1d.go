package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/diffpolicy/ml"
)

// ConvTranspose1d ist die transponierte Faltung fuer [B, in, L].
// Gewicht [in, out, k], Ausgabelaenge (L-1)*stride - 2*padding + k.
type ConvTranspose1d struct {
	Weight *Param
	Bias   *Param

	in, out, kernel, stride, padding int

	x *ml.Tensor
}

func NewConvTranspose1d(name string, in, out, kernel, stride, padding int, g *ml.Generator) *ConvTranspose1d {
	fanIn := out * kernel
	return &ConvTranspose1d{
		Weight:  newParam(name+".weight", uniformInit(g, fanIn, in, out, kernel)),
		Bias:    newParam(name+".bias", uniformInit(g, fanIn, out)),
		in:      in,
		out:     out,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
	}
}

func (c *ConvTranspose1d) outLen(l int) int {
	return (l-1)*c.stride - 2*c.padding + c.kernel
}

func (c *ConvTranspose1d) Forward(x *ml.Tensor) *ml.Tensor {
	if x.Rank() != 3 || x.Dim(1) != c.in {
		panic(fmt.Sprintf("nn: conv transpose expects [B, %d, L], got %v", c.in, x.Shape()))
	}
	b, l := x.Dim(0), x.Dim(2)
	lo := c.outLen(l)
	c.x = x

	y := ml.Zeros(b, c.out, lo)
	wd := mat.NewDense(c.in, c.out*c.kernel, c.Weight.Value.Data())
	bias := c.Bias.Value.Data()
	for n := range b {
		xd := mat.NewDense(c.in, l, x.Row(n).Data())
		var cols mat.Dense
		cols.Mul(wd.T(), xd)

		ys := y.Row(n).Data()
		for o := range c.out {
			for j := range c.kernel {
				row := cols.RawRowView(o*c.kernel + j)
				for t := range l {
					if pos := t*c.stride - c.padding + j; pos >= 0 && pos < lo {
						ys[o*lo+pos] += row[t]
					}
				}
			}
			floats.AddConst(bias[o], ys[o*lo:(o+1)*lo])
		}
	}
	return y
}

func (c *ConvTranspose1d) Backward(dy *ml.Tensor) *ml.Tensor {
	b, lo := dy.Dim(0), dy.Dim(2)
	l := c.x.Dim(2)
	dx := ml.Zeros(b, c.in, l)
	wd := mat.NewDense(c.in, c.out*c.kernel, c.Weight.Value.Data())

	for n := range b {
		dys := dy.Row(n).Data()
		dcols := mat.NewDense(c.out*c.kernel, l, nil)
		for o := range c.out {
			for j := range c.kernel {
				row := dcols.RawRowView(o*c.kernel + j)
				for t := range l {
					if pos := t*c.stride - c.padding + j; pos >= 0 && pos < lo {
						row[t] = dys[o*lo+pos]
					}
				}
			}
		}

		xd := mat.NewDense(c.in, l, c.x.Row(n).Data())
		if c.Weight.Grad != nil {
			var dw mat.Dense
			dw.Mul(xd, dcols.T())
			c.Weight.accumulate(dw.RawMatrix().Data)
		}
		if c.Bias.Grad != nil {
			db := c.Bias.Grad.Data()
			for o := range c.out {
				db[o] += floats.Sum(dys[o*lo : (o+1)*lo])
			}
		}

		dxd := mat.NewDense(c.in, l, dx.Row(n).Data())
		dxd.Mul(wd, dcols)
	}
	return dx
}

func (c *ConvTranspose1d) Parameters() []*Param { return []*Param{c.Weight, c.Bias} }
