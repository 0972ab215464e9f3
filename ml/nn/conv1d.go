package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/diffpolicy/ml"
)

// Conv1d faltet Eingaben der Form [B, in, L].
// Gewicht [out, in, k], Bias [out]. Die Rechnung laeuft ueber im2col.
type Conv1d struct {
	Weight *Param
	Bias   *Param

	in, out, kernel, stride, padding int

	inLen int
	cols  []*mat.Dense
}

func NewConv1d(name string, in, out, kernel, stride, padding int, g *ml.Generator) *Conv1d {
	fanIn := in * kernel
	return &Conv1d{
		Weight:  newParam(name+".weight", uniformInit(g, fanIn, out, in, kernel)),
		Bias:    newParam(name+".bias", uniformInit(g, fanIn, out)),
		in:      in,
		out:     out,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
	}
}

func (c *Conv1d) outLen(l int) int {
	return (l+2*c.padding-c.kernel)/c.stride + 1
}

func (c *Conv1d) Forward(x *ml.Tensor) *ml.Tensor {
	if x.Rank() != 3 || x.Dim(1) != c.in {
		panic(fmt.Sprintf("nn: conv1d expects [B, %d, L], got %v", c.in, x.Shape()))
	}
	b, l := x.Dim(0), x.Dim(2)
	lo := c.outLen(l)
	if lo <= 0 {
		panic(fmt.Sprintf("nn: conv1d input length %d too short for kernel %d", l, c.kernel))
	}

	c.inLen = l
	c.cols = make([]*mat.Dense, b)
	y := ml.Zeros(b, c.out, lo)
	wd := mat.NewDense(c.out, c.in*c.kernel, c.Weight.Value.Data())
	bias := c.Bias.Value.Data()
	for n := range b {
		col := mat.NewDense(c.in*c.kernel, lo, nil)
		xs := x.Row(n).Data()
		for i := range c.in {
			for j := range c.kernel {
				row := col.RawRowView(i*c.kernel + j)
				for t := range lo {
					if pos := t*c.stride - c.padding + j; pos >= 0 && pos < l {
						row[t] = xs[i*l+pos]
					}
				}
			}
		}
		c.cols[n] = col

		ys := y.Row(n).Data()
		yd := mat.NewDense(c.out, lo, ys)
		yd.Mul(wd, col)
		for o := range c.out {
			r := ys[o*lo : (o+1)*lo]
			floats.AddConst(bias[o], r)
		}
	}
	return y
}

func (c *Conv1d) Backward(dy *ml.Tensor) *ml.Tensor {
	b, lo := dy.Dim(0), dy.Dim(2)
	l := c.inLen
	dx := ml.Zeros(b, c.in, l)
	wd := mat.NewDense(c.out, c.in*c.kernel, c.Weight.Value.Data())

	for n := range b {
		dys := dy.Row(n).Data()
		dyd := mat.NewDense(c.out, lo, dys)

		if c.Weight.Grad != nil {
			var dw mat.Dense
			dw.Mul(dyd, c.cols[n].T())
			c.Weight.accumulate(dw.RawMatrix().Data)
		}
		if c.Bias.Grad != nil {
			db := c.Bias.Grad.Data()
			for o := range c.out {
				db[o] += floats.Sum(dys[o*lo : (o+1)*lo])
			}
		}

		var dcol mat.Dense
		dcol.Mul(wd.T(), dyd)
		dxs := dx.Row(n).Data()
		for i := range c.in {
			for j := range c.kernel {
				row := dcol.RawRowView(i*c.kernel + j)
				for t := range lo {
					if pos := t*c.stride - c.padding + j; pos >= 0 && pos < l {
						dxs[i*l+pos] += row[t]
					}
				}
			}
		}
	}
	return dx
}

func (c *Conv1d) Parameters() []*Param { return []*Param{c.Weight, c.Bias} }
