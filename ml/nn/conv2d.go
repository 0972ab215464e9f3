package nn

import (
	"fmt"
	"math"

	"github.com/ollama/diffpolicy/ml"
)

// Conv2d faltet ein einzelnes Bild [C, H, W]. Nur Vorwaertsrichtung,
// die Schicht wird ausschliesslich in eingefrorenen Backbones genutzt.
type Conv2d struct {
	Weight *Param
	Bias   *Param

	in, out, kernel, stride, padding int
}

func NewConv2d(name string, in, out, kernel, stride, padding int, g *ml.Generator) *Conv2d {
	fanIn := in * kernel * kernel
	return &Conv2d{
		Weight:  newParam(name+".weight", uniformInit(g, fanIn, out, in, kernel, kernel)),
		Bias:    newParam(name+".bias", uniformInit(g, fanIn, out)),
		in:      in,
		out:     out,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
	}
}

// OutSize gibt die raeumliche Ausgabegroesse fuer Eingabegroesse n zurueck
func (c *Conv2d) OutSize(n int) int {
	return (n+2*c.padding-c.kernel)/c.stride + 1
}

func (c *Conv2d) Forward(x *ml.Tensor) *ml.Tensor {
	if x.Rank() != 3 || x.Dim(0) != c.in {
		panic(fmt.Sprintf("nn: conv2d expects [%d, H, W], got %v", c.in, x.Shape()))
	}
	h, w := x.Dim(1), x.Dim(2)
	ho, wo := c.OutSize(h), c.OutSize(w)
	y := ml.Zeros(c.out, ho, wo)

	xs, ys := x.Data(), y.Data()
	ws, bs := c.Weight.Value.Data(), c.Bias.Value.Data()
	k := c.kernel
	for o := range c.out {
		for i := range ho {
			for j := range wo {
				sum := bs[o]
				for ci := range c.in {
					for ki := range k {
						yy := i*c.stride - c.padding + ki
						if yy < 0 || yy >= h {
							continue
						}
						for kj := range k {
							xx := j*c.stride - c.padding + kj
							if xx < 0 || xx >= w {
								continue
							}
							sum += ws[((o*c.in+ci)*k+ki)*k+kj] * xs[(ci*h+yy)*w+xx]
						}
					}
				}
				ys[(o*ho+i)*wo+j] = sum
			}
		}
	}
	return y
}

func (c *Conv2d) Parameters() []*Param { return []*Param{c.Weight, c.Bias} }

// BatchNorm2d im Auswertungsmodus mit laufender Statistik
type BatchNorm2d struct {
	Weight      *Param
	Bias        *Param
	RunningMean *Param
	RunningVar  *Param

	eps float64
}

func NewBatchNorm2d(name string, channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Weight:      newParam(name+".weight", ml.Full(1, channels)),
		Bias:        newParam(name+".bias", ml.Zeros(channels)),
		RunningMean: newBuffer(name+".running_mean", ml.Zeros(channels)),
		RunningVar:  newBuffer(name+".running_var", ml.Full(1, channels)),
		eps:         1e-5,
	}
	for _, p := range bn.Parameters() {
		p.Norm = true
	}
	return bn
}

func (bn *BatchNorm2d) Forward(x *ml.Tensor) *ml.Tensor {
	c := x.Dim(0)
	spatial := x.Len() / c
	y := ml.Zeros(x.Shape()...)
	xs, ys := x.Data(), y.Data()
	w, b := bn.Weight.Value.Data(), bn.Bias.Value.Data()
	mean, variance := bn.RunningMean.Value.Data(), bn.RunningVar.Value.Data()
	for ch := range c {
		scale := w[ch] / math.Sqrt(variance[ch]+bn.eps)
		for s := range spatial {
			i := ch*spatial + s
			ys[i] = (xs[i]-mean[ch])*scale + b[ch]
		}
	}
	return y
}

func (bn *BatchNorm2d) Parameters() []*Param {
	return []*Param{bn.Weight, bn.Bias, bn.RunningMean, bn.RunningVar}
}
