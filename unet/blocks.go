package unet

import (
	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
)

// Conv1dBlock: Conv1d -> GroupNorm -> Mish
type Conv1dBlock struct {
	conv *nn.Conv1d
	norm *nn.GroupNorm
	act  nn.Mish
}

func newConv1dBlock(name string, in, out, kernel, groups int, g *ml.Generator) *Conv1dBlock {
	return &Conv1dBlock{
		conv: nn.NewConv1d(name+".block.0", in, out, kernel, 1, kernel/2, g),
		norm: nn.NewGroupNorm(name+".block.1", groups, out),
	}
}

func (b *Conv1dBlock) Forward(x *ml.Tensor) *ml.Tensor {
	return b.act.Forward(b.norm.Forward(b.conv.Forward(x)))
}

func (b *Conv1dBlock) Backward(dy *ml.Tensor) *ml.Tensor {
	return b.conv.Backward(b.norm.Backward(b.act.Backward(dy)))
}

func (b *Conv1dBlock) Parameters() []*nn.Param {
	return append(b.conv.Parameters(), b.norm.Parameters()...)
}

// ResidualBlock ist ein zeitlicher Faltungsblock, dessen Zwischenergebnis
// vom Konditionierungsvektor per Bias oder Scale+Bias (FiLM) moduliert wird.
type ResidualBlock struct {
	conv1      *Conv1dBlock
	condAct    nn.Mish
	condLinear *nn.Linear
	conv2      *Conv1dBlock
	residual   *nn.Conv1d

	out  int
	film bool

	h1    *ml.Tensor
	scale *ml.Tensor
}

func newResidualBlock(name string, in, out, condDim, kernel, groups int, film bool, g *ml.Generator) *ResidualBlock {
	condChannels := out
	if film {
		condChannels = 2 * out
	}
	b := &ResidualBlock{
		conv1:      newConv1dBlock(name+".conv1", in, out, kernel, groups, g),
		condLinear: nn.NewLinear(name+".cond_encoder.1", condDim, condChannels, g),
		conv2:      newConv1dBlock(name+".conv2", out, out, kernel, groups, g),
		out:        out,
		film:       film,
	}
	if in != out {
		b.residual = nn.NewConv1d(name+".residual_conv", in, out, 1, 1, 0, g)
	}
	return b
}

func (b *ResidualBlock) Forward(x, cond *ml.Tensor) *ml.Tensor {
	h1 := b.conv1.Forward(x)
	embed := b.condLinear.Forward(b.condAct.Forward(cond))

	batch, steps := h1.Dim(0), h1.Dim(2)
	h := ml.Zeros(h1.Shape()...)
	hs, h1s := h.Data(), h1.Data()
	if b.film {
		b.scale = embed.Narrow(1, 0, b.out)
		bias := embed.Narrow(1, b.out, 2*b.out)
		for n := range batch {
			for c := range b.out {
				sc, bi := b.scale.At(n, c), bias.At(n, c)
				for t := range steps {
					i := (n*b.out+c)*steps + t
					hs[i] = sc*h1s[i] + bi
				}
			}
		}
	} else {
		for n := range batch {
			for c := range b.out {
				bi := embed.At(n, c)
				for t := range steps {
					i := (n*b.out+c)*steps + t
					hs[i] = h1s[i] + bi
				}
			}
		}
	}
	b.h1 = h1

	out := b.conv2.Forward(h)
	if b.residual != nil {
		return out.AddInPlace(b.residual.Forward(x))
	}
	return out.AddInPlace(x)
}

// Backward gibt die Gradienten nach Eingabe und Konditionierung zurueck
func (b *ResidualBlock) Backward(dy *ml.Tensor) (dx, dcond *ml.Tensor) {
	dh := b.conv2.Backward(dy)

	batch, steps := dh.Dim(0), dh.Dim(2)
	width := b.out
	if b.film {
		width = 2 * b.out
	}
	dembed := ml.Zeros(batch, width)
	dh1 := dh
	if b.film {
		dh1 = ml.Zeros(dh.Shape()...)
	}
	dhs, h1s := dh.Data(), b.h1.Data()
	for n := range batch {
		for c := range b.out {
			var dscale, dbias float64
			var sc float64
			if b.film {
				sc = b.scale.At(n, c)
			}
			for t := range steps {
				i := (n*b.out+c)*steps + t
				dbias += dhs[i]
				if b.film {
					dscale += dhs[i] * h1s[i]
					dh1.Data()[i] = dhs[i] * sc
				}
			}
			if b.film {
				dembed.Set(dscale, n, c)
				dembed.Set(dbias, n, b.out+c)
			} else {
				dembed.Set(dbias, n, c)
			}
		}
	}

	dcond = b.condAct.Backward(b.condLinear.Backward(dembed))
	dx = b.conv1.Backward(dh1)
	if b.residual != nil {
		dx.AddInPlace(b.residual.Backward(dy))
	} else {
		dx.AddInPlace(dy)
	}
	return dx, dcond
}

func (b *ResidualBlock) Parameters() []*nn.Param {
	params := b.conv1.Parameters()
	params = append(params, b.condLinear.Parameters()...)
	params = append(params, b.conv2.Parameters()...)
	if b.residual != nil {
		params = append(params, b.residual.Parameters()...)
	}
	return params
}
