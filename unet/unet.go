// Package unet implementiert das bedingte 1D-U-Net, das in einer verrauschten
// Aktionstrajektorie das Rauschen (oder die saubere Trajektorie) vorhersagt.
package unet

import (
	"errors"
	"fmt"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
)

var ErrInputShape = errors.New("unet: unexpected input shape")

type Config struct {
	ActionDim             int
	GlobalCondDim         int
	DownDims              []int
	KernelSize            int
	NGroups               int
	DiffusionStepEmbedDim int
	FiLMScaleModulation   bool
}

type downStage struct {
	res1, res2 *ResidualBlock
	down       *nn.Conv1d
}

type upStage struct {
	res1, res2 *ResidualBlock
	up         *nn.ConvTranspose1d
}

// Unet: Encoder mit L Stufen, Mittelteil, Decoder mit L-1 Stufen und Skip-Verbindungen.
type Unet struct {
	cfg Config

	stepEmb  SinusoidalPosEmb
	stepIn   *nn.Linear
	stepAct  nn.Mish
	stepOut  *nn.Linear
	down     []downStage
	mid      [2]*ResidualBlock
	up       []upStage
	final    *Conv1dBlock
	finalOut *nn.Conv1d
}

// New baut das Netz. Parameternamen beginnen mit prefix.
func New(prefix string, cfg Config, g *ml.Generator) *Unet {
	embed := cfg.DiffusionStepEmbedDim
	condDim := embed + cfg.GlobalCondDim
	block := func(name string, in, out int) *ResidualBlock {
		return newResidualBlock(prefix+name, in, out, condDim, cfg.KernelSize, cfg.NGroups, cfg.FiLMScaleModulation, g)
	}

	u := &Unet{
		cfg:     cfg,
		stepEmb: SinusoidalPosEmb{Dim: embed},
		stepIn:  nn.NewLinear(prefix+"diffusion_step_encoder.1", embed, 4*embed, g),
		stepOut: nn.NewLinear(prefix+"diffusion_step_encoder.3", 4*embed, embed, g),
	}

	dims := append([]int{cfg.ActionDim}, cfg.DownDims...)
	for i := range cfg.DownDims {
		in, out := dims[i], dims[i+1]
		name := fmt.Sprintf("down_modules.%d", i)
		stage := downStage{
			res1: block(name+".0", in, out),
			res2: block(name+".1", out, out),
		}
		if i < len(cfg.DownDims)-1 {
			stage.down = nn.NewConv1d(prefix+name+".2", out, out, 3, 2, 1, g)
		}
		u.down = append(u.down, stage)
	}

	last := cfg.DownDims[len(cfg.DownDims)-1]
	u.mid = [2]*ResidualBlock{
		block("mid_modules.0", last, last),
		block("mid_modules.1", last, last),
	}

	for j := range len(cfg.DownDims) - 1 {
		i := len(cfg.DownDims) - 1 - j
		in, out := cfg.DownDims[i-1], cfg.DownDims[i]
		name := fmt.Sprintf("up_modules.%d", j)
		u.up = append(u.up, upStage{
			res1: block(name+".0", 2*out, in),
			res2: block(name+".1", in, in),
			up:   nn.NewConvTranspose1d(prefix+name+".2", in, in, 4, 2, 1, g),
		})
	}

	first := cfg.DownDims[0]
	u.final = newConv1dBlock(prefix+"final_conv.0", first, first, cfg.KernelSize, cfg.NGroups, g)
	u.finalOut = nn.NewConv1d(prefix+"final_conv.1", first, cfg.ActionDim, 1, 1, 0, g)
	return u
}

// HorizonMultiple ist die Zahl, durch die der Zeithorizont teilbar sein muss
func (u *Unet) HorizonMultiple() int { return 1 << (len(u.cfg.DownDims) - 1) }

// Forward: x [B, T, A], ein Zeitpunkt je Batch-Element, globalCond [B, G] -> [B, T, A]
func (u *Unet) Forward(x *ml.Tensor, timesteps []int, globalCond *ml.Tensor) (*ml.Tensor, error) {
	if x.Rank() != 3 || x.Dim(2) != u.cfg.ActionDim || x.Dim(1)%u.HorizonMultiple() != 0 {
		return nil, fmt.Errorf("%w: sample %v with action dim %d and horizon multiple %d", ErrInputShape, x.Shape(), u.cfg.ActionDim, u.HorizonMultiple())
	}
	batch := x.Dim(0)
	if len(timesteps) != batch {
		return nil, fmt.Errorf("%w: %d timesteps for batch of %d", ErrInputShape, len(timesteps), batch)
	}
	if globalCond.Rank() != 2 || globalCond.Dim(0) != batch || globalCond.Dim(1) != u.cfg.GlobalCondDim {
		return nil, fmt.Errorf("%w: conditioning %v, expected [%d, %d]", ErrInputShape, globalCond.Shape(), batch, u.cfg.GlobalCondDim)
	}

	temb := u.stepOut.Forward(u.stepAct.Forward(u.stepIn.Forward(u.stepEmb.Forward(timesteps))))
	cond := ml.Concat(1, temb, globalCond)

	h := x.Transpose12()
	skips := make([]*ml.Tensor, 0, len(u.down))
	for _, s := range u.down {
		h = s.res1.Forward(h, cond)
		h = s.res2.Forward(h, cond)
		skips = append(skips, h)
		if s.down != nil {
			h = s.down.Forward(h)
		}
	}

	h = u.mid[0].Forward(h, cond)
	h = u.mid[1].Forward(h, cond)

	for j, s := range u.up {
		h = ml.Concat(1, h, skips[len(skips)-1-j])
		h = s.res1.Forward(h, cond)
		h = s.res2.Forward(h, cond)
		h = s.up.Forward(h)
	}

	h = u.finalOut.Forward(u.final.Forward(h))
	return h.Transpose12(), nil
}

// Backward propagiert dL/dOutput [B, T, A] zurueck, akkumuliert die Parametergradienten
// und gibt dL/dGlobalCond [B, G] zurueck.
func (u *Unet) Backward(dy *ml.Tensor) *ml.Tensor {
	batch := dy.Dim(0)
	embed := u.cfg.DiffusionStepEmbedDim
	dcond := ml.Zeros(batch, embed+u.cfg.GlobalCondDim)
	collect := func(d, dc *ml.Tensor) *ml.Tensor {
		dcond.AddInPlace(dc)
		return d
	}

	d := u.final.Backward(u.finalOut.Backward(dy.Transpose12()))

	dskips := make([]*ml.Tensor, len(u.down))
	for j := len(u.up) - 1; j >= 0; j-- {
		s := u.up[j]
		d = s.up.Backward(d)
		d = collect(s.res2.Backward(d))
		d = collect(s.res1.Backward(d))
		half := d.Dim(1) / 2
		dskips[len(u.down)-1-j] = d.Narrow(1, half, 2*half)
		d = d.Narrow(1, 0, half)
	}

	d = collect(u.mid[1].Backward(d))
	d = collect(u.mid[0].Backward(d))

	for i := len(u.down) - 1; i >= 0; i-- {
		s := u.down[i]
		if s.down != nil {
			d = s.down.Backward(d)
		}
		if dskips[i] != nil {
			d.AddInPlace(dskips[i])
		}
		d = collect(s.res2.Backward(d))
		d = collect(s.res1.Backward(d))
	}

	dtemb := dcond.Narrow(1, 0, embed)
	u.stepIn.Backward(u.stepAct.Backward(u.stepOut.Backward(dtemb)))
	return dcond.Narrow(1, embed, embed+u.cfg.GlobalCondDim)
}

func (u *Unet) Parameters() []*nn.Param {
	params := append(u.stepIn.Parameters(), u.stepOut.Parameters()...)
	for _, s := range u.down {
		params = append(params, s.res1.Parameters()...)
		params = append(params, s.res2.Parameters()...)
		if s.down != nil {
			params = append(params, s.down.Parameters()...)
		}
	}
	params = append(params, u.mid[0].Parameters()...)
	params = append(params, u.mid[1].Parameters()...)
	for _, s := range u.up {
		params = append(params, s.res1.Parameters()...)
		params = append(params, s.res2.Parameters()...)
		params = append(params, s.up.Parameters()...)
	}
	params = append(params, u.final.Parameters()...)
	return append(params, u.finalOut.Parameters()...)
}
