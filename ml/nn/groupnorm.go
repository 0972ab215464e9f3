package nn

import (
	"fmt"
	"math"

	"github.com/ollama/diffpolicy/ml"
)

// GroupNorm normalisiert [B, C, ...] ueber Kanalgruppen.
type GroupNorm struct {
	Weight *Param
	Bias   *Param

	groups, channels int
	eps              float64

	xhat   *ml.Tensor
	invStd []float64
}

func NewGroupNorm(name string, groups, channels int) *GroupNorm {
	if groups <= 0 || channels%groups != 0 {
		panic(fmt.Sprintf("nn: %d channels not divisible into %d groups", channels, groups))
	}
	return &GroupNorm{
		Weight:   newParam(name+".weight", ml.Full(1, channels)),
		Bias:     newParam(name+".bias", ml.Zeros(channels)),
		groups:   groups,
		channels: channels,
		eps:      1e-5,
	}
}

// Forward merkt sich die Zwischenwerte fuer Backward
func (gn *GroupNorm) Forward(x *ml.Tensor) *ml.Tensor {
	y, xhat, invStd := gn.apply(x)
	gn.xhat, gn.invStd = xhat, invStd
	return y
}

// Infer ist Forward ohne Zustand und darf nebenlaeufig laufen
func (gn *GroupNorm) Infer(x *ml.Tensor) *ml.Tensor {
	y, _, _ := gn.apply(x)
	return y
}

func (gn *GroupNorm) apply(x *ml.Tensor) (*ml.Tensor, *ml.Tensor, []float64) {
	if x.Rank() < 2 || x.Dim(1) != gn.channels {
		panic(fmt.Sprintf("nn: group norm expects [B, %d, ...], got %v", gn.channels, x.Shape()))
	}
	b := x.Dim(0)
	spatial := x.Len() / (b * gn.channels)
	per := gn.channels / gn.groups
	size := per * spatial

	y := ml.Zeros(x.Shape()...)
	xhat := ml.Zeros(x.Shape()...)
	invStd := make([]float64, b*gn.groups)
	xs, ys, hs := x.Data(), y.Data(), xhat.Data()
	w, bias := gn.Weight.Value.Data(), gn.Bias.Value.Data()

	for n := range b {
		for g := range gn.groups {
			off := (n*gn.channels + g*per) * spatial
			seg := xs[off : off+size]

			var mean float64
			for _, v := range seg {
				mean += v
			}
			mean /= float64(size)
			var variance float64
			for _, v := range seg {
				variance += (v - mean) * (v - mean)
			}
			variance /= float64(size)
			inv := 1 / math.Sqrt(variance+gn.eps)
			invStd[n*gn.groups+g] = inv

			for c := range per {
				ch := g*per + c
				for s := range spatial {
					i := off + c*spatial + s
					hs[i] = (xs[i] - mean) * inv
					ys[i] = hs[i]*w[ch] + bias[ch]
				}
			}
		}
	}
	return y, xhat, invStd
}

func (gn *GroupNorm) Backward(dy *ml.Tensor) *ml.Tensor {
	b := dy.Dim(0)
	spatial := dy.Len() / (b * gn.channels)
	per := gn.channels / gn.groups
	size := float64(per * spatial)

	dx := ml.Zeros(dy.Shape()...)
	dys, hs, dxs := dy.Data(), gn.xhat.Data(), dx.Data()
	w := gn.Weight.Value.Data()

	for n := range b {
		for c := range gn.channels {
			off := (n*gn.channels + c) * spatial
			var dw, db float64
			for s := range spatial {
				dw += dys[off+s] * hs[off+s]
				db += dys[off+s]
			}
			if gn.Weight.Grad != nil {
				gn.Weight.Grad.Data()[c] += dw
			}
			if gn.Bias.Grad != nil {
				gn.Bias.Grad.Data()[c] += db
			}
		}

		for g := range gn.groups {
			off := (n*gn.channels + g*per) * spatial
			var sum, dot float64
			for c := range per {
				ch := g*per + c
				for s := range spatial {
					i := off + c*spatial + s
					d := dys[i] * w[ch]
					sum += d
					dot += d * hs[i]
				}
			}
			inv := gn.invStd[n*gn.groups+g]
			for c := range per {
				ch := g*per + c
				for s := range spatial {
					i := off + c*spatial + s
					d := dys[i] * w[ch]
					dxs[i] = inv / size * (size*d - sum - hs[i]*dot)
				}
			}
		}
	}
	return dx
}

func (gn *GroupNorm) Parameters() []*Param { return []*Param{gn.Weight, gn.Bias} }
