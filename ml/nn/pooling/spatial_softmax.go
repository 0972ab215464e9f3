// Package pooling enthaelt Pooling-Schichten fuer Feature-Maps.
package pooling

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
)

// SpatialSoftmax reduziert eine Feature-Map [N, C, H, W] auf K Keypoints [N, K, 2].
//
// Eine 1x1-Faltung erzeugt K Aufmerksamkeitskarten, die per Softmax ueber alle
// Pixel normiert werden. Jeder Keypoint ist der Erwartungswert der Pixelkoordinaten
// (x, y) in [-1, 1] unter seiner Karte.
type SpatialSoftmax struct {
	Weight  *nn.Param
	Bias    *nn.Param
	PosGrid *nn.Param

	channels, keypoints, height, width int

	x    *ml.Tensor
	attn *ml.Tensor
}

// New erstellt die Schicht fuer Feature-Maps der Form [channels, height, width]
func New(name string, channels, height, width, keypoints int, g *ml.Generator) *SpatialSoftmax {
	bound := 1 / math.Sqrt(float64(channels))
	pos := ml.Zeros(height*width, 2)
	for i := range height {
		for j := range width {
			pos.Set(linspace(-1, 1, width, j), i*width+j, 0)
			pos.Set(linspace(-1, 1, height, i), i*width+j, 1)
		}
	}

	return &SpatialSoftmax{
		Weight:    nn.NewParam(name+".nets.weight", g.Uniform(-bound, bound, keypoints, channels, 1, 1)),
		Bias:      nn.NewParam(name+".nets.bias", g.Uniform(-bound, bound, keypoints)),
		PosGrid:   nn.NewBuffer(name+".pos_grid", pos),
		channels:  channels,
		keypoints: keypoints,
		height:    height,
		width:     width,
	}
}

func linspace(lo, hi float64, n, i int) float64 {
	if n == 1 {
		return lo
	}
	return lo + (hi-lo)*float64(i)/float64(n-1)
}

func (s *SpatialSoftmax) Keypoints() int { return s.keypoints }

func (s *SpatialSoftmax) Forward(x *ml.Tensor) *ml.Tensor {
	if x.Rank() != 4 || x.Dim(1) != s.channels || x.Dim(2) != s.height || x.Dim(3) != s.width {
		panic(fmt.Sprintf("pooling: expected [N, %d, %d, %d], got %v", s.channels, s.height, s.width, x.Shape()))
	}
	n := x.Dim(0)
	p := s.height * s.width
	s.x = x
	s.attn = ml.Zeros(n, s.keypoints, p)
	out := ml.Zeros(n, s.keypoints, 2)

	wd := mat.NewDense(s.keypoints, s.channels, s.Weight.Value.Data())
	pos := mat.NewDense(p, 2, s.PosGrid.Value.Data())
	bias := s.Bias.Value.Data()
	for b := range n {
		xd := mat.NewDense(s.channels, p, x.Row(b).Data())
		ad := mat.NewDense(s.keypoints, p, s.attn.Row(b).Data())
		ad.Mul(wd, xd)
		for k := range s.keypoints {
			row := ad.RawRowView(k)
			floats.AddConst(bias[k], row)
			softmax(row)
		}
		od := mat.NewDense(s.keypoints, 2, out.Row(b).Data())
		od.Mul(ad, pos)
	}
	return out
}

func softmax(v []float64) {
	m := floats.Max(v)
	var sum float64
	for i, x := range v {
		v[i] = math.Exp(x - m)
		sum += v[i]
	}
	floats.Scale(1/sum, v)
}

// Backward nimmt dL/d[N, K, 2] und gibt dL/dx zurueck
func (s *SpatialSoftmax) Backward(dy *ml.Tensor) *ml.Tensor {
	n := s.x.Dim(0)
	p := s.height * s.width
	dx := ml.Zeros(s.x.Shape()...)

	wd := mat.NewDense(s.keypoints, s.channels, s.Weight.Value.Data())
	pos := mat.NewDense(p, 2, s.PosGrid.Value.Data())
	for b := range n {
		dyd := mat.NewDense(s.keypoints, 2, dy.Row(b).Data())
		var dattn mat.Dense
		dattn.Mul(dyd, pos.T())

		attn := s.attn.Row(b).Data()
		dlogits := mat.NewDense(s.keypoints, p, nil)
		for k := range s.keypoints {
			a := attn[k*p : (k+1)*p]
			da := dattn.RawRowView(k)
			inner := floats.Dot(a, da)
			row := dlogits.RawRowView(k)
			for i := range p {
				row[i] = a[i] * (da[i] - inner)
			}
			if s.Bias.Grad != nil {
				s.Bias.Grad.Data()[k] += floats.Sum(row)
			}
		}

		xd := mat.NewDense(s.channels, p, s.x.Row(b).Data())
		if s.Weight.Grad != nil {
			var dw mat.Dense
			dw.Mul(dlogits, xd.T())
			floats.Add(s.Weight.Grad.Data(), dw.RawMatrix().Data)
		}
		dxd := mat.NewDense(s.channels, p, dx.Row(b).Data())
		dxd.Mul(wd.T(), dlogits)
	}
	return dx
}

func (s *SpatialSoftmax) Parameters() []*nn.Param {
	return []*nn.Param{s.Weight, s.Bias, s.PosGrid}
}
