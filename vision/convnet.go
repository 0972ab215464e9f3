// MODUL: convnet
// ZWECK: Eingebautes Faltungs-Backbone (Conv 3x3/2 -> Norm -> ReLU je Stufe)
// INPUT: Bild [3, H, W]
// OUTPUT: Feature-Map [C_last, H/2^n, W/2^n]
// NEBENEFFEKTE: Liest bei Pretrained die Gewichtsdatei
// ABHAENGIGKEITEN: ml/nn, checkpoint (safetensors)
// HINWEISE: Alle Gewichte sind eingefroren; BatchNorm oder GroupNorm wird beim Bau gewaehlt

package vision

import (
	"fmt"

	"github.com/ollama/diffpolicy/checkpoint"
	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
)

// ConvNetName ist der Registry-Name des eingebauten Backbones
const ConvNetName = "convnet"

func init() {
	MustRegister(ConvNetName, newConvNet)
}

type convStage struct {
	conv *nn.Conv2d
	bn   *nn.BatchNorm2d
	gn   *nn.GroupNorm
	relu nn.ReLU
}

// ConvNet ist ein kleines, eingefrorenes Faltungs-Backbone.
type ConvNet struct {
	stages []convStage
	in     int
}

func newConvNet(opts BackboneOptions) (Backbone, error) {
	g := ml.NewGenerator(opts.Seed)
	net := &ConvNet{in: 3}

	in := net.in
	for i, c := range opts.Channels {
		name := fmt.Sprintf("layers.%d", i)
		s := convStage{conv: nn.NewConv2d(name+".conv", in, c, 3, 2, 1, g)}
		if opts.Norm == NormGroup {
			s.gn = nn.NewGroupNorm(name+".norm", c/16, c)
		} else {
			s.bn = nn.NewBatchNorm2d(name+".norm", c)
		}
		net.stages = append(net.stages, s)
		in = c
	}

	for _, p := range net.Parameters() {
		p.Freeze()
	}

	if opts.Pretrained {
		if err := net.load(opts.Weights); err != nil {
			return nil, err
		}
	}
	return net, nil
}

func (n *ConvNet) load(path string) error {
	sd, _, err := checkpoint.Load(path)
	if err != nil {
		return fmt.Errorf("load backbone weights: %w", err)
	}
	for _, p := range n.Parameters() {
		t, ok := sd.Get(p.Name)
		if !ok {
			return fmt.Errorf("load backbone weights: %s missing in %s", p.Name, path)
		}
		if err := nn.Assign(p, t); err != nil {
			return fmt.Errorf("load backbone weights: %w", err)
		}
	}
	return nil
}

func (n *ConvNet) Forward(img *ml.Tensor) (*ml.Tensor, error) {
	if img.Rank() != 3 || img.Dim(0) != n.in {
		return nil, fmt.Errorf("convnet: expected [%d, H, W], got %v", n.in, img.Shape())
	}
	h := img
	for i := range n.stages {
		s := &n.stages[i]
		if h.Dim(1) < 2 || h.Dim(2) < 2 {
			return nil, fmt.Errorf("convnet: feature map %v too small for stage %d", h.Shape(), i)
		}
		h = s.conv.Forward(h)
		if s.gn != nil {
			h = s.gn.Infer(h.Reshape(append([]int{1}, h.Shape()...)...)).Reshape(h.Shape()...)
		} else {
			h = s.bn.Forward(h)
		}
		h = s.relu.Infer(h)
	}
	return h, nil
}

func (n *ConvNet) Parameters() []*nn.Param {
	var params []*nn.Param
	for _, s := range n.stages {
		params = append(params, s.conv.Parameters()...)
		if s.gn != nil {
			params = append(params, s.gn.Parameters()...)
		} else {
			params = append(params, s.bn.Parameters()...)
		}
	}
	return params
}
