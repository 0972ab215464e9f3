// MODUL: rgb_encoder
// ZWECK: Bild -> Merkmalsvektor (Normalisierung, Crop, Backbone, Spatial Softmax, Linear+ReLU)
// INPUT: ml.Tensor [N, 3, H, W] mit Pixelwerten in [0, 1]
// OUTPUT: ml.Tensor [N, FeatureDim]
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: ml/nn, ml/nn/pooling, errgroup (parallele Backbone-Aufrufe), envconfig
// HINWEISE: Training nutzt Zufalls-Crops, Inferenz immer den Center-Crop

package vision

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/diffpolicy/envconfig"
	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
	"github.com/ollama/diffpolicy/ml/nn/pooling"
)

// EncoderConfig beschreibt Vorverarbeitung und Kopf des Encoders
type EncoderConfig struct {
	Backbone        string
	BackboneOptions []Option

	ImageHeight, ImageWidth int
	// CropHeight/CropWidth = 0 schaltet das Zuschneiden ab
	CropHeight, CropWidth int
	RandomCrop            bool

	Mean, Std    [3]float64
	NumKeypoints int
}

// RgbEncoder bildet Kamerabilder auf Merkmalsvektoren fester Laenge ab.
type RgbEncoder struct {
	cfg        EncoderConfig
	normalizer *Normalizer
	backbone   Backbone
	pool       *pooling.SpatialSoftmax
	out        *nn.Linear
	relu       nn.ReLU

	batch int
}

// NewRgbEncoder baut den Encoder. Parameternamen beginnen mit prefix.
func NewRgbEncoder(prefix string, cfg EncoderConfig, g *ml.Generator) (*RgbEncoder, error) {
	normalizer, err := NewNormalizer(cfg.Mean, cfg.Std)
	if err != nil {
		return nil, err
	}
	if cfg.NumKeypoints <= 0 {
		return nil, fmt.Errorf("vision: keypoints must be positive, got %d", cfg.NumKeypoints)
	}

	backbone, err := NewBackbone(cfg.Backbone, cfg.BackboneOptions...)
	if err != nil {
		return nil, err
	}
	nn.Prefixed(prefix+"backbone.", backbone.Parameters())

	h, w := cfg.ImageHeight, cfg.ImageWidth
	if cfg.CropHeight > 0 {
		if cfg.CropHeight > h || cfg.CropWidth > w {
			return nil, fmt.Errorf("vision: crop %dx%d larger than image %dx%d", cfg.CropHeight, cfg.CropWidth, h, w)
		}
		h, w = cfg.CropHeight, cfg.CropWidth
	}
	shape, err := FeatureShape(backbone, 3, h, w)
	if err != nil {
		return nil, err
	}

	kp := cfg.NumKeypoints
	return &RgbEncoder{
		cfg:        cfg,
		normalizer: normalizer,
		backbone:   backbone,
		pool:       pooling.New(prefix+"pool", shape[0], shape[1], shape[2], kp, g),
		out:        nn.NewLinear(prefix+"out", 2*kp, 2*kp, g),
	}, nil
}

// FeatureDim ist die Laenge des Merkmalsvektors je Bild
func (e *RgbEncoder) FeatureDim() int { return 2 * e.cfg.NumKeypoints }

// Forward kodiert x [N, 3, H, W]. Im Training wird zufaellig zugeschnitten, sonst zentriert.
func (e *RgbEncoder) Forward(ctx context.Context, x *ml.Tensor, training bool, g *ml.Generator) (*ml.Tensor, error) {
	if x.Rank() != 4 || x.Dim(1) != 3 || x.Dim(2) != e.cfg.ImageHeight || x.Dim(3) != e.cfg.ImageWidth {
		return nil, fmt.Errorf("vision: expected images [N, 3, %d, %d], got %v", e.cfg.ImageHeight, e.cfg.ImageWidth, x.Shape())
	}

	x = e.normalizer.Apply(x)
	if e.cfg.CropHeight > 0 {
		var err error
		if training && e.cfg.RandomCrop {
			x, err = RandomCrop(x, e.cfg.CropHeight, e.cfg.CropWidth, g)
		} else {
			x, err = CenterCrop(x, e.cfg.CropHeight, e.cfg.CropWidth)
		}
		if err != nil {
			return nil, err
		}
	}

	n := x.Dim(0)
	maps := make([]*ml.Tensor, n)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, int(envconfig.NumParallel())))
	for i := range n {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := e.backbone.Forward(x.Row(i))
			if err != nil {
				return err
			}
			maps[i] = m
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	kp := e.pool.Forward(ml.Stack(maps...))
	e.batch = n
	return e.relu.Forward(e.out.Forward(kp.Reshape(n, -1))), nil
}

// Backward akkumuliert die Gradienten von Kopf und Pooling. Das Backbone bleibt eingefroren.
func (e *RgbEncoder) Backward(dy *ml.Tensor) {
	d := e.out.Backward(e.relu.Backward(dy))
	e.pool.Backward(d.Reshape(e.batch, e.cfg.NumKeypoints, 2))
}

func (e *RgbEncoder) Parameters() []*nn.Param {
	params := e.backbone.Parameters()
	params = append(params, e.pool.Parameters()...)
	return append(params, e.out.Parameters()...)
}
