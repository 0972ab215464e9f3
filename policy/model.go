// model.go - Bildencoder, U-Net und Rauschplan als ein Modell
//
// Dieses Modul enthaelt:
// - DiffusionModel: Konditionierung aus Beobachtungen, Rueckwaertsprozess, Trainingsverlust
// - Backward: Gradienten vom Verlust bis in den Encoder-Kopf
package policy

import (
	"context"
	"fmt"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
	"github.com/ollama/diffpolicy/scheduler"
	"github.com/ollama/diffpolicy/unet"
	"github.com/ollama/diffpolicy/vision"
)

// DiffusionModel besitzt einen vollstaendigen Parametersatz.
// Live- und Schattengewichte sind zwei getrennte Instanzen.
type DiffusionModel struct {
	cfg     Config
	encoder *vision.RgbEncoder
	unet    *unet.Unet
	sched   *scheduler.DDPM

	// Zwischenwerte aus ComputeLoss fuer Backward
	batch, nObs  int
	pred, target *ml.Tensor
	mask         []float64
}

// NewDiffusionModel baut das Modell. cfg muss validiert sein.
func NewDiffusionModel(cfg Config, g *ml.Generator) (*DiffusionModel, error) {
	encoder, err := vision.NewRgbEncoder("rgb_encoder.", cfg.encoderConfig(), g)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(cfg.schedulerConfig())
	if err != nil {
		return nil, err
	}
	if err := sched.SetTimesteps(cfg.inferenceSteps()); err != nil {
		return nil, err
	}

	condDim := (cfg.EffectiveStateDim() + encoder.FeatureDim()) * cfg.NObsSteps
	net := unet.New("unet.", unet.Config{
		ActionDim:             cfg.ActionDim,
		GlobalCondDim:         condDim,
		DownDims:              cfg.DownDims,
		KernelSize:            cfg.KernelSize,
		NGroups:               cfg.NGroups,
		DiffusionStepEmbedDim: cfg.DiffusionStepEmbedDim,
		FiLMScaleModulation:   cfg.UseFilmScaleModulation,
	}, g)

	return &DiffusionModel{cfg: cfg, encoder: encoder, unet: net, sched: sched}, nil
}

// Parameters liefert zuerst die Encoder-, dann die U-Net-Parameter
func (m *DiffusionModel) Parameters() []*nn.Param {
	return append(m.encoder.Parameters(), m.unet.Parameters()...)
}

// GlobalCond kodiert images [B, n, 3, H, W] und haengt die Zustaende states [B, n, S]
// davor: Ergebnis [B, n * (S + F)].
func (m *DiffusionModel) GlobalCond(ctx context.Context, images, states *ml.Tensor, training bool, g *ml.Generator) (*ml.Tensor, error) {
	batch, n := states.Dim(0), states.Dim(1)
	if n != m.cfg.NObsSteps {
		return nil, fmt.Errorf("%w: %d observation steps, expected %d", ErrObservationShape, n, m.cfg.NObsSteps)
	}

	flat := images.Reshape(append([]int{batch * n}, images.Shape()[2:]...)...)
	features, err := m.encoder.Forward(ctx, flat, training, g)
	if err != nil {
		return nil, fmt.Errorf("encode images: %w", err)
	}
	features = features.Reshape(batch, n, m.encoder.FeatureDim())

	m.batch, m.nObs = batch, n
	return ml.Concat(2, states, features).Reshape(batch, -1), nil
}

// ConditionalSample fuehrt den kompletten Rueckwaertsprozess aus und liefert [B, horizon, A]
func (m *DiffusionModel) ConditionalSample(ctx context.Context, batch int, globalCond *ml.Tensor, g *ml.Generator) (*ml.Tensor, error) {
	denoise := func(sample *ml.Tensor, t int) (*ml.Tensor, error) {
		timesteps := make([]int, batch)
		for i := range timesteps {
			timesteps[i] = t
		}
		return m.unet.Forward(sample, timesteps, globalCond)
	}

	rev, err := m.sched.NewReverse([]int{batch, m.cfg.Horizon, m.cfg.ActionDim}, denoise, g)
	if err != nil {
		return nil, err
	}
	return rev.Run(ctx)
}

// GenerateActions erzeugt [B, n_action_steps, A] ab der aktuellen Beobachtung
func (m *DiffusionModel) GenerateActions(ctx context.Context, images, states *ml.Tensor, training bool, g *ml.Generator) (*ml.Tensor, error) {
	cond, err := m.GlobalCond(ctx, images, states, training, g)
	if err != nil {
		return nil, err
	}
	sample, err := m.ConditionalSample(ctx, states.Dim(0), cond, g)
	if err != nil {
		return nil, err
	}

	start := m.cfg.NObsSteps - 1
	return sample.Narrow(1, start, start+m.cfg.NActionSteps), nil
}

// ComputeLoss verrauscht die Trajektorie zu zufaelligen Zeitpunkten und misst den
// quadratischen Fehler der Vorhersage. Aufgefuellte Zeitschritte zaehlen als 0,
// gemittelt wird ueber alle Elemente.
func (m *DiffusionModel) ComputeLoss(ctx context.Context, b *TrainingBatch, g *ml.Generator) (float64, error) {
	if err := b.validate(&m.cfg); err != nil {
		return 0, err
	}

	cond, err := m.GlobalCond(ctx, b.Images, b.States, true, g)
	if err != nil {
		return 0, err
	}

	trajectory := b.Actions
	eps := g.Normal(trajectory.Shape()...)
	timesteps := make([]int, b.Size())
	for i := range timesteps {
		timesteps[i] = g.IntN(m.sched.NumTrainTimesteps())
	}
	noisy, err := m.sched.AddNoise(trajectory, eps, timesteps)
	if err != nil {
		return 0, err
	}

	pred, err := m.unet.Forward(noisy, timesteps, cond)
	if err != nil {
		return 0, err
	}

	var target *ml.Tensor
	switch m.cfg.PredictionType {
	case scheduler.PredictEpsilon:
		target = eps
	case scheduler.PredictSample:
		target = trajectory
	default:
		return 0, fmt.Errorf("%w: %q", scheduler.ErrUnknownPrediction, m.cfg.PredictionType)
	}

	mask := make([]float64, trajectory.Len())
	for i := range mask {
		if b.ActionIsPad == nil || !b.ActionIsPad[i/m.cfg.ActionDim] {
			mask[i] = 1
		}
	}

	var sum float64
	p, t := pred.Data(), target.Data()
	for i := range p {
		d := p[i] - t[i]
		sum += mask[i] * d * d
	}

	m.pred, m.target, m.mask = pred, target, mask
	return sum / float64(len(p)), nil
}

// Backward leitet den letzten Verlust aus ComputeLoss ab und akkumuliert die Gradienten
func (m *DiffusionModel) Backward() error {
	if m.pred == nil {
		return fmt.Errorf("policy: backward without a preceding loss")
	}

	dpred := ml.Zeros(m.pred.Shape()...)
	d, p, t := dpred.Data(), m.pred.Data(), m.target.Data()
	scale := 2 / float64(len(d))
	for i := range d {
		d[i] = scale * m.mask[i] * (p[i] - t[i])
	}

	dcond := m.unet.Backward(dpred)
	stateDim, featureDim := m.cfg.EffectiveStateDim(), m.encoder.FeatureDim()
	dfeatures := dcond.Reshape(m.batch, m.nObs, stateDim+featureDim).Narrow(2, stateDim, stateDim+featureDim)
	m.encoder.Backward(dfeatures.Reshape(m.batch*m.nObs, featureDim))

	m.pred, m.target, m.mask = nil, nil, nil
	return nil
}
