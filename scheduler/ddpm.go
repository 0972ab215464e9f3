// ddpm.go - DDPM-Rauschplan fuer Training und Sampling
//
// Dieses Modul enthaelt:
// - Config: Parameter des Rauschplans
// - DDPM: Beta-Tabelle, kumulative Retention, Vorwaerts-Verrauschung
// - SetTimesteps/Step: Inferenz-Zeitpunkte und Posterior-Update
//
// Die Retention-Tabelle ist so indiziert, dass Zeitpunkt 0 unverrauscht ist:
// alphaBar[0] = 1 und alphaBar[t] = prod_{i<t} (1 - beta_i).
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/ollama/diffpolicy/ml"
)

var (
	ErrUnknownBetaSchedule   = errors.New("unknown beta schedule")
	ErrUnknownPrediction     = errors.New("unknown prediction type")
	ErrUnknownSpacing        = errors.New("unknown timestep spacing")
	ErrTimestepsNotSet       = errors.New("inference timesteps not set")
	ErrInvalidTimestep       = errors.New("timestep out of range")
	ErrTooManyInferenceSteps = errors.New("more inference steps than training timesteps")
)

const (
	BetaLinear       = "linear"
	BetaScaledLinear = "scaled_linear"
	BetaCosine       = "squaredcos_cap_v2"

	PredictEpsilon = "epsilon"
	PredictSample  = "sample"
	PredictV       = "v_prediction"

	SpacingLeading  = "leading"
	SpacingTrailing = "trailing"
	SpacingLinspace = "linspace"
)

// Config beschreibt den Rauschplan
type Config struct {
	NumTrainTimesteps int
	BetaStart         float64
	BetaEnd           float64
	BetaSchedule      string
	PredictionType    string
	ClipSample        bool
	ClipSampleRange   float64
	TimestepSpacing   string
}

// DefaultConfig entspricht den Standardwerten der Policy
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 100,
		BetaStart:         1e-4,
		BetaEnd:           0.02,
		BetaSchedule:      BetaCosine,
		PredictionType:    PredictEpsilon,
		ClipSample:        true,
		ClipSampleRange:   1,
		TimestepSpacing:   SpacingLeading,
	}
}

// DDPM haelt die vorberechneten Tabellen. Nach SetTimesteps unveraenderlich.
type DDPM struct {
	cfg Config

	betas    []float64
	alphaBar []float64

	timesteps []int
	stride    int
}

func New(cfg Config) (*DDPM, error) {
	if cfg.NumTrainTimesteps <= 0 {
		return nil, fmt.Errorf("num train timesteps must be positive, got %d", cfg.NumTrainTimesteps)
	}
	if cfg.TimestepSpacing == "" {
		cfg.TimestepSpacing = SpacingLeading
	}
	switch cfg.PredictionType {
	case PredictEpsilon, PredictSample, PredictV:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrediction, cfg.PredictionType)
	}
	switch cfg.TimestepSpacing {
	case SpacingLeading, SpacingTrailing, SpacingLinspace:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpacing, cfg.TimestepSpacing)
	}

	betas, err := makeBetas(cfg)
	if err != nil {
		return nil, err
	}

	alphaBar := make([]float64, len(betas))
	alphaBar[0] = 1
	for t := 1; t < len(betas); t++ {
		alphaBar[t] = alphaBar[t-1] * (1 - betas[t-1])
	}

	return &DDPM{cfg: cfg, betas: betas, alphaBar: alphaBar}, nil
}

func makeBetas(cfg Config) ([]float64, error) {
	n := cfg.NumTrainTimesteps
	betas := make([]float64, n)
	switch cfg.BetaSchedule {
	case BetaLinear:
		for i := range n {
			betas[i] = lerp(cfg.BetaStart, cfg.BetaEnd, i, n)
		}
	case BetaScaledLinear:
		lo, hi := math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd)
		for i := range n {
			b := lerp(lo, hi, i, n)
			betas[i] = b * b
		}
	case BetaCosine:
		alpha := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		for i := range n {
			t1, t2 := float64(i)/float64(n), float64(i+1)/float64(n)
			betas[i] = math.Min(1-alpha(t2)/alpha(t1), 0.999)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBetaSchedule, cfg.BetaSchedule)
	}
	return betas, nil
}

func lerp(lo, hi float64, i, n int) float64 {
	if n == 1 {
		return lo
	}
	return lo + (hi-lo)*float64(i)/float64(n-1)
}

func (s *DDPM) Config() Config { return s.cfg }

func (s *DDPM) NumTrainTimesteps() int { return s.cfg.NumTrainTimesteps }

// AlphaBar gibt eine Kopie der kumulativen Retention-Tabelle zurueck
func (s *DDPM) AlphaBar() []float64 { return slices.Clone(s.alphaBar) }

func (s *DDPM) Betas() []float64 { return slices.Clone(s.betas) }

func (s *DDPM) checkTimestep(t int) error {
	if t < 0 || t >= s.cfg.NumTrainTimesteps {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidTimestep, t, s.cfg.NumTrainTimesteps)
	}
	return nil
}

// AddNoise berechnet sqrt(alphaBar_t) * x0 + sqrt(1 - alphaBar_t) * noise.
// x0 und noise haben die Form [B, ...], timesteps enthaelt einen Zeitpunkt je Batch-Element.
func (s *DDPM) AddNoise(x0, noise *ml.Tensor, timesteps []int) (*ml.Tensor, error) {
	if !ml.SameShape(x0, noise) {
		return nil, fmt.Errorf("sample shape %v does not match noise shape %v", x0.Shape(), noise.Shape())
	}
	if len(timesteps) != x0.Dim(0) {
		return nil, fmt.Errorf("got %d timesteps for batch of %d", len(timesteps), x0.Dim(0))
	}

	out := ml.Zeros(x0.Shape()...)
	stride := x0.Len() / x0.Dim(0)
	xs, ns, dst := x0.Data(), noise.Data(), out.Data()
	for b, t := range timesteps {
		if err := s.checkTimestep(t); err != nil {
			return nil, err
		}
		signal, sigma := math.Sqrt(s.alphaBar[t]), math.Sqrt(1-s.alphaBar[t])
		for i := b * stride; i < (b+1)*stride; i++ {
			dst[i] = signal*xs[i] + sigma*ns[i]
		}
	}
	return out, nil
}

// SetTimesteps legt die absteigende Folge der Inferenz-Zeitpunkte fest
func (s *DDPM) SetTimesteps(n int) error {
	total := s.cfg.NumTrainTimesteps
	if n <= 0 {
		return fmt.Errorf("inference steps must be positive, got %d", n)
	}
	if n > total {
		return fmt.Errorf("%w: %d > %d", ErrTooManyInferenceSteps, n, total)
	}

	ts := make([]int, n)
	switch s.cfg.TimestepSpacing {
	case SpacingLeading:
		ratio := total / n
		for i := range n {
			ts[i] = (n - 1 - i) * ratio
		}
	case SpacingTrailing:
		ratio := float64(total) / float64(n)
		for i := range n {
			ts[i] = int(math.RoundToEven(float64(total)-float64(i)*ratio)) - 1
		}
	case SpacingLinspace:
		for i := range n {
			ts[n-1-i] = int(math.RoundToEven(lerp(0, float64(total-1), i, n)))
		}
	}

	s.timesteps = ts
	s.stride = total / n
	return nil
}

// Timesteps gibt die absteigenden Inferenz-Zeitpunkte zurueck
func (s *DDPM) Timesteps() []int { return slices.Clone(s.timesteps) }

// PreviousTimestep ist der naechste (weniger verrauschte) Zeitpunkt nach t. Kann negativ sein.
func (s *DDPM) PreviousTimestep(t int) int {
	return t - s.stride
}

// Step fuehrt einen Rueckwaertsschritt von t nach PreviousTimestep(t) aus.
// Rauschen wird nur fuer t > 0 gezogen.
func (s *DDPM) Step(modelOutput *ml.Tensor, t int, sample *ml.Tensor, g *ml.Generator) (*ml.Tensor, error) {
	if s.timesteps == nil {
		return nil, ErrTimestepsNotSet
	}
	if err := s.checkTimestep(t); err != nil {
		return nil, err
	}
	if !ml.SameShape(modelOutput, sample) {
		return nil, fmt.Errorf("model output shape %v does not match sample shape %v", modelOutput.Shape(), sample.Shape())
	}

	prev := s.PreviousTimestep(t)
	abT := s.alphaBar[t]
	abPrev := 1.0
	if prev >= 0 {
		abPrev = s.alphaBar[prev]
	}
	betaBarT := 1 - abT
	betaBarPrev := 1 - abPrev
	alphaT := abT / abPrev
	betaT := 1 - alphaT

	x0 := s.predictOriginal(modelOutput, sample, abT, betaBarT)
	if s.cfg.ClipSample {
		x0.Clamp(-s.cfg.ClipSampleRange, s.cfg.ClipSampleRange)
	}
	if betaBarT == 0 {
		return x0, nil
	}

	c0 := math.Sqrt(abPrev) * betaT / betaBarT
	ct := math.Sqrt(alphaT) * betaBarPrev / betaBarT
	out := ml.Zeros(sample.Shape()...)
	dst, x0s, xs := out.Data(), x0.Data(), sample.Data()
	for i := range dst {
		dst[i] = c0*x0s[i] + ct*xs[i]
	}

	if t > 0 {
		variance := math.Max(betaBarPrev/betaBarT*betaT, 1e-20)
		out.AddScaled(math.Sqrt(variance), g.Normal(sample.Shape()...))
	}
	return out, nil
}

func (s *DDPM) predictOriginal(modelOutput, sample *ml.Tensor, abT, betaBarT float64) *ml.Tensor {
	out := ml.Zeros(sample.Shape()...)
	dst, ms, xs := out.Data(), modelOutput.Data(), sample.Data()
	switch s.cfg.PredictionType {
	case PredictEpsilon:
		for i := range dst {
			dst[i] = (xs[i] - math.Sqrt(betaBarT)*ms[i]) / math.Sqrt(abT)
		}
	case PredictSample:
		copy(dst, ms)
	case PredictV:
		for i := range dst {
			dst[i] = math.Sqrt(abT)*xs[i] - math.Sqrt(betaBarT)*ms[i]
		}
	}
	return out
}
