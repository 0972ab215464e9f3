// MODUL: config
// ZWECK: Konfiguration der Diffusion Policy (Eingaben, Vision, U-Net, Rauschplan, Training, EMA)
// INPUT: JSON-Datei oder DefaultConfig()
// OUTPUT: validierte Config, Fehler als *ConfigError
// NEBENEFFEKTE: Dateisystem-Zugriff bei LoadConfig/Save
// ABHAENGIGKEITEN: scheduler, vision, optim (Namenskonstanten)
// HINWEISE: JSON-Feldnamen folgen den Namen der Referenzkonfiguration

package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/ollama/diffpolicy/ema"
	"github.com/ollama/diffpolicy/scheduler"
	"github.com/ollama/diffpolicy/vision"
)

// ============================================================================
// Fehler-Definitionen fuer Config
// ============================================================================

var (
	ErrInvalidActionWindow = errors.New("n_action_steps must be smaller than horizon - n_obs_steps + 1")
	ErrHorizonMultiple     = errors.New("horizon must be divisible by 2^(len(down_dims)-1)")
	ErrCropTooLarge        = errors.New("crop shape must fit inside the image")
	ErrNotPositive         = errors.New("must be positive")
)

// ConfigError beschreibt ein ungueltiges Konfigurationsfeld
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("policy: invalid config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config enthaelt alle Hyperparameter der Policy
type Config struct {
	// Eingaben und Ausgaben
	NObsSteps    int    `json:"n_obs_steps"`
	Horizon      int    `json:"horizon"`
	NActionSteps int    `json:"n_action_steps"`
	StateDim     int    `json:"state_dim"`
	ActionDim    int    `json:"action_dim"`
	ImageShape   [3]int `json:"image_shape"` // C, H, W

	// Vision
	VisionBackbone             string     `json:"vision_backbone"`
	BackboneChannels           []int      `json:"backbone_channels"`
	PretrainedBackboneWeights  string     `json:"pretrained_backbone_weights,omitempty"`
	UseGroupNorm               bool       `json:"use_group_norm"`
	CropShape                  *[2]int    `json:"crop_shape"`
	CropIsRandom               bool       `json:"crop_is_random"`
	SpatialSoftmaxNumKeypoints int        `json:"spatial_softmax_num_keypoints"`
	ImageNormalizationMean     [3]float64 `json:"image_normalization_mean"`
	ImageNormalizationStd      [3]float64 `json:"image_normalization_std"`

	// U-Net
	DownDims               []int `json:"down_dims"`
	KernelSize             int   `json:"kernel_size"`
	NGroups                int   `json:"n_groups"`
	DiffusionStepEmbedDim  int   `json:"diffusion_step_embed_dim"`
	UseFilmScaleModulation bool  `json:"use_film_scale_modulation"`

	// Rauschplan
	NumTrainTimesteps int     `json:"num_train_timesteps"`
	BetaSchedule      string  `json:"beta_schedule"`
	BetaStart         float64 `json:"beta_start"`
	BetaEnd           float64 `json:"beta_end"`
	PredictionType    string  `json:"prediction_type"`
	ClipSample        bool    `json:"clip_sample"`
	ClipSampleRange   float64 `json:"clip_sample_range"`
	TimestepSpacing   string  `json:"timestep_spacing"`
	// 0 bedeutet NumTrainTimesteps
	NumInferenceSteps int `json:"num_inference_steps"`

	// Training
	LR              float64    `json:"lr"`
	AdamBetas       [2]float64 `json:"adam_betas"`
	AdamEps         float64    `json:"adam_eps"`
	AdamWeightDecay float64    `json:"adam_weight_decay"`
	GradClipNorm    float64    `json:"grad_clip_norm"`
	LRScheduler     string     `json:"lr_scheduler"`
	LRWarmupSteps   int        `json:"lr_warmup_steps"`
	OfflineSteps    int        `json:"offline_steps"`

	// EMA
	UseEMA             bool    `json:"use_ema"`
	EMAUpdateAfterStep int     `json:"ema_update_after_step"`
	EMAMinAlpha        float64 `json:"ema_min_alpha"`
	EMAMaxAlpha        float64 `json:"ema_max_alpha"`
	EMAInvGamma        float64 `json:"ema_inv_gamma"`
	EMAPower           float64 `json:"ema_power"`

	// Startwert fuer Initialisierung, Rauschen und Crops
	Seed uint64 `json:"seed"`
}

// DefaultConfig gibt die Standardwerte zurueck (PushT-Aufgabe, 96x96 Kamerabild)
func DefaultConfig() Config {
	crop := [2]int{84, 84}
	return Config{
		NObsSteps:    2,
		Horizon:      16,
		NActionSteps: 8,
		StateDim:     2,
		ActionDim:    2,
		ImageShape:   [3]int{3, 96, 96},

		VisionBackbone:             vision.ConvNetName,
		BackboneChannels:           []int{32, 64, 128},
		UseGroupNorm:               true,
		CropShape:                  &crop,
		CropIsRandom:               true,
		SpatialSoftmaxNumKeypoints: 32,
		ImageNormalizationMean:     vision.SymmetricMean,
		ImageNormalizationStd:      vision.SymmetricStd,

		DownDims:               []int{512, 1024, 2048},
		KernelSize:             5,
		NGroups:                8,
		DiffusionStepEmbedDim:  128,
		UseFilmScaleModulation: true,

		NumTrainTimesteps: 100,
		BetaSchedule:      scheduler.BetaCosine,
		BetaStart:         1e-4,
		BetaEnd:           0.02,
		PredictionType:    scheduler.PredictEpsilon,
		ClipSample:        true,
		ClipSampleRange:   1.0,
		TimestepSpacing:   scheduler.SpacingLeading,

		LR:              1e-4,
		AdamBetas:       [2]float64{0.95, 0.999},
		AdamEps:         1e-8,
		AdamWeightDecay: 1e-6,
		GradClipNorm:    10,
		LRScheduler:     "cosine",
		LRWarmupSteps:   500,
		OfflineSteps:    200000,

		UseEMA:             true,
		EMAUpdateAfterStep: 0,
		EMAMinAlpha:        0.0,
		EMAMaxAlpha:        0.9999,
		EMAInvGamma:        1.0,
		EMAPower:           0.75,

		Seed: 1000,
	}
}

// EffectiveStateDim liefert StateDim, 0 bedeutet gleich ActionDim
func (c *Config) EffectiveStateDim() int {
	if c.StateDim == 0 {
		return c.ActionDim
	}
	return c.StateDim
}

// inferenceSteps liefert NumInferenceSteps, 0 bedeutet NumTrainTimesteps
func (c *Config) inferenceSteps() int {
	if c.NumInferenceSteps == 0 {
		return c.NumTrainTimesteps
	}
	return c.NumInferenceSteps
}

// Validate prueft die Konfiguration
func (c *Config) Validate() error {
	positive := map[string]int{
		"n_obs_steps":                   c.NObsSteps,
		"horizon":                       c.Horizon,
		"n_action_steps":                c.NActionSteps,
		"action_dim":                    c.ActionDim,
		"spatial_softmax_num_keypoints": c.SpatialSoftmaxNumKeypoints,
		"kernel_size":                   c.KernelSize,
		"n_groups":                      c.NGroups,
		"diffusion_step_embed_dim":      c.DiffusionStepEmbedDim,
		"num_train_timesteps":           c.NumTrainTimesteps,
	}
	for _, field := range slices.Sorted(maps.Keys(positive)) {
		if positive[field] <= 0 {
			return &ConfigError{Field: field, Err: ErrNotPositive}
		}
	}

	if c.NActionSteps >= c.Horizon-c.NObsSteps+1 {
		return &ConfigError{
			Field: "n_action_steps",
			Err:   fmt.Errorf("%w: got n_action_steps=%d, horizon=%d, n_obs_steps=%d", ErrInvalidActionWindow, c.NActionSteps, c.Horizon, c.NObsSteps),
		}
	}

	if len(c.DownDims) == 0 {
		return &ConfigError{Field: "down_dims", Err: errors.New("at least one stage required")}
	}
	for _, d := range c.DownDims {
		if d <= 0 || d%c.NGroups != 0 {
			return &ConfigError{Field: "down_dims", Err: fmt.Errorf("%v not divisible into %d groups", c.DownDims, c.NGroups)}
		}
	}
	if m := 1 << (len(c.DownDims) - 1); c.Horizon%m != 0 {
		return &ConfigError{Field: "horizon", Err: fmt.Errorf("%w: %d %% %d != 0", ErrHorizonMultiple, c.Horizon, m)}
	}

	if c.ImageShape[0] != 3 || c.ImageShape[1] <= 0 || c.ImageShape[2] <= 0 {
		return &ConfigError{Field: "image_shape", Err: fmt.Errorf("expected [3, H, W], got %v", c.ImageShape)}
	}
	if c.CropShape != nil {
		if c.CropShape[0] <= 0 || c.CropShape[1] <= 0 || c.CropShape[0] > c.ImageShape[1] || c.CropShape[1] > c.ImageShape[2] {
			return &ConfigError{Field: "crop_shape", Err: fmt.Errorf("%w: crop %v, image %v", ErrCropTooLarge, *c.CropShape, c.ImageShape)}
		}
	}

	opts := vision.DefaultBackboneOptions()
	opts.Apply(c.backboneOptions()...)
	if err := opts.Validate(); err != nil {
		return &ConfigError{Field: "vision_backbone", Err: err}
	}

	switch c.PredictionType {
	case scheduler.PredictEpsilon, scheduler.PredictSample:
	default:
		return &ConfigError{Field: "prediction_type", Err: fmt.Errorf("%w: %q", scheduler.ErrUnknownPrediction, c.PredictionType)}
	}
	if _, err := scheduler.New(c.schedulerConfig()); err != nil {
		return &ConfigError{Field: "noise_scheduler", Err: err}
	}
	if n := c.inferenceSteps(); n < 0 || n > c.NumTrainTimesteps {
		return &ConfigError{Field: "num_inference_steps", Err: fmt.Errorf("%w: %d > %d", scheduler.ErrTooManyInferenceSteps, n, c.NumTrainTimesteps)}
	}

	if c.UseEMA && (c.EMAInvGamma <= 0 || c.EMAMinAlpha > c.EMAMaxAlpha) {
		return &ConfigError{Field: "ema", Err: fmt.Errorf("inv_gamma=%v, min_alpha=%v, max_alpha=%v", c.EMAInvGamma, c.EMAMinAlpha, c.EMAMaxAlpha)}
	}
	return nil
}

func (c *Config) backboneOptions() []vision.Option {
	opts := []vision.Option{vision.WithGroupNorm(c.UseGroupNorm), vision.WithChannels(c.BackboneChannels...)}
	if c.PretrainedBackboneWeights != "" {
		opts = append(opts, vision.WithPretrained(c.PretrainedBackboneWeights))
	}
	return opts
}

func (c *Config) encoderConfig() vision.EncoderConfig {
	ec := vision.EncoderConfig{
		Backbone:        c.VisionBackbone,
		BackboneOptions: c.backboneOptions(),
		ImageHeight:     c.ImageShape[1],
		ImageWidth:      c.ImageShape[2],
		RandomCrop:      c.CropIsRandom,
		Mean:            c.ImageNormalizationMean,
		Std:             c.ImageNormalizationStd,
		NumKeypoints:    c.SpatialSoftmaxNumKeypoints,
	}
	if c.CropShape != nil {
		ec.CropHeight, ec.CropWidth = c.CropShape[0], c.CropShape[1]
	}
	return ec
}

func (c *Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		NumTrainTimesteps: c.NumTrainTimesteps,
		BetaStart:         c.BetaStart,
		BetaEnd:           c.BetaEnd,
		BetaSchedule:      c.BetaSchedule,
		PredictionType:    c.PredictionType,
		ClipSample:        c.ClipSample,
		ClipSampleRange:   c.ClipSampleRange,
		TimestepSpacing:   c.TimestepSpacing,
	}
}

func (c *Config) emaConfig() ema.Config {
	return ema.Config{
		UpdateAfterStep: c.EMAUpdateAfterStep,
		InvGamma:        c.EMAInvGamma,
		Power:           c.EMAPower,
		MinAlpha:        c.EMAMinAlpha,
		MaxAlpha:        c.EMAMaxAlpha,
	}
}

// LoadConfig liest eine JSON-Konfiguration. Fehlende Felder behalten die Standardwerte.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse policy config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save schreibt die Konfiguration als eingerueckte JSON-Datei
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
