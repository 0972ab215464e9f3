package policy

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/diffpolicy/scheduler"
	"github.com/ollama/diffpolicy/vision"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.Horizon != 16 || cfg.NObsSteps != 2 || cfg.NActionSteps != 8 {
		t.Errorf("Zeitfenster = %d/%d/%d", cfg.Horizon, cfg.NObsSteps, cfg.NActionSteps)
	}
	if diff := cmp.Diff([]int{512, 1024, 2048}, cfg.DownDims); diff != "" {
		t.Errorf("DownDims (-want +got):\n%s", diff)
	}
	if cfg.inferenceSteps() != 100 || cfg.EffectiveStateDim() != 2 {
		t.Errorf("inferenceSteps = %d, stateDim = %d", cfg.inferenceSteps(), cfg.EffectiveStateDim())
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*Config)
		field string
		want  error
	}{
		{"Aktionsfenster zu gross", func(c *Config) { c.NActionSteps = 15 }, "n_action_steps", ErrInvalidActionWindow},
		{"Horizont nicht teilbar", func(c *Config) { c.Horizon = 18 }, "horizon", ErrHorizonMultiple},
		{"Crop zu gross", func(c *Config) { c.CropShape = &[2]int{100, 84} }, "crop_shape", ErrCropTooLarge},
		{"GroupNorm mit Pretrained", func(c *Config) { c.PretrainedBackboneWeights = "w.safetensors" }, "vision_backbone", vision.ErrGroupNormPretrained},
		{"v_prediction", func(c *Config) { c.PredictionType = scheduler.PredictV }, "prediction_type", scheduler.ErrUnknownPrediction},
		{"unbekannter Beta-Plan", func(c *Config) { c.BetaSchedule = "sigmoid" }, "noise_scheduler", scheduler.ErrUnknownBetaSchedule},
		{"zu viele Inferenzschritte", func(c *Config) { c.NumInferenceSteps = 101 }, "num_inference_steps", scheduler.ErrTooManyInferenceSteps},
		{"null Keypoints", func(c *Config) { c.SpatialSoftmaxNumKeypoints = 0 }, "spatial_softmax_num_keypoints", ErrNotPositive},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			err := cfg.Validate()

			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() = %v, erwartet *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, erwartet %q", cfgErr.Field, tt.field)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, erwartet %v", err, tt.want)
			}
		})
	}
}

func TestConfigBatchNormPretrained(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseGroupNorm = false
	cfg.PretrainedBackboneWeights = "w.safetensors"
	if err := cfg.Validate(); err != nil {
		t.Errorf("BatchNorm mit Pretrained sollte gueltig sein: %v", err)
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"horizon": 32, "n_action_steps": 16, "crop_shape": null, "state_dim": 0}`))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.Horizon != 32 || cfg.NActionSteps != 16 || cfg.CropShape != nil {
		t.Errorf("Felder nicht uebernommen: %+v", cfg)
	}
	if cfg.EffectiveStateDim() != cfg.ActionDim {
		t.Errorf("state_dim 0 sollte action_dim ergeben")
	}
	if cfg.KernelSize != 5 {
		t.Errorf("fehlende Felder sollten Standardwerte behalten")
	}

	if _, err := ParseConfig([]byte(`{"horizon": 16, "n_action_steps": 15}`)); !errors.Is(err, ErrInvalidActionWindow) {
		t.Errorf("got %v, erwartet ErrInvalidActionWindow", err)
	}
	if _, err := ParseConfig([]byte(`{`)); err == nil {
		t.Error("Erwartet Fehler bei kaputtem JSON")
	}
}

func TestConfigSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := DefaultConfig()
	want.NumInferenceSteps = 10
	if err := want.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
