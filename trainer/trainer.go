// Modul: trainer.go
// Beschreibung: Offline-Trainingsschleife fuer die Diffusion Policy.
// Mischt den Datensatz pro Epoche, fuehrt Optimierungsschritte aus,
// protokolliert Metriken und schreibt Checkpoints.

package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/policy"
	"github.com/ollama/diffpolicy/store"
)

var ErrEmptyDataset = errors.New("trainer: dataset is empty")

// Recorder nimmt Laeufe und Schritt-Metriken entgegen. *store.Store erfuellt es.
type Recorder interface {
	CreateRun(config json.RawMessage) (string, error)
	RecordStep(runID string, step store.Step) error
	FinishRun(runID, checkpoint string) error
}

type Config struct {
	Steps     int
	BatchSize int
	LogFreq   int
	// SaveFreq 0 speichert nur am Ende
	SaveFreq  int
	OutputDir string
	Seed      uint64
}

func (c Config) validate() error {
	switch {
	case c.Steps <= 0:
		return fmt.Errorf("trainer: steps must be positive, got %d", c.Steps)
	case c.BatchSize <= 0:
		return fmt.Errorf("trainer: batch size must be positive, got %d", c.BatchSize)
	case c.LogFreq < 0 || c.SaveFreq < 0:
		return errors.New("trainer: log and save frequency must not be negative")
	case c.OutputDir == "":
		return errors.New("trainer: output dir is required")
	}
	return nil
}

// Result fasst einen beendeten Lauf zusammen
type Result struct {
	RunID      string
	Steps      int
	LastLoss   float64
	Checkpoint string
}

type Trainer struct {
	cfg    Config
	policy *policy.Policy
	data   Dataset
	rec    Recorder
}

// New erzeugt einen Trainer. rec darf nil sein, dann werden keine Metriken gespeichert.
func New(cfg Config, p *policy.Policy, data Dataset, rec Recorder) (*Trainer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if data.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	return &Trainer{cfg: cfg, policy: p, data: data, rec: rec}, nil
}

// CheckpointPath ist der Pfad des Checkpoints nach step Schritten
func (t *Trainer) CheckpointPath(step int) string {
	return filepath.Join(t.cfg.OutputDir, "checkpoints", fmt.Sprintf("%06d", step), "model.safetensors")
}

// Run trainiert bis cfg.Steps Optimierungsschritte erreicht sind.
// Abbruch ueber ctx wird zwischen den Schritten geprueft.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		return Result{}, err
	}

	var res Result
	if t.rec != nil {
		cfg, err := json.Marshal(t.policy.Config())
		if err != nil {
			return res, err
		}
		if res.RunID, err = t.rec.CreateRun(cfg); err != nil {
			return res, err
		}
	}

	t.policy.Train()
	defer t.policy.Eval()

	g := ml.NewGenerator(t.cfg.Seed)
	n := t.data.Len()
	slog.Info("training started", "run", res.RunID, "steps", t.cfg.Steps, "batch_size", t.cfg.BatchSize, "samples", n, "start_step", t.policy.Step())

	saved := -1
	for epoch := 0; res.Steps < t.cfg.Steps; epoch++ {
		perm := g.Perm(n)
		for start := 0; start < n && res.Steps < t.cfg.Steps; start += t.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return res, err
			}

			batch, err := t.data.Batch(perm[start:min(start+t.cfg.BatchSize, n)])
			if err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}

			info, err := t.policy.TrainStep(ctx, batch)
			if err != nil {
				return res, fmt.Errorf("step %d: %w", t.policy.Step()+1, err)
			}
			res.Steps++
			res.LastLoss = info.Loss

			if t.cfg.LogFreq > 0 && res.Steps%t.cfg.LogFreq == 0 {
				slog.Info("train", "step", info.Step, "epoch", epoch, "loss", info.Loss, "grad_norm", info.GradNorm, "lr", info.LR, "update_s", info.UpdateS)
			}

			if t.rec != nil {
				if err := t.rec.RecordStep(res.RunID, store.Step{
					Step:     info.Step,
					Loss:     info.Loss,
					GradNorm: info.GradNorm,
					LR:       info.LR,
					UpdateS:  info.UpdateS,
				}); err != nil {
					return res, err
				}
			}

			if t.cfg.SaveFreq > 0 && res.Steps%t.cfg.SaveFreq == 0 {
				if err := t.save(&res); err != nil {
					return res, err
				}
				saved = res.Steps
			}
		}
	}

	if saved != res.Steps {
		if err := t.save(&res); err != nil {
			return res, err
		}
	}

	if t.rec != nil {
		if err := t.rec.FinishRun(res.RunID, res.Checkpoint); err != nil {
			return res, err
		}
	}

	slog.Info("training finished", "run", res.RunID, "steps", res.Steps, "loss", res.LastLoss, "checkpoint", res.Checkpoint)
	return res, nil
}

func (t *Trainer) save(res *Result) error {
	path := t.CheckpointPath(t.policy.Step())
	if err := t.policy.Save(path); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	res.Checkpoint = path
	slog.Debug("checkpoint saved", "path", path, "step", t.policy.Step())
	return nil
}
