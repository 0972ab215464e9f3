// Package ema haelt einen exponentiell gemittelten Schatten der Modellgewichte.
package ema

import (
	"fmt"
	"math"

	"github.com/ollama/diffpolicy/ml/nn"
)

type Config struct {
	UpdateAfterStep int
	InvGamma        float64
	Power           float64
	MinAlpha        float64
	MaxAlpha        float64
}

func DefaultConfig() Config {
	return Config{InvGamma: 1, Power: 0.75, MinAlpha: 0, MaxAlpha: 0.9999}
}

// EMA mittelt die Parameter eines Live-Modells in ein Schattenmodell gleicher Struktur.
type EMA struct {
	cfg    Config
	shadow nn.Module

	alpha float64
	step  int
}

func New(cfg Config, shadow nn.Module) *EMA {
	return &EMA{cfg: cfg, shadow: shadow}
}

// Decay berechnet den Mittelungsfaktor fuer Optimierungsschritt step
func (e *EMA) Decay(step int) float64 {
	s := max(0, step-e.cfg.UpdateAfterStep-1)
	if s <= 0 {
		return 0
	}
	value := 1 - math.Pow(1+float64(s)/e.cfg.InvGamma, -e.cfg.Power)
	return math.Max(e.cfg.MinAlpha, math.Min(value, e.cfg.MaxAlpha))
}

// Alpha ist der zuletzt verwendete Mittelungsfaktor
func (e *EMA) Alpha() float64 { return e.alpha }

// Steps ist die Anzahl bisheriger Updates
func (e *EMA) Steps() int { return e.step }

// SetSteps setzt den Zaehler, etwa beim Fortsetzen aus einem Checkpoint
func (e *EMA) SetSteps(n int) { e.step = max(0, n) }

// Step mittelt live in den Schatten. Parameter von Normalisierungsschichten und
// nicht trainierbare Tensoren werden direkt kopiert.
func (e *EMA) Step(live nn.Module) error {
	e.alpha = e.Decay(e.step)

	src, dst := live.Parameters(), e.shadow.Parameters()
	if len(src) != len(dst) {
		return fmt.Errorf("ema: live model has %d parameters, shadow has %d", len(src), len(dst))
	}
	for i, p := range src {
		q := dst[i]
		if p.Name != q.Name {
			return fmt.Errorf("ema: parameter %d is %q in live model but %q in shadow", i, p.Name, q.Name)
		}
		if p.Norm || !p.Trainable {
			if err := nn.Assign(q, p.Value); err != nil {
				return fmt.Errorf("ema: %w", err)
			}
			continue
		}
		shadow, value := q.Value.Data(), p.Value.Data()
		for j := range shadow {
			shadow[j] = e.alpha*shadow[j] + (1-e.alpha)*value[j]
		}
	}

	e.step++
	return nil
}
