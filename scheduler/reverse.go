package scheduler

import (
	"context"
	"fmt"

	"github.com/ollama/diffpolicy/logutil"
	"github.com/ollama/diffpolicy/ml"
)

// Denoiser sagt fuer eine verrauschte Probe zum Zeitpunkt t das Trainingsziel voraus
type Denoiser func(sample *ml.Tensor, t int) (*ml.Tensor, error)

// Reverse ist der Rueckwaertsprozess als Zustandsmaschine.
// Zustand sind die noch offenen Zeitpunkte, jeder Uebergang ist ein
// Denoiser-Aufruf plus Posterior-Update. Nach Zeitpunkt 0 ist der Prozess fertig.
type Reverse struct {
	sched   *DDPM
	denoise Denoiser
	gen     *ml.Generator

	sample    *ml.Tensor
	remaining []int
}

// NewReverse startet bei reinem Rauschen der Form shape
func (s *DDPM) NewReverse(shape []int, denoise Denoiser, g *ml.Generator) (*Reverse, error) {
	if s.timesteps == nil {
		return nil, ErrTimestepsNotSet
	}
	return &Reverse{
		sched:     s,
		denoise:   denoise,
		gen:       g,
		sample:    g.Normal(shape...),
		remaining: s.Timesteps(),
	}, nil
}

func (r *Reverse) Done() bool { return len(r.remaining) == 0 }

// Timestep gibt den naechsten zu verarbeitenden Zeitpunkt zurueck, -1 wenn fertig
func (r *Reverse) Timestep() int {
	if r.Done() {
		return -1
	}
	return r.remaining[0]
}

// Sample gibt die aktuelle Probe zurueck
func (r *Reverse) Sample() *ml.Tensor { return r.sample }

// Advance fuehrt genau einen Entrauschungsschritt aus
func (r *Reverse) Advance() error {
	if r.Done() {
		return fmt.Errorf("reverse process already finished")
	}
	t := r.remaining[0]
	out, err := r.denoise(r.sample, t)
	if err != nil {
		return fmt.Errorf("denoise at t=%d: %w", t, err)
	}
	next, err := r.sched.Step(out, t, r.sample, r.gen)
	if err != nil {
		return err
	}
	r.sample = next
	r.remaining = r.remaining[1:]
	logutil.Trace("denoise step", "t", t, "remaining", len(r.remaining))
	return nil
}

// Run fuehrt alle offenen Schritte aus und prueft zwischen den Schritten den Kontext
func (r *Reverse) Run(ctx context.Context) (*ml.Tensor, error) {
	for !r.Done() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.Advance(); err != nil {
			return nil, err
		}
	}
	return r.sample, nil
}
