package policy

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/ollama/diffpolicy/ml"
)

// Schluessel der Beobachtungs- und Trainingsdaten
const (
	KeyImage       = "observation.image"
	KeyState       = "observation.state"
	KeyAction      = "action"
	KeyActionIsPad = "action_is_pad"
)

var (
	ErrObservationKeys  = errors.New("policy: observation must have exactly the keys observation.image and observation.state")
	ErrObservationShape = errors.New("policy: unexpected observation shape")
)

// Observation ist eine Beobachtung fuer einen Regelschritt:
// KeyImage [B, 3, H, W] mit Werten in [0, 1] und KeyState [B, state_dim].
type Observation map[string]*ml.Tensor

// NewObservation baut eine Beobachtung aus Bild- und Zustandstensor
func NewObservation(image, state *ml.Tensor) Observation {
	return Observation{KeyImage: image, KeyState: state}
}

func (o Observation) validate(cfg *Config) error {
	if len(o) != 2 || o[KeyImage] == nil || o[KeyState] == nil {
		return fmt.Errorf("%w, got %v", ErrObservationKeys, slices.Sorted(maps.Keys(o)))
	}

	img, state := o[KeyImage], o[KeyState]
	c, h, w := cfg.ImageShape[0], cfg.ImageShape[1], cfg.ImageShape[2]
	if img.Rank() != 4 || img.Dim(1) != c || img.Dim(2) != h || img.Dim(3) != w {
		return fmt.Errorf("%w: %s is %v, expected [B, %d, %d, %d]", ErrObservationShape, KeyImage, img.Shape(), c, h, w)
	}
	if state.Rank() != 2 || state.Dim(1) != cfg.EffectiveStateDim() {
		return fmt.Errorf("%w: %s is %v, expected [B, %d]", ErrObservationShape, KeyState, state.Shape(), cfg.EffectiveStateDim())
	}
	if img.Dim(0) != state.Dim(0) {
		return fmt.Errorf("%w: batch sizes %d and %d differ", ErrObservationShape, img.Dim(0), state.Dim(0))
	}
	return nil
}

// TrainingBatch ist ein Mini-Batch aus dem Datensatz
type TrainingBatch struct {
	Images  *ml.Tensor // [B, n_obs_steps, 3, H, W]
	States  *ml.Tensor // [B, n_obs_steps, state_dim]
	Actions *ml.Tensor // [B, horizon, action_dim]
	// ActionIsPad markiert aufgefuellte Zeitschritte [B * horizon]. nil heisst keine.
	ActionIsPad []bool
}

// Size ist die Batch-Groesse
func (b *TrainingBatch) Size() int { return b.Actions.Dim(0) }

func (b *TrainingBatch) validate(cfg *Config) error {
	if b.Images == nil || b.States == nil || b.Actions == nil {
		return fmt.Errorf("%w: training batch needs images, states and actions", ErrObservationShape)
	}
	n := b.Actions.Dim(0)
	c, h, w := cfg.ImageShape[0], cfg.ImageShape[1], cfg.ImageShape[2]
	if !slices.Equal(b.Images.Shape(), []int{n, cfg.NObsSteps, c, h, w}) {
		return fmt.Errorf("%w: images %v, expected [%d, %d, %d, %d, %d]", ErrObservationShape, b.Images.Shape(), n, cfg.NObsSteps, c, h, w)
	}
	if !slices.Equal(b.States.Shape(), []int{n, cfg.NObsSteps, cfg.EffectiveStateDim()}) {
		return fmt.Errorf("%w: states %v, expected [%d, %d, %d]", ErrObservationShape, b.States.Shape(), n, cfg.NObsSteps, cfg.EffectiveStateDim())
	}
	if !slices.Equal(b.Actions.Shape(), []int{n, cfg.Horizon, cfg.ActionDim}) {
		return fmt.Errorf("%w: actions %v, expected [%d, %d, %d]", ErrObservationShape, b.Actions.Shape(), n, cfg.Horizon, cfg.ActionDim)
	}
	if b.ActionIsPad != nil && len(b.ActionIsPad) != n*cfg.Horizon {
		return fmt.Errorf("%w: %d padding flags for %d steps", ErrObservationShape, len(b.ActionIsPad), n*cfg.Horizon)
	}
	return nil
}
