package trainer

import (
	"errors"
	"fmt"

	"github.com/ollama/diffpolicy/checkpoint"
	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
	"github.com/ollama/diffpolicy/policy"
)

// Dataset liefert Trainings-Mini-Batches ueber Beispielindizes.
type Dataset interface {
	Len() int
	Batch(indices []int) (*policy.TrainingBatch, error)
}

var ErrIndexOutOfRange = errors.New("trainer: sample index out of range")

// MemoryDataset haelt alle Beispiele im Speicher. Die erste Achse jedes
// Tensors ist der Beispielindex.
type MemoryDataset struct {
	Images      *ml.Tensor // [N, n_obs_steps, 3, H, W]
	States      *ml.Tensor // [N, n_obs_steps, state_dim]
	Actions     *ml.Tensor // [N, horizon, action_dim]
	ActionIsPad []bool     // [N * horizon] oder nil
}

func (d *MemoryDataset) Len() int { return d.Actions.Dim(0) }

func (d *MemoryDataset) Batch(indices []int) (*policy.TrainingBatch, error) {
	n := d.Len()
	for _, i := range indices {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, n)
		}
	}

	b := &policy.TrainingBatch{
		Images:  gather(d.Images, indices),
		States:  gather(d.States, indices),
		Actions: gather(d.Actions, indices),
	}
	if d.ActionIsPad != nil {
		horizon := d.Actions.Dim(1)
		b.ActionIsPad = make([]bool, 0, len(indices)*horizon)
		for _, i := range indices {
			b.ActionIsPad = append(b.ActionIsPad, d.ActionIsPad[i*horizon:(i+1)*horizon]...)
		}
	}
	return b, nil
}

// gather waehlt Zeilen entlang der ersten Achse aus
func gather(t *ml.Tensor, indices []int) *ml.Tensor {
	shape := t.Shape()
	row := t.Len() / shape[0]
	src := t.Data()

	out := make([]float64, 0, len(indices)*row)
	for _, i := range indices {
		out = append(out, src[i*row:(i+1)*row]...)
	}
	shape[0] = len(indices)
	return ml.FromSlice(out, shape...)
}

// LoadMemoryDataset liest einen Datensatz aus einer safetensors-Datei mit den
// Tensoren observation.image, observation.state, action und optional
// action_is_pad (Werte ungleich 0 gelten als aufgefuellt).
func LoadMemoryDataset(path string) (*MemoryDataset, error) {
	sd, _, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}

	d := &MemoryDataset{}
	for key, dst := range map[string]**ml.Tensor{
		policy.KeyImage:  &d.Images,
		policy.KeyState:  &d.States,
		policy.KeyAction: &d.Actions,
	} {
		t, ok := sd.Get(key)
		if !ok {
			return nil, fmt.Errorf("dataset %s: missing tensor %q", path, key)
		}
		*dst = t
	}

	n := d.Actions.Dim(0)
	if d.Images.Dim(0) != n || d.States.Dim(0) != n {
		return nil, fmt.Errorf("dataset %s: sample counts differ: images %d, states %d, actions %d", path, d.Images.Dim(0), d.States.Dim(0), n)
	}

	if pad, ok := sd.Get(policy.KeyActionIsPad); ok {
		if pad.Len() != n*d.Actions.Dim(1) {
			return nil, fmt.Errorf("dataset %s: %s has %d values, expected %d", path, policy.KeyActionIsPad, pad.Len(), n*d.Actions.Dim(1))
		}
		d.ActionIsPad = make([]bool, pad.Len())
		for i, v := range pad.Data() {
			d.ActionIsPad[i] = v != 0
		}
	}
	return d, nil
}

// Save schreibt den Datensatz im Format von LoadMemoryDataset
func (d *MemoryDataset) Save(path string) error {
	sd := nn.NewStateDict()
	sd.Set(policy.KeyImage, d.Images)
	sd.Set(policy.KeyState, d.States)
	sd.Set(policy.KeyAction, d.Actions)
	if d.ActionIsPad != nil {
		pad := ml.Zeros(d.Actions.Dim(0), d.Actions.Dim(1))
		for i, v := range d.ActionIsPad {
			if v {
				pad.Data()[i] = 1
			}
		}
		sd.Set(policy.KeyActionIsPad, pad)
	}
	return checkpoint.Save(path, sd, checkpoint.Metadata{DType: checkpoint.F32})
}
