// MODUL: torch
// ZWECK: Import von PyTorch-State-Dicts (pickle/zip) in ein nn.StateDict
// INPUT: Pfad zu einer .pt/.pth/.bin Datei
// OUTPUT: nn.StateDict mit umbenannten Schluesseln
// NEBENEFFEKTE: Dateisystem-Lesezugriff
// ABHAENGIGKEITEN: gopickle (pickle + torch storages), regexp2 (Umbenennungsregeln)
// HINWEISE: Nur zusammenhaengende Float-Tensoren werden uebernommen

package checkpoint

import (
	"fmt"
	"log/slog"

	"github.com/dlclark/regexp2"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
)

// RemapRule benennt einen Schluessel um. Drop verwirft passende Schluessel ganz.
type RemapRule struct {
	Pattern *regexp2.Regexp
	Replace string
	Drop    bool
}

func rule(pattern, replace string) RemapRule {
	return RemapRule{Pattern: regexp2.MustCompile(pattern, regexp2.None), Replace: replace}
}

func drop(pattern string) RemapRule {
	return RemapRule{Pattern: regexp2.MustCompile(pattern, regexp2.None), Drop: true}
}

// DefaultRemapRules werden der Reihe nach angewendet
var DefaultRemapRules = []RemapRule{
	// Wrapper von DataParallel und torch.compile
	rule(`^(?:module\.|_orig_mod\.)+`, ""),
	rule(`(?<=\.)_orig_mod\.`, ""),
	// Datensatz-Statistiken gehoeren nicht zum Modell
	drop(`^(?:normalize_inputs|normalize_targets|unnormalize_outputs)\.`),
	drop(`\.num_batches_tracked$`),
	rule(`^ema_diffusion\.`, "ema."),
	rule(`^diffusion\.`, ""),
}

// Remap wendet rules auf name an. ok ist false, wenn der Schluessel verworfen wird.
func Remap(name string, rules []RemapRule) (string, bool, error) {
	for _, r := range rules {
		if r.Drop {
			match, err := r.Pattern.MatchString(name)
			if err != nil {
				return "", false, err
			}
			if match {
				return "", false, nil
			}
			continue
		}
		var err error
		if name, err = r.Pattern.Replace(name, r.Replace, -1, -1); err != nil {
			return "", false, err
		}
	}
	return name, true, nil
}

// ImportTorch liest ein PyTorch-State-Dict und benennt die Schluessel mit DefaultRemapRules um
func ImportTorch(path string) (*nn.StateDict, error) {
	return ImportTorchWithRules(path, DefaultRemapRules)
}

func ImportTorchWithRules(path string, rules []RemapRule) (*nn.StateDict, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	dict, ok := pt.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("import %s: expected a state dict, got %T", path, pt)
	}

	sd := nn.NewStateDict()
	for _, k := range dict.Keys() {
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("import %s: non-string key %v", path, k)
		}
		name, keep, err := Remap(key, rules)
		if err != nil {
			return nil, fmt.Errorf("import %s: remap %s: %w", path, key, err)
		}
		if !keep {
			slog.Debug("skipping tensor", "name", key)
			continue
		}

		t, ok := dict.MustGet(k).(*pytorch.Tensor)
		if !ok {
			slog.Debug("skipping non-tensor entry", "name", key)
			continue
		}
		value, err := torchTensor(t)
		if err != nil {
			return nil, fmt.Errorf("import %s: %s: %w", path, key, err)
		}
		if _, dup := sd.Get(name); dup {
			return nil, fmt.Errorf("import %s: %s maps to duplicate key %s", path, key, name)
		}
		sd.Set(name, value)
	}
	return sd, nil
}

func torchTensor(t *pytorch.Tensor) (*ml.Tensor, error) {
	numel := 1
	stride := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if t.Size[i] != 1 && t.Stride[i] != stride {
			return nil, fmt.Errorf("non-contiguous tensor with stride %v", t.Stride)
		}
		stride *= t.Size[i]
		numel *= t.Size[i]
	}

	span := func(n int) (int, int, error) {
		lo, hi := t.StorageOffset, t.StorageOffset+numel
		if lo < 0 || hi > n {
			return 0, 0, fmt.Errorf("tensor range [%d:%d] exceeds storage of %d elements", lo, hi, n)
		}
		return lo, hi, nil
	}

	var data []float64
	switch s := t.Source.(type) {
	case *pytorch.DoubleStorage:
		lo, hi, err := span(len(s.Data))
		if err != nil {
			return nil, err
		}
		data = append(data, s.Data[lo:hi]...)
	case *pytorch.FloatStorage:
		lo, hi, err := span(len(s.Data))
		if err != nil {
			return nil, err
		}
		data = widen(s.Data[lo:hi])
	case *pytorch.HalfStorage:
		lo, hi, err := span(len(s.Data))
		if err != nil {
			return nil, err
		}
		data = widen(s.Data[lo:hi])
	case *pytorch.BFloat16Storage:
		lo, hi, err := span(len(s.Data))
		if err != nil {
			return nil, err
		}
		data = widen(s.Data[lo:hi])
	default:
		return nil, fmt.Errorf("unsupported storage %T", s)
	}
	return ml.FromSlice(data, t.Size...), nil
}

func widen(f []float32) []float64 {
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out
}
