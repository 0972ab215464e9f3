// MODUL: options
// ZWECK: Functional Options Pattern fuer die Backbone-Konfiguration
// INPUT: Optionale Parameter (Pretrained, Gewichte, Normalisierung, Kanaele, Seed)
// OUTPUT: BackboneOptions Struct mit Konfiguration
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: keine (nur Standardbibliothek)
// HINWEISE: Die Normalisierungsart wird hier einmalig vor dem Bau des Netzes festgelegt

package vision

import (
	"errors"
	"fmt"
)

// Normalisierungsschichten im Backbone
const (
	NormBatch = "batch"
	NormGroup = "group"
)

// BackboneOptions enthaelt die Konfiguration fuer den Bau eines Backbones.
type BackboneOptions struct {
	Pretrained bool   // vortrainierte Gewichte laden
	Weights    string // Pfad zur safetensors-Datei mit den Gewichten
	Norm       string // NormBatch oder NormGroup
	Channels   []int  // Ausgabekanaele je Stufe
	Seed       uint64 // Seed fuer zufaellige Initialisierung
}

// Option ist eine funktionale Option fuer BackboneOptions.
type Option func(*BackboneOptions)

var (
	ErrGroupNormPretrained = errors.New("vision: cannot replace batch norm in a pretrained backbone")
	ErrMissingWeights      = errors.New("vision: pretrained backbone needs a weights file")
	ErrInvalidNorm         = errors.New("vision: invalid normalization layer")
	ErrInvalidChannels     = errors.New("vision: invalid channel configuration")
)

// DefaultBackboneOptions gibt die Standard-Konfiguration zurueck
func DefaultBackboneOptions() BackboneOptions {
	return BackboneOptions{
		Norm:     NormBatch,
		Channels: []int{32, 64, 128},
	}
}

// WithPretrained laedt die Gewichte aus path
func WithPretrained(path string) Option {
	return func(o *BackboneOptions) {
		o.Pretrained = true
		o.Weights = path
	}
}

// WithGroupNorm ersetzt BatchNorm durch GroupNorm (Kanaele/16 Gruppen).
func WithGroupNorm(enabled bool) Option {
	return func(o *BackboneOptions) {
		if enabled {
			o.Norm = NormGroup
		} else {
			o.Norm = NormBatch
		}
	}
}

// WithChannels setzt die Kanalbreiten. Leere Listen werden ignoriert.
func WithChannels(channels ...int) Option {
	return func(o *BackboneOptions) {
		if len(channels) > 0 {
			o.Channels = channels
		}
	}
}

func WithSeed(seed uint64) Option {
	return func(o *BackboneOptions) {
		o.Seed = seed
	}
}

// Apply wendet alle Optionen an
func (o *BackboneOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}

// Validate prueft die Konfiguration
func (o *BackboneOptions) Validate() error {
	switch o.Norm {
	case NormBatch:
	case NormGroup:
		if o.Pretrained {
			return ErrGroupNormPretrained
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNorm, o.Norm)
	}

	if o.Pretrained && o.Weights == "" {
		return ErrMissingWeights
	}

	if len(o.Channels) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidChannels)
	}
	for _, c := range o.Channels {
		if c <= 0 || (o.Norm == NormGroup && c%16 != 0) {
			return fmt.Errorf("%w: %v", ErrInvalidChannels, o.Channels)
		}
	}

	return nil
}
