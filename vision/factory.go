// MODUL: factory
// ZWECK: Backbone-Schnittstelle und Erstellung ueber die Registry
// INPUT: Backbone-Name, Options
// OUTPUT: Backbone Implementation
// NEBENEFFEKTE: Laedt ggf. Gewichtsdateien
// ABHAENGIGKEITEN: registry.go (Registry, BackboneFactory)
// HINWEISE: Nutzt DefaultRegistry aus registry_global.go

package vision

import (
	"fmt"

	"github.com/ollama/diffpolicy/ml"
	"github.com/ollama/diffpolicy/ml/nn"
)

// Backbone bildet ein Bild [C, H, W] auf eine Feature-Map [C', H', W'] ab.
// Die Gewichte sind eingefroren, Forward darf nebenlaeufig aufgerufen werden.
type Backbone interface {
	Forward(img *ml.Tensor) (*ml.Tensor, error)
	Parameters() []*nn.Param
}

// BackboneFactory erstellt ein Backbone aus validierten Optionen.
type BackboneFactory func(opts BackboneOptions) (Backbone, error)

// NewBackbone erstellt ein Backbone aus der DefaultRegistry
func NewBackbone(name string, opts ...Option) (Backbone, error) {
	return DefaultRegistry.Create(name, opts...)
}

// FeatureShape ermittelt die Form der Feature-Map per Probelauf
func FeatureShape(b Backbone, channels, height, width int) ([]int, error) {
	out, err := b.Forward(ml.Zeros(channels, height, width))
	if err != nil {
		return nil, fmt.Errorf("backbone dry run: %w", err)
	}
	if out.Rank() != 3 {
		return nil, fmt.Errorf("backbone dry run: expected [C, H, W], got %v", out.Shape())
	}
	return out.Shape(), nil
}
