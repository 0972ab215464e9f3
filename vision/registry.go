// Package vision - Backbone Registry fuer dynamische Registrierung.
//
// MODUL: registry
// ZWECK: Zentrale Registry fuer Backbone-Factories mit Thread-sicherer Verwaltung
// INPUT: Backbone-Name, BackboneFactory-Funktionen, Options
// OUTPUT: Backbone-Instanzen
// NEBENEFFEKTE: Keine (rein speicherbasiert)
// ABHAENGIGKEITEN: sync (stdlib), levenshtein (Namensvorschlaege), factory.go
// HINWEISE: Thread-sicher durch RWMutex
package vision

import (
	"slices"
	"sync"

	"github.com/agnivade/levenshtein"
)

// Registry verwaltet registrierte Backbone-Factories.
type Registry struct {
	backbones map[string]BackboneFactory
	mu        sync.RWMutex
}

// NewRegistry erstellt eine neue leere Registry.
func NewRegistry() *Registry {
	return &Registry{
		backbones: make(map[string]BackboneFactory),
	}
}

// Register registriert eine Factory unter dem angegebenen Namen.
// Ueberschreibt existierende Eintraege ohne Warnung.
func (r *Registry) Register(name string, factory BackboneFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backbones[name] = factory
}

// Unregister entfernt ein Backbone. Gibt true zurueck wenn es existierte.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.backbones[name]
	delete(r.backbones, name)
	return exists
}

// Get gibt die Factory fuer den angegebenen Namen zurueck.
func (r *Registry) Get(name string) (BackboneFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.backbones[name]
	return factory, exists
}

// List gibt alle registrierten Namen sortiert zurueck.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backbones))
	for name := range r.backbones {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Suggest gibt den naechstgelegenen registrierten Namen zurueck, falls er
// hoechstens zwei Editierschritte entfernt ist.
func (r *Registry) Suggest(name string) string {
	best, bestDist := "", 3
	for _, candidate := range r.List() {
		if d := levenshtein.ComputeDistance(name, candidate); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}

// Create validiert die Optionen und erstellt ein Backbone mit der registrierten Factory.
func (r *Registry) Create(name string, opts ...Option) (Backbone, error) {
	factory, exists := r.Get(name)
	if !exists {
		return nil, &RegistryError{
			Op:         "create",
			Name:       name,
			Suggestion: r.Suggest(name),
			Err:        ErrBackboneNotRegistered,
		}
	}

	o := DefaultBackboneOptions()
	o.Apply(opts...)
	if err := o.Validate(); err != nil {
		return nil, &RegistryError{Op: "create", Name: name, Err: err}
	}

	return factory(o)
}
