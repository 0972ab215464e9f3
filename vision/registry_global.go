// Package vision - Globale Registry-Instanz und Registry-Fehler.
//
// MODUL: registry_global
// ZWECK: Stellt eine globale DefaultRegistry bereit
// INPUT: Backbone-Name, BackboneFactory
// OUTPUT: Registrierte Backbones
// NEBENEFFEKTE: Aendert globale DefaultRegistry
// ABHAENGIGKEITEN: registry.go (Registry), factory.go (BackboneFactory)
// HINWEISE: Backbones registrieren sich via init()
package vision

import "errors"

// ErrBackboneNotRegistered wird zurueckgegeben wenn ein Backbone nicht registriert ist.
var ErrBackboneNotRegistered = errors.New("vision: backbone not registered")

// RegistryError repraesentiert einen Registry-spezifischen Fehler.
type RegistryError struct {
	Op         string // Operation (z.B. "create")
	Name       string // Backbone-Name
	Suggestion string // aehnlicher registrierter Name, falls vorhanden
	Err        error  // Urspruenglicher Fehler
}

// Error implementiert das error Interface.
func (e *RegistryError) Error() string {
	msg := "vision: " + e.Op + " backbone '" + e.Name + "': " + e.Err.Error()
	if e.Suggestion != "" {
		msg += " (did you mean '" + e.Suggestion + "'?)"
	}
	return msg
}

// Unwrap gibt den urspruenglichen Fehler zurueck.
func (e *RegistryError) Unwrap() error {
	return e.Err
}

// DefaultRegistry ist die globale Registry fuer Backbones.
var DefaultRegistry = NewRegistry()

// MustRegister registriert eine Factory in der DefaultRegistry und panict bei nil-Factory.
// Fuer init()-Funktionen gedacht.
func MustRegister(name string, factory BackboneFactory) {
	if factory == nil {
		panic("vision: nil factory for backbone '" + name + "'")
	}
	DefaultRegistry.Register(name, factory)
}
