// exports.go: Shared export space for cross-mod types
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"sort"
	"sync"
)

// ExportedType is a named definition a mod shares with its dependents, such
// as an interface value, a constructor or a schema. Definitions are stored in
// the export registry, which outlives every isolation context, so they stay
// valid after the exporting mod is unloaded.
type ExportedType struct {
	Name       string
	Definition any
}

// SharedTypes is the read-only view of shared definitions visible to one mod.
// Each name maps to exactly one definition.
type SharedTypes struct {
	types     map[string]ExportedType
	providers map[string]string
}

// Lookup returns the definition visible under name.
func (s SharedTypes) Lookup(name string) (ExportedType, bool) {
	t, ok := s.types[name]
	return t, ok
}

// Provider returns the id of the mod whose definition is visible under name.
func (s SharedTypes) Provider(name string) (string, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// Names lists the visible names in sorted order.
func (s SharedTypes) Names() []string {
	names := make([]string, 0, len(s.types))
	for name := range s.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of visible definitions.
func (s SharedTypes) Len() int {
	return len(s.types)
}

// ExportRegistry is the process-wide shared space holding every published
// export, keyed by provider.
type ExportRegistry struct {
	mu        sync.RWMutex
	providers map[string][]ExportedType
}

// NewExportRegistry creates an empty registry.
func NewExportRegistry() *ExportRegistry {
	return &ExportRegistry{providers: make(map[string][]ExportedType)}
}

// Publish stores the exports of provider. The first publication is canonical.
// Later publications for the same provider are ignored so dependents keep
// resolving to one definition for the lifetime of the process. It reports
// whether the exports were stored.
func (r *ExportRegistry) Publish(provider string, types []ExportedType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[provider]; exists {
		return false
	}
	r.providers[provider] = append([]ExportedType(nil), types...)
	return true
}

// Has reports whether provider has published exports.
func (r *ExportRegistry) Has(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[provider]
	return ok
}

// ExportsOf returns the canonical exports of provider.
func (r *ExportRegistry) ExportsOf(provider string) []ExportedType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ExportedType(nil), r.providers[provider]...)
}

// Compose builds the shared view for manifest.
//
// Sources are consulted in precedence order: the mod's own exports, then every
// hard dependency in declared order, then every optional dependency for which
// loaded returns true, in declared order. The first source to define a name
// wins and later definitions of the same name are dropped, so a colliding
// name resolves deterministically and never raises an ambiguity error.
func (r *ExportRegistry) Compose(manifest *ModManifest, loaded func(modID string) bool) SharedTypes {
	r.mu.RLock()
	defer r.mu.RUnlock()

	view := SharedTypes{
		types:     make(map[string]ExportedType),
		providers: make(map[string]string),
	}
	add := func(provider string) {
		for _, t := range r.providers[provider] {
			if _, taken := view.types[t.Name]; taken {
				continue
			}
			view.types[t.Name] = t
			view.providers[t.Name] = provider
		}
	}

	add(manifest.ModID)
	for _, dep := range manifest.ModDependencies {
		add(dep)
	}
	for _, dep := range manifest.OptionalDependencies {
		if loaded != nil && loaded(dep) {
			add(dep)
		}
	}
	return view
}
