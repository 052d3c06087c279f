// isolation.go: Isolated execution contexts for mods
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// ContextHandle is an opaque reference to an isolation context. All
// references to loaded code go through a handle, so destroying the context and
// invalidating the handle happen as one step inside the IsolationHost.
type ContextHandle uint64

// IsolationBackend creates isolation contexts of one kind.
type IsolationBackend interface {
	// Name identifies the backend in logs and manifests.
	Name() string

	// Supports reports whether this backend can host the mod's code unit.
	Supports(entry ModEntry) bool

	// Open constructs the mod in a fresh context. Start is not called.
	Open(ctx context.Context, req ContextRequest) (IsolatedUnit, error)
}

// ContextRequest describes one context to open.
type ContextRequest struct {
	Entry  ModEntry
	Shared SharedTypes
	Logger Logger
}

// IsolatedUnit is one open context holding a constructed mod.
type IsolatedUnit interface {
	Mod() Mod
	Close(ctx context.Context) error
}

// LoadResult describes a mod loaded by the IsolationHost.
type LoadResult struct {
	Context       ContextHandle
	Backend       string
	EntryPoint    Mod
	ExportedTypes []ExportedType
	Shared        SharedTypes
	CanUnload     bool
	CanSuspend    bool
	HasExports    bool

	// Probed is set when this load ran the probe step.
	Probed bool

	// Inert is set for mods without code, or whose code unit is missing.
	Inert bool
}

// Probe is the first half of a two-phase load: the mod has been constructed
// in a disposable context only to inspect what it exports. CommitLoad turns a
// probe into a real load. Discard drops it.
type Probe struct {
	entry   ModEntry
	backend IsolationBackend
	unit    IsolatedUnit
	exports []ExportedType
	started time.Time
	done    bool
}

// HasExports reports whether the probed mod declares any exports.
func (p *Probe) HasExports() bool {
	return len(p.exports) > 0
}

// Exports returns the exports seen while probing.
func (p *Probe) Exports() []ExportedType {
	return append([]ExportedType(nil), p.exports...)
}

// Discard destroys the disposable context without loading the mod.
func (p *Probe) Discard(ctx context.Context) error {
	if p.done {
		return nil
	}
	p.done = true
	return p.unit.Close(ctx)
}

type isolationContext struct {
	handle  ContextHandle
	modID   string
	backend string
	unit    IsolatedUnit
}

// IsolationHost owns every isolation context and the shared export space.
// Nothing else destroys a context.
type IsolationHost struct {
	backends []IsolationBackend
	exports  *ExportRegistry
	store    ManifestStore
	logger   Logger

	mu       sync.Mutex
	next     ContextHandle
	contexts map[ContextHandle]*isolationContext
	byMod    map[string]ContextHandle
}

// NewIsolationHost creates a host that tries backends in order. store may be
// nil, in which case discovered capabilities are only kept in memory.
func NewIsolationHost(exports *ExportRegistry, store ManifestStore, logger Logger, backends ...IsolationBackend) *IsolationHost {
	if exports == nil {
		exports = NewExportRegistry()
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	return &IsolationHost{
		backends: backends,
		exports:  exports,
		store:    store,
		logger:   logger,
		contexts: make(map[ContextHandle]*isolationContext),
		byMod:    make(map[string]ContextHandle),
	}
}

// Exports returns the shared export registry.
func (h *IsolationHost) Exports() *ExportRegistry {
	return h.exports
}

// Load loads entry into a new context.
//
// A mod whose flags say it has no exports is loaded once. Otherwise, and for
// a mod never probed before, the load goes through ProbeLoad and CommitLoad.
// A mod without code, or whose code unit is missing on disk, comes back as an
// inert result with no entry point instead of an error. Any other failure is
// a RuntimeLoadError tagged with the mod id.
func (h *IsolationHost) Load(ctx context.Context, entry ModEntry) (*LoadResult, error) {
	backend, inert, err := h.backendFor(entry)
	if err != nil {
		return nil, err
	}
	if inert {
		return h.registerInert(entry), nil
	}

	m := entry.Manifest
	needsProbe := m.HasExports == nil || (*m.HasExports && !h.exports.Has(m.ModID))
	if needsProbe {
		probe, err := h.probe(ctx, entry, backend)
		if err != nil {
			return nil, err
		}
		return h.CommitLoad(ctx, probe)
	}

	shared := h.exports.Compose(m, h.Loaded)
	unit, err := h.open(ctx, backend, entry, shared)
	if err != nil {
		return nil, err
	}
	return h.register(entry, backend, unit, shared, false), nil
}

// ProbeLoad constructs entry in a disposable context to discover its exports.
// The result must be passed to CommitLoad or discarded.
func (h *IsolationHost) ProbeLoad(ctx context.Context, entry ModEntry) (*Probe, error) {
	backend, inert, err := h.backendFor(entry)
	if err != nil {
		return nil, err
	}
	if inert {
		return nil, NewRuntimeLoadError(entry.Manifest.ModID, os.ErrNotExist)
	}
	return h.probe(ctx, entry, backend)
}

func (h *IsolationHost) probe(ctx context.Context, entry ModEntry, backend IsolationBackend) (*Probe, error) {
	shared := h.exports.Compose(entry.Manifest, h.Loaded)
	started := timecache.CachedTime()
	unit, err := h.open(ctx, backend, entry, shared)
	if err != nil {
		return nil, err
	}

	var exports []ExportedType
	if exporter, ok := unit.Mod().(Exporter); ok {
		exports = exporter.Exports()
	}

	h.logger.Debug("Probed mod",
		"mod_id", entry.Manifest.ModID,
		"backend", backend.Name(),
		"exports", len(exports))

	return &Probe{
		entry:   entry,
		backend: backend,
		unit:    unit,
		exports: exports,
		started: started,
	}, nil
}

// CommitLoad completes a probe.
//
// When the probe found exports, they are copied into the shared space, the
// disposable context is destroyed and the mod is constructed again so that it
// consumes the shared copies of its own types. Without exports the probe's
// context is kept as is. Discovered capabilities are written back to the
// manifest and persisted through the store.
func (h *IsolationHost) CommitLoad(ctx context.Context, probe *Probe) (*LoadResult, error) {
	if probe.done {
		return nil, NewBackendError(probe.backend.Name(), "probe already committed or discarded", nil)
	}
	probe.done = true
	entry := probe.entry
	m := entry.Manifest

	unit := probe.unit
	if len(probe.exports) > 0 {
		if !h.exports.Publish(m.ModID, probe.exports) {
			h.logger.Debug("Exports already published, keeping canonical copies", "mod_id", m.ModID)
		}
		if err := unit.Close(ctx); err != nil {
			h.logger.Warn("Failed to destroy probe context", "mod_id", m.ModID, "error", err)
		}

		shared := h.exports.Compose(m, h.Loaded)
		reloaded, err := h.open(ctx, probe.backend, entry, shared)
		if err != nil {
			return nil, err
		}
		unit = reloaded
	}

	shared := h.exports.Compose(m, h.Loaded)
	result := h.register(entry, probe.backend, unit, shared, true)

	m.HasExports = Flag(result.HasExports)
	m.CanUnload = Flag(result.CanUnload)
	m.CanSuspend = Flag(result.CanSuspend)
	if h.store != nil {
		if err := h.store.SaveModCapabilities(entry); err != nil {
			h.logger.Warn("Failed to persist mod capabilities", "mod_id", m.ModID, "error", err)
		}
	}

	h.logger.Info("Mod probed and loaded",
		"mod_id", m.ModID,
		"has_exports", result.HasExports,
		"can_unload", result.CanUnload,
		"reloaded", len(probe.exports) > 0,
		"duration", timecache.CachedTime().Sub(probe.started))
	return result, nil
}

// Unload destroys the context behind handle. The handle is invalid afterwards.
func (h *IsolationHost) Unload(ctx context.Context, handle ContextHandle) error {
	h.mu.Lock()
	ic, ok := h.contexts[handle]
	if ok {
		delete(h.contexts, handle)
		if h.byMod[ic.modID] == handle {
			delete(h.byMod, ic.modID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return NewContextNotFoundError(handle)
	}
	if ic.unit == nil {
		return nil
	}
	if err := ic.unit.Close(ctx); err != nil {
		return NewBackendError(ic.backend, "failed to destroy isolation context", err).
			WithContext("mod_id", ic.modID)
	}
	h.logger.Debug("Isolation context destroyed", "mod_id", ic.modID, "handle", uint64(handle))
	return nil
}

// Loaded reports whether modID currently has a live context.
func (h *IsolationHost) Loaded(modID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.byMod[modID]
	return ok
}

// Contexts returns the number of live contexts.
func (h *IsolationHost) Contexts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.contexts)
}

func (h *IsolationHost) backendFor(entry ModEntry) (IsolationBackend, bool, error) {
	m := entry.Manifest
	if m.EntryPath == "" {
		return nil, true, nil
	}

	for _, b := range h.backends {
		if m.Runtime != RuntimeAuto && m.Runtime != b.Name() {
			continue
		}
		if b.Supports(entry) {
			return b, false, nil
		}
	}

	path := entry.ResolvedEntryPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		h.logger.Warn("Mod code unit not found, loading as inert mod", "mod_id", m.ModID, "path", path)
		return nil, true, nil
	}
	return nil, false, NewRuntimeLoadError(m.ModID,
		NewBackendError(m.Runtime, "no isolation backend can host this mod", nil).WithContext("path", path))
}

func (h *IsolationHost) open(ctx context.Context, backend IsolationBackend, entry ModEntry, shared SharedTypes) (IsolatedUnit, error) {
	unit, err := backend.Open(ctx, ContextRequest{
		Entry:  entry,
		Shared: shared,
		Logger: h.logger.With("mod_id", entry.Manifest.ModID),
	})
	if err != nil {
		return nil, NewRuntimeLoadError(entry.Manifest.ModID, err)
	}
	return unit, nil
}

func (h *IsolationHost) register(entry ModEntry, backend IsolationBackend, unit IsolatedUnit, shared SharedTypes, probed bool) *LoadResult {
	m := entry.Manifest
	mod := unit.Mod()
	canSuspend, canUnload := capabilitiesOf(mod)

	var exports []ExportedType
	if exporter, ok := mod.(Exporter); ok {
		exports = exporter.Exports()
	}

	handle := h.allocate(m.ModID, backend.Name(), unit)
	return &LoadResult{
		Context:       handle,
		Backend:       backend.Name(),
		EntryPoint:    mod,
		ExportedTypes: exports,
		Shared:        shared,
		CanUnload:     applyManifestVeto(canUnload, m.CanUnload),
		CanSuspend:    applyManifestVeto(canSuspend, m.CanSuspend),
		HasExports:    len(exports) > 0,
		Probed:        probed,
	}
}

func (h *IsolationHost) registerInert(entry ModEntry) *LoadResult {
	handle := h.allocate(entry.Manifest.ModID, "inert", nil)
	return &LoadResult{
		Context:   handle,
		Backend:   "inert",
		CanUnload: true,
		Inert:     true,
	}
}

func (h *IsolationHost) allocate(modID, backend string, unit IsolatedUnit) ContextHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	handle := h.next
	h.contexts[handle] = &isolationContext{
		handle:  handle,
		modID:   modID,
		backend: backend,
		unit:    unit,
	}
	h.byMod[modID] = handle
	return handle
}
