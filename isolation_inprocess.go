// isolation_inprocess.go: In-process isolation backend for Go mods
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"path/filepath"
	"sync"
)

// BackendInProcess is the name of the in-process backend.
const BackendInProcess = RuntimeInProcess

// InProcessBackend hosts mods compiled into the host binary. Each mod
// registers a factory under the code-unit path its manifest points at.
//
// Every context gets its own ModContext and its own view of shared types, and
// all references the loader holds to the mod go through the context, so
// closing the context drops the loader's references. Go cannot reclaim the
// code itself, which is why unloading only releases state.
type InProcessBackend struct {
	logger Logger

	mu        sync.RWMutex
	factories map[string]ModFactory
}

// NewInProcessBackend creates an empty in-process backend.
func NewInProcessBackend(logger Logger) *InProcessBackend {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &InProcessBackend{
		logger:    logger,
		factories: make(map[string]ModFactory),
	}
}

// Register binds factory to a code-unit path. A later registration for the
// same path replaces the earlier one.
func (b *InProcessBackend) Register(entryPath string, factory ModFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[filepath.Clean(entryPath)] = factory
}

// Unregister removes the factory bound to entryPath.
func (b *InProcessBackend) Unregister(entryPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.factories, filepath.Clean(entryPath))
}

// Name implements IsolationBackend.
func (b *InProcessBackend) Name() string {
	return BackendInProcess
}

// Supports implements IsolationBackend.
func (b *InProcessBackend) Supports(entry ModEntry) bool {
	_, ok := b.factory(entry)
	return ok
}

func (b *InProcessBackend) factory(entry ModEntry) (ModFactory, bool) {
	path := entry.ResolvedEntryPath()
	if path == "" {
		return nil, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.factories[filepath.Clean(path)]
	return f, ok
}

// Open implements IsolationBackend.
func (b *InProcessBackend) Open(ctx context.Context, req ContextRequest) (IsolatedUnit, error) {
	factory, ok := b.factory(req.Entry)
	if !ok {
		return nil, NewBackendError(b.Name(), "no factory registered for code unit", nil).
			WithContext("path", req.Entry.ResolvedEntryPath())
	}

	mc := &ModContext{
		ModID:     req.Entry.Manifest.ModID,
		Directory: req.Entry.Directory(),
		Manifest:  req.Entry.Manifest,
		Shared:    req.Shared,
		Logger:    req.Logger,
	}

	var mod Mod
	err := callRecovered(b.logger, "mod_factory", func() error {
		var ferr error
		mod, ferr = factory(mc)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, NewBackendError(b.Name(), "factory returned a nil mod", nil).
			WithContext("mod_id", mc.ModID)
	}
	return &inProcessUnit{mod: mod}, nil
}

type inProcessUnit struct {
	mu  sync.Mutex
	mod Mod
}

func (u *inProcessUnit) Mod() Mod {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mod
}

func (u *inProcessUnit) Close(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mod = nil
	return nil
}
