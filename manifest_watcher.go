// manifest_watcher.go: Argus-backed invalidation of cached manifests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"sync"
	"time"

	"github.com/agilira/argus"
)

// Invalidator is implemented by stores that cache directory listings.
type Invalidator interface {
	Invalidate()
}

// ManifestWatcher polls the mod and application directories, plus every
// manifest file found in them, and invalidates the store cache on change.
// Mods already loaded are not touched, a change only affects later loads.
type ManifestWatcher struct {
	watcher  *argus.Watcher
	store    Invalidator
	logger   Logger
	onChange func(path string)

	mu      sync.Mutex
	running bool
	watched map[string]struct{}
}

// NewManifestWatcher creates a watcher over the given paths.
func NewManifestWatcher(store Invalidator, pollInterval time.Duration, logger Logger) *ManifestWatcher {
	if logger == nil {
		logger = DefaultLogger()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	mw := &ManifestWatcher{
		store:   store,
		logger:  logger,
		watched: make(map[string]struct{}),
	}
	mw.watcher = argus.New(argus.Config{
		PollInterval:         pollInterval,
		CacheTTL:             pollInterval / 2,
		MaxWatchedFiles:      1024,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			logger.Warn("Manifest watch error", "error", err, "file", filepath)
		},
	})
	return mw
}

// OnChange registers a callback run after every invalidation.
func (mw *ManifestWatcher) OnChange(fn func(path string)) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.onChange = fn
}

// Watch adds paths to the watch set. Paths already watched are ignored.
func (mw *ManifestWatcher) Watch(paths ...string) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := mw.watched[path]; ok {
			continue
		}
		if err := mw.watcher.Watch(path, mw.handleChange); err != nil {
			return NewManifestStoreError("failed to watch manifest path", err).WithContext("path", path)
		}
		mw.watched[path] = struct{}{}
	}
	return nil
}

// Start begins polling.
func (mw *ManifestWatcher) Start() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.running {
		return nil
	}
	if err := mw.watcher.Start(); err != nil {
		return NewManifestStoreError("failed to start manifest watcher", err)
	}
	mw.running = true
	mw.logger.Info("Manifest watcher started", "paths", len(mw.watched))
	return nil
}

// Stop ends polling. It is safe to call more than once.
func (mw *ManifestWatcher) Stop() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if !mw.running {
		return nil
	}
	mw.running = false
	if err := mw.watcher.Stop(); err != nil {
		return NewManifestStoreError("failed to stop manifest watcher", err)
	}
	return nil
}

func (mw *ManifestWatcher) handleChange(event argus.ChangeEvent) {
	mw.logger.Debug("Manifest change detected",
		"path", event.Path,
		"is_create", event.IsCreate,
		"is_delete", event.IsDelete,
		"is_modify", event.IsModify)

	mw.store.Invalidate()

	mw.mu.Lock()
	fn := mw.onChange
	mw.mu.Unlock()
	if fn != nil {
		defer withStackRecover(mw.logger, "manifest_watcher")()
		fn(event.Path)
	}
}
