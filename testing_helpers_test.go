// testing_helpers_test.go: Shared fixtures for mod loader tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

// callLog records calls made by test mods across all of them, in order.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (c *callLog) record(entry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *callLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.entries...)
}

// plainMod only implements Start: it can neither suspend nor unload.
type plainMod struct {
	id       string
	log      *callLog
	startErr error
}

func (m *plainMod) Start(host ModHost) error {
	m.log.record(m.id + ":start")
	return m.startErr
}

// fullMod implements every optional capability.
type fullMod struct {
	plainMod
	exports    []ExportedType
	suspendErr error
	unloadErr  error
	host       ModHost
}

func (m *fullMod) Start(host ModHost) error {
	m.host = host
	return m.plainMod.Start(host)
}

func (m *fullMod) Suspend() error {
	m.log.record(m.id + ":suspend")
	return m.suspendErr
}

func (m *fullMod) Resume() error {
	m.log.record(m.id + ":resume")
	return nil
}

func (m *fullMod) Unload() error {
	m.log.record(m.id + ":unload")
	return m.unloadErr
}

func (m *fullMod) Exports() []ExportedType {
	return m.exports
}

// vetoMod implements Unloader but reports that it cannot be unloaded.
type vetoMod struct {
	fullMod
}

func (m *vetoMod) CanSuspend() bool { return true }
func (m *vetoMod) CanUnload() bool  { return false }

func testManifest(id string, deps ...string) *ModManifest {
	return &ModManifest{
		ModID:           id,
		Name:            id,
		Version:         "1.0.0",
		EntryPath:       id + ".so",
		ModDependencies: deps,
	}
}

func testEntry(root string, m *ModManifest) ModEntry {
	return ModEntry{
		Path:     filepath.Join(root, m.ModID, ModConfigFileName),
		Manifest: m,
	}
}

// testRig wires an isolation host and lifecycle manager over an in-memory
// store and an in-process backend.
type testRig struct {
	root      string
	log       *callLog
	logger    *TestLogger
	store     *MemoryManifestStore
	backend   *InProcessBackend
	host      *IsolationHost
	lifecycle *LifecycleManager
	factories atomic.Int32
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	r := &testRig{
		root:   t.TempDir(),
		log:    &callLog{},
		logger: NewTestLogger(),
		store:  NewMemoryManifestStore(),
	}
	r.backend = NewInProcessBackend(r.logger)
	r.host = NewIsolationHost(NewExportRegistry(), r.store, r.logger, r.backend)
	r.lifecycle = NewLifecycleManager(r.host, r.logger, NewLifecycleMetrics(nil))
	return r
}

// add registers m with the store and binds factory to its code unit.
func (r *testRig) add(m *ModManifest, factory ModFactory) ModEntry {
	entry := testEntry(r.root, m)
	r.store.AddMod(entry)
	if factory != nil {
		r.backend.Register(entry.ResolvedEntryPath(), func(ctx *ModContext) (Mod, error) {
			r.factories.Add(1)
			return factory(ctx)
		})
	}
	return entry
}

// addFull registers a mod implementing every capability.
func (r *testRig) addFull(m *ModManifest, exports ...ExportedType) ModEntry {
	return r.add(m, func(*ModContext) (Mod, error) {
		return &fullMod{plainMod: plainMod{id: m.ModID, log: r.log}, exports: exports}, nil
	})
}

// addPlain registers a mod that only starts.
func (r *testRig) addPlain(m *ModManifest) ModEntry {
	return r.add(m, func(*ModContext) (Mod, error) {
		return &plainMod{id: m.ModID, log: r.log}, nil
	})
}

var errBoom = errors.New("boom")
