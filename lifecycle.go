// lifecycle.go: Registry and state machine of loaded mods
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"golang.org/x/sync/errgroup"
)

// ModInfo is the externally visible summary of one registered mod.
type ModInfo struct {
	ModID      string   `json:"mod_id" msgpack:"mod_id"`
	State      ModState `json:"state" msgpack:"state"`
	CanSuspend bool     `json:"can_suspend" msgpack:"can_suspend"`
	CanUnload  bool     `json:"can_unload" msgpack:"can_unload"`
}

// ModInstance is the runtime record of one loaded mod.
type ModInstance struct {
	Manifest   *ModManifest
	Path       string
	State      ModState
	Context    ContextHandle
	Backend    string
	CanUnload  bool
	CanSuspend bool
	HasExports bool
	Inert      bool
	LoadedAt   time.Time

	entry  Mod
	shared SharedTypes
}

func (i *ModInstance) info() ModInfo {
	return ModInfo{
		ModID:      i.Manifest.ModID,
		State:      i.State,
		CanSuspend: i.CanSuspend,
		CanUnload:  i.CanUnload,
	}
}

// BatchOptions tunes LoadBatch.
type BatchOptions struct {
	// IsolateFailures turns a mod that fails to load or start into an inert
	// instance and carries on with the rest of the batch. Without it the
	// first failure is returned; mods loaded before it stay loaded.
	IsolateFailures bool

	// ParallelPrepare loads every isolation context of the batch concurrently
	// before starting the mods one by one in batch order.
	ParallelPrepare bool
}

// LifecycleManager owns the registry of loaded mods and drives their state
// machine: Unloaded, Loading, Active and Suspended.
//
// Operations on different mods run independently. Operations on the same mod
// are serialized by a per-mod lock, and registry reads see a consistent
// snapshot.
type LifecycleManager struct {
	host        *IsolationHost
	logger      Logger
	metrics     *LifecycleMetrics
	controllers *ControllerRegistry
	events      *eventBus

	mu        sync.RWMutex
	instances map[string]*ModInstance
	order     []string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewLifecycleManager creates a manager loading mods through host. metrics
// may be nil.
func NewLifecycleManager(host *IsolationHost, logger Logger, metrics *LifecycleMetrics) *LifecycleManager {
	if logger == nil {
		logger = DefaultLogger()
	}
	lm := &LifecycleManager{
		host:        host,
		logger:      logger,
		metrics:     metrics,
		controllers: NewControllerRegistry(),
		events:      &eventBus{logger: logger},
		instances:   make(map[string]*ModInstance),
		locks:       make(map[string]*sync.Mutex),
	}
	lm.events.subscribe(lm.controllers.handleEvent)
	return lm
}

// Subscribe registers handler for lifecycle events and returns a function
// that removes it. Handlers run synchronously: a handler of EventModUnloading
// finishes before the mod's context is destroyed.
//
// EventModLoading and EventModUnloading are delivered while the mod is locked
// (with ParallelPrepare, while the whole batch is locked), so their handlers
// must not load, unload, suspend or resume those mods. Every other event is
// delivered after the operation has released its locks and may drive the
// lifecycle freely.
func (lm *LifecycleManager) Subscribe(handler LifecycleEventHandler) func() {
	return lm.events.subscribe(handler)
}

// Controllers returns the controller registry shared by mods.
func (lm *LifecycleManager) Controllers() *ControllerRegistry {
	return lm.controllers
}

// NotifyInitialized emits EventLoaderInitialized.
func (lm *LifecycleManager) NotifyInitialized() {
	lm.emit(EventLoaderInitialized, nil, "", nil)
}

// LoadBatch loads entries in the given order, which must already be
// dependency-safe. If any entry is already registered the whole call fails
// with DuplicateLoad before anything is loaded.
func (lm *LifecycleManager) LoadBatch(ctx context.Context, entries []ModEntry, opts BatchOptions) error {
	entries = dedupeEntries(entries)
	for _, e := range entries {
		if lm.IsLoaded(e.Manifest.ModID) {
			return NewDuplicateLoadError(e.Manifest.ModID)
		}
	}

	if opts.ParallelPrepare && len(entries) > 1 {
		return lm.loadParallel(ctx, entries, opts)
	}

	for _, e := range entries {
		if err := lm.loadOne(ctx, e, opts); err != nil {
			return err
		}
	}
	return nil
}

func (lm *LifecycleManager) loadOne(ctx context.Context, entry ModEntry, opts BatchOptions) error {
	var queue eventQueue
	err := lm.loadOneLocked(ctx, entry, opts, &queue)
	lm.flush(queue)
	return err
}

func (lm *LifecycleManager) loadOneLocked(ctx context.Context, entry ModEntry, opts BatchOptions, queue *eventQueue) error {
	id := entry.Manifest.ModID
	unlock := lm.lockMod(id)
	defer unlock()

	if !lm.reserve(entry) {
		return NewDuplicateLoadError(id)
	}

	started := time.Now()
	lm.emit(EventModLoading, entry.Manifest, StateLoading, nil)

	result, err := lm.host.Load(ctx, entry)
	if err == nil {
		err = lm.start(ctx, entry, result, queue)
	}
	if err != nil {
		return lm.handleLoadFailure(ctx, entry, err, opts, queue)
	}

	lm.metrics.observeLoad(started)
	return nil
}

// loadParallel prepares every context concurrently, then starts the mods in
// batch order. Per-mod locks are taken in id order to avoid deadlocking
// against another batch.
func (lm *LifecycleManager) loadParallel(ctx context.Context, entries []ModEntry, opts BatchOptions) error {
	var queue eventQueue
	err := lm.loadParallelLocked(ctx, entries, opts, &queue)
	lm.flush(queue)
	return err
}

func (lm *LifecycleManager) loadParallelLocked(ctx context.Context, entries []ModEntry, opts BatchOptions, queue *eventQueue) error {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Manifest.ModID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		unlock := lm.lockMod(id)
		defer unlock()
	}

	for i, e := range entries {
		if !lm.reserve(e) {
			for _, prev := range entries[:i] {
				lm.release(prev.Manifest.ModID)
			}
			return NewDuplicateLoadError(e.Manifest.ModID)
		}
	}

	results := make([]*LoadResult, len(entries))
	prepErrs := make([]error, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			defer withStackRecover(lm.logger, "parallel_prepare")()
			results[i], prepErrs[i] = lm.host.Load(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	for i, e := range entries {
		started := time.Now()
		lm.emit(EventModLoading, e.Manifest, StateLoading, nil)

		err := prepErrs[i]
		if err == nil && results[i] == nil {
			err = NewRuntimeLoadError(e.Manifest.ModID, NewBackendError("", "prepare did not complete", nil))
		}
		if err == nil {
			err = lm.start(ctx, e, results[i], queue)
		}
		if err != nil {
			if ferr := lm.handleLoadFailure(ctx, e, err, opts, queue); ferr != nil {
				for j, rest := range entries[i+1:] {
					if r := results[i+1+j]; r != nil {
						lm.destroy(ctx, rest.Manifest.ModID, r.Context)
					}
					lm.release(rest.Manifest.ModID)
				}
				return ferr
			}
			continue
		}
		lm.metrics.observeLoad(started)
	}
	return nil
}

// start runs the mod's Start and promotes the reservation to Active.
func (lm *LifecycleManager) start(ctx context.Context, entry ModEntry, result *LoadResult, queue *eventQueue) error {
	id := entry.Manifest.ModID
	inst := &ModInstance{
		Manifest:   entry.Manifest,
		Path:       entry.Path,
		State:      StateLoading,
		Context:    result.Context,
		Backend:    result.Backend,
		CanUnload:  result.CanUnload,
		CanSuspend: result.CanSuspend,
		HasExports: result.HasExports,
		Inert:      result.Inert,
		entry:      result.EntryPoint,
		shared:     result.Shared,
	}

	if inst.entry != nil {
		host := &modHost{lm: lm, modID: id, shared: result.Shared}
		err := callRecovered(lm.logger, "mod_start", func() error {
			return inst.entry.Start(host)
		})
		if err != nil {
			lm.destroy(ctx, id, result.Context)
			return NewRuntimeLoadError(id, err)
		}
	}

	inst.State = StateActive
	inst.LoadedAt = timecache.CachedTime()

	lm.mu.Lock()
	lm.instances[id] = inst
	lm.refreshCountsLocked()
	lm.mu.Unlock()

	lm.logger.Info("Mod loaded",
		"mod_id", id,
		"version", entry.Manifest.Version,
		"backend", inst.Backend,
		"can_unload", inst.CanUnload,
		"can_suspend", inst.CanSuspend,
		"inert", inst.Inert)
	lm.metrics.observeTransition("load")
	queue.add(lm.event(EventModLoaded, entry.Manifest, StateActive, nil))
	return nil
}

func (lm *LifecycleManager) handleLoadFailure(ctx context.Context, entry ModEntry, err error, opts BatchOptions, queue *eventQueue) error {
	id := entry.Manifest.ModID
	lm.metrics.observeFailure(err)
	queue.add(lm.event(EventModLoadFailed, entry.Manifest, StateUnloaded, err))

	if !opts.IsolateFailures {
		lm.release(id)
		lm.logger.Error("Mod failed to load", "mod_id", id, "error", err)
		return err
	}

	lm.logger.Error("Mod failed to load, continuing with an inert instance", "mod_id", id, "error", err)
	inert := lm.host.registerInert(entry)
	return lm.start(ctx, entry, inert, queue)
}

// Unload runs the unloading event, lets the mod release its resources,
// destroys its context and removes it from the registry.
//
// Bookkeeping always completes once the capability check passes: a mod whose
// Unload reports an error, or whose context refuses to close cleanly, is
// still removed and the failure is logged.
func (lm *LifecycleManager) Unload(ctx context.Context, modID string) error {
	var queue eventQueue
	err := lm.unloadLocked(ctx, modID, &queue)
	lm.flush(queue)
	return err
}

func (lm *LifecycleManager) unloadLocked(ctx context.Context, modID string, queue *eventQueue) error {
	unlock := lm.lockMod(modID)
	defer unlock()

	inst, ok := lm.instance(modID)
	if !ok {
		return NewModNotLoadedError(modID)
	}
	if !inst.CanUnload {
		return NewUnsupportedOperationError(modID, "unload")
	}

	lm.emit(EventModUnloading, inst.Manifest, inst.State, nil)

	if u, ok := inst.entry.(Unloader); ok {
		if err := callRecovered(lm.logger, "mod_unload", u.Unload); err != nil {
			lm.logger.Warn("Mod reported an error while unloading", "mod_id", modID, "error", err)
		}
	}
	lm.destroy(ctx, modID, inst.Context)

	lm.mu.Lock()
	delete(lm.instances, modID)
	lm.removeOrderLocked(modID)
	lm.refreshCountsLocked()
	lm.mu.Unlock()

	lm.logger.Info("Mod unloaded", "mod_id", modID)
	lm.metrics.observeTransition("unload")
	queue.add(lm.event(EventModUnloaded, inst.Manifest, StateUnloaded, nil))
	return nil
}

// Suspend pauses an active mod. Suspending a suspended mod does nothing.
func (lm *LifecycleManager) Suspend(ctx context.Context, modID string) error {
	var queue eventQueue
	err := lm.toggle(modID, StateSuspended, &queue)
	lm.flush(queue)
	return err
}

// Resume resumes a suspended mod. Resuming an active mod does nothing.
func (lm *LifecycleManager) Resume(ctx context.Context, modID string) error {
	var queue eventQueue
	err := lm.toggle(modID, StateActive, &queue)
	lm.flush(queue)
	return err
}

func (lm *LifecycleManager) toggle(modID string, target ModState, queue *eventQueue) error {
	operation := "suspend"
	if target == StateActive {
		operation = "resume"
	}

	unlock := lm.lockMod(modID)
	defer unlock()

	inst, ok := lm.instance(modID)
	if !ok {
		return NewModNotLoadedError(modID)
	}
	if !inst.CanSuspend {
		return NewUnsupportedOperationError(modID, operation)
	}
	if inst.State == target {
		lm.logger.Debug("Mod already in requested state", "mod_id", modID, "state", target)
		return nil
	}

	s, ok := inst.entry.(Suspender)
	if !ok {
		return NewUnsupportedOperationError(modID, operation)
	}
	call := s.Suspend
	if target == StateActive {
		call = s.Resume
	}
	if err := callRecovered(lm.logger, "mod_"+operation, call); err != nil {
		return NewModOperationError(modID, operation, err)
	}

	lm.mu.Lock()
	if live, ok := lm.instances[modID]; ok {
		live.State = target
	}
	lm.refreshCountsLocked()
	lm.mu.Unlock()

	event := EventModSuspended
	if target == StateActive {
		event = EventModResumed
	}
	lm.logger.Info("Mod state changed", "mod_id", modID, "state", target)
	lm.metrics.observeTransition(operation)
	queue.add(lm.event(event, inst.Manifest, target, nil))
	return nil
}

// UnloadAll unloads every unloadable mod in reverse load order. Mods that
// cannot be unloaded are left in place.
func (lm *LifecycleManager) UnloadAll(ctx context.Context) {
	lm.mu.RLock()
	order := append([]string(nil), lm.order...)
	lm.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		err := lm.Unload(ctx, order[i])
		if err != nil && !IsErrorCode(err, ErrCodeModNotLoaded) {
			lm.logger.Debug("Mod left loaded during shutdown", "mod_id", order[i], "reason", err)
		}
	}
}

// GetLoadedMods returns a consistent snapshot of the registry in load order.
func (lm *LifecycleManager) GetLoadedMods() []ModInfo {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]ModInfo, 0, len(lm.order))
	for _, id := range lm.order {
		if inst, ok := lm.instances[id]; ok {
			out = append(out, inst.info())
		}
	}
	return out
}

// IsLoaded reports whether modID is registered, in any state.
func (lm *LifecycleManager) IsLoaded(modID string) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	_, ok := lm.instances[modID]
	return ok
}

// Instance returns a copy of the record for modID.
func (lm *LifecycleManager) Instance(modID string) (ModInstance, bool) {
	inst, ok := lm.instance(modID)
	if !ok {
		return ModInstance{}, false
	}
	return *inst, true
}

func (lm *LifecycleManager) instance(modID string) (*ModInstance, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	inst, ok := lm.instances[modID]
	if !ok {
		return nil, false
	}
	snapshot := *inst
	return &snapshot, true
}

// reserve registers entry in the Loading state. It fails if the id is taken.
func (lm *LifecycleManager) reserve(entry ModEntry) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	id := entry.Manifest.ModID
	if _, exists := lm.instances[id]; exists {
		return false
	}
	lm.instances[id] = &ModInstance{Manifest: entry.Manifest, Path: entry.Path, State: StateLoading}
	lm.order = append(lm.order, id)
	return true
}

func (lm *LifecycleManager) release(modID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.instances, modID)
	lm.removeOrderLocked(modID)
	lm.refreshCountsLocked()
}

func (lm *LifecycleManager) destroy(ctx context.Context, modID string, handle ContextHandle) {
	if err := lm.host.Unload(ctx, handle); err != nil {
		lm.logger.Warn("Failed to destroy isolation context", "mod_id", modID, "error", err)
	}
}

func (lm *LifecycleManager) removeOrderLocked(modID string) {
	for i, id := range lm.order {
		if id == modID {
			lm.order = append(lm.order[:i], lm.order[i+1:]...)
			return
		}
	}
}

func (lm *LifecycleManager) refreshCountsLocked() {
	active, suspended := 0, 0
	for _, inst := range lm.instances {
		switch inst.State {
		case StateActive:
			active++
		case StateSuspended:
			suspended++
		}
	}
	lm.metrics.setCounts(active, suspended)
}

func (lm *LifecycleManager) lockMod(modID string) func() {
	lm.locksMu.Lock()
	l, ok := lm.locks[modID]
	if !ok {
		l = &sync.Mutex{}
		lm.locks[modID] = l
	}
	lm.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (lm *LifecycleManager) emit(t LifecycleEventType, m *ModManifest, state ModState, err error) {
	lm.events.emit(lm.event(t, m, state, err))
}

// flush delivers events held back until the operation released its locks.
func (lm *LifecycleManager) flush(queue eventQueue) {
	for _, event := range queue {
		lm.events.emit(event)
	}
}

func (lm *LifecycleManager) event(t LifecycleEventType, m *ModManifest, state ModState, err error) LifecycleEvent {
	event := LifecycleEvent{
		Type:      t,
		Timestamp: timecache.CachedTime(),
		State:     state,
	}
	if m != nil {
		event.ModID = m.ModID
		event.Version = m.Version
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

// eventQueue holds completion events of one operation.
type eventQueue []LifecycleEvent

func (q *eventQueue) add(event LifecycleEvent) {
	*q = append(*q, event)
}

func dedupeEntries(entries []ModEntry) []ModEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]ModEntry, 0, len(entries))
	for _, e := range entries {
		if e.Manifest == nil {
			continue
		}
		if _, ok := seen[e.Manifest.ModID]; ok {
			continue
		}
		seen[e.Manifest.ModID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// modHost is the ModHost handed to one started mod.
type modHost struct {
	lm     *LifecycleManager
	modID  string
	shared SharedTypes
}

func (h *modHost) LoaderVersion() string { return LoaderVersion }

func (h *modHost) ActiveMods() []ModInfo { return h.lm.GetLoadedMods() }

func (h *modHost) ModDirectory(modID string) (string, bool) {
	inst, ok := h.lm.instance(modID)
	if !ok || inst.Path == "" {
		return "", false
	}
	return filepath.Dir(inst.Path), true
}

func (h *modHost) Shared() SharedTypes { return h.shared }

func (h *modHost) AddOrReplaceController(name string, controller any) {
	h.lm.controllers.AddOrReplace(h.modID, name, controller)
}

func (h *modHost) GetController(name string) (any, bool) {
	return h.lm.controllers.Get(name)
}

func (h *modHost) RemoveController(name string) {
	h.lm.controllers.Remove(name)
}

func (h *modHost) Logger() Logger { return h.lm.logger.With("mod_id", h.modID) }
