// loader.go: Top-level orchestrator binding manifests to the running process
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// LoaderVersion is reported to mods through ModHost and by modctl.
const LoaderVersion = "1.0.0"

// FatalHandler receives errors that escape process startup.
type FatalHandler func(err error)

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithManifestStore replaces the default file-backed store.
func WithManifestStore(store ManifestStore) LoaderOption {
	return func(l *Loader) { l.store = store }
}

// WithLoaderLogger sets the logger. Anything NewLogger accepts is allowed.
func WithLoaderLogger(logger any) LoaderOption {
	return func(l *Loader) { l.logger = NewLogger(logger) }
}

// WithExecutablePath overrides how the running executable is located.
func WithExecutablePath(fn func() (string, error)) LoaderOption {
	return func(l *Loader) { l.executable = fn }
}

// WithBackends replaces the default isolation backends.
func WithBackends(backends ...IsolationBackend) LoaderOption {
	return func(l *Loader) { l.backends = backends }
}

// WithMetricsRegisterer registers lifecycle metrics with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) LoaderOption {
	return func(l *Loader) { l.registerer = reg }
}

// WithFatalHandler replaces the default fatal handler.
func WithFatalHandler(fn FatalHandler) LoaderOption {
	return func(l *Loader) { l.fatal = fn }
}

// WithProcessID overrides the pid keying the port record.
func WithProcessID(pid int) LoaderOption {
	return func(l *Loader) { l.pid = pid }
}

// Loader finds the application manifest of the running process, loads its
// enabled mods with their dependencies, and serves control requests.
//
// LoadMod, UnloadMod, SuspendMod, ResumeMod and GetLoadedMods fail with
// NotInitialized until LoadForCurrentProcess has succeeded.
type Loader struct {
	config     LoaderConfig
	store      ManifestStore
	logger     Logger
	executable func() (string, error)
	pid        int
	fatal      FatalHandler
	registerer prometheus.Registerer
	backends   []IsolationBackend

	inProcess *InProcessBackend
	resolver  *DependencyResolver
	host      *IsolationHost
	lifecycle *LifecycleManager
	metrics   *LifecycleMetrics
	audit     *LifecycleAudit
	watcher   *ManifestWatcher

	initialized atomic.Bool

	// loadMu serializes batch computation so two loads never race for a
	// shared dependency.
	loadMu sync.Mutex

	mu          sync.Mutex
	app         *ApplicationEntry
	record      *PortRecord
	server      *ControlServer
	grpcServer  *grpc.Server
	grpcAddress string
}

// NewLoader creates a loader. The default backends are an in-process backend,
// reachable through InProcess, followed by a subprocess backend.
func NewLoader(config LoaderConfig, opts ...LoaderOption) (*Loader, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := &Loader{
		config:     config,
		executable: os.Executable,
		pid:        os.Getpid(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = DefaultLogger()
	}
	if l.store == nil {
		l.store = NewFileManifestStore(l.logger)
	}
	if l.fatal == nil {
		l.fatal = l.defaultFatal
	}
	if l.backends == nil {
		l.inProcess = NewInProcessBackend(l.logger)
		l.backends = []IsolationBackend{
			l.inProcess,
			NewSubprocessBackend(config.Subprocess, l.logger),
		}
	} else {
		for _, b := range l.backends {
			if ip, ok := b.(*InProcessBackend); ok && l.inProcess == nil {
				l.inProcess = ip
			}
		}
	}

	audit, err := NewLifecycleAudit(config.Audit, l.logger)
	if err != nil {
		return nil, err
	}
	l.audit = audit

	l.metrics = NewLifecycleMetrics(l.registerer)
	l.resolver = NewDependencyResolver(l.logger)
	l.host = NewIsolationHost(NewExportRegistry(), l.store, l.logger, l.backends...)
	l.lifecycle = NewLifecycleManager(l.host, l.logger, l.metrics)
	if l.audit != nil {
		l.lifecycle.Subscribe(l.audit.HandleEvent)
	}

	if config.WatchManifests {
		if inv, ok := l.store.(Invalidator); ok {
			l.watcher = NewManifestWatcher(inv, config.PollInterval, l.logger)
		} else {
			l.logger.Warn("Manifest store does not cache, watching disabled")
		}
	}
	return l, nil
}

// InProcess returns the in-process backend, where mod factories are
// registered, or nil when custom backends without one were supplied.
func (l *Loader) InProcess() *InProcessBackend {
	return l.inProcess
}

// Lifecycle returns the lifecycle manager, mainly to subscribe to events.
func (l *Loader) Lifecycle() *LifecycleManager {
	return l.lifecycle
}

// IsInitialized reports whether LoadForCurrentProcess has succeeded.
func (l *Loader) IsInitialized() bool {
	return l.initialized.Load()
}

// Application returns the manifest matched by LoadForCurrentProcess.
func (l *Loader) Application() (ApplicationEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.app == nil {
		return ApplicationEntry{}, false
	}
	return *l.app, true
}

// FindApplicationManifest returns the application manifest of the running
// process.
//
// Every manifest's AppLocation is normalized and compared with the
// executable path, ignoring case. When none matches, for instance because a
// store front moved the binary, the name of the executable's folder and then
// the executable name are tried as AppId.
func (l *Loader) FindApplicationManifest(ctx context.Context) (*ApplicationEntry, error) {
	exe, err := l.executable()
	if err != nil {
		return nil, NewConfigurationNotFoundError("").WithContext("cause", err.Error())
	}
	exePath := normalizePath(exe)

	apps, err := l.store.GetAllApplications(l.config.ApplicationConfigDirectory)
	if err != nil {
		return nil, err
	}

	for i := range apps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		location := apps[i].AbsoluteAppLocation()
		if location != "" && strings.EqualFold(normalizePath(location), exePath) {
			return &apps[i], nil
		}
	}

	folder := filepath.Base(filepath.Dir(exePath))
	name := strings.TrimSuffix(filepath.Base(exePath), filepath.Ext(exePath))
	for _, candidate := range []string{folder, filepath.Base(exePath), name} {
		for i := range apps {
			if strings.EqualFold(apps[i].Manifest.AppID, candidate) {
				l.logger.Info("Application matched by id fallback",
					"app_id", apps[i].Manifest.AppID,
					"executable", exePath)
				return &apps[i], nil
			}
		}
	}

	return nil, NewConfigurationNotFoundError(exePath)
}

// LoadForCurrentProcess loads the enabled mods of the running application
// together with their dependencies.
//
// Missing dependencies are collected over the whole batch and fail it before
// anything loads, unless the loader runs in test mode. A mod failing to load
// is replaced by an inert instance and the batch continues.
func (l *Loader) LoadForCurrentProcess(ctx context.Context) error {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	if l.initialized.Load() {
		return NewAlreadyInitializedError()
	}

	app, err := l.FindApplicationManifest(ctx)
	if err != nil {
		return err
	}

	mods, err := l.store.GetAllMods(l.config.ModConfigDirectory)
	if err != nil {
		return err
	}
	byID := make(map[string]ModEntry, len(mods))
	for _, e := range mods {
		if _, exists := byID[e.Manifest.ModID]; !exists {
			byID[e.Manifest.ModID] = e
		}
	}

	var enabled []*ModManifest
	for _, id := range app.Manifest.EnabledMods {
		e, ok := byID[id]
		if !ok {
			l.logger.Warn("Enabled mod is not installed, skipping", "mod_id", id, "app_id", app.Manifest.AppID)
			continue
		}
		enabled = append(enabled, e.Manifest)
	}

	entries, err := l.planBatch(enabled, mods, byID)
	if err != nil {
		return err
	}

	l.logger.Info("Loading mods for application",
		"app_id", app.Manifest.AppID,
		"enabled", len(enabled),
		"batch", len(entries))

	err = l.lifecycle.LoadBatch(ctx, entries, BatchOptions{
		IsolateFailures: true,
		ParallelPrepare: l.config.ParallelPrepare,
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.app = app
	l.mu.Unlock()
	l.initialized.Store(true)
	l.lifecycle.NotifyInitialized()
	return nil
}

// planBatch computes the dependency-ordered entries needed to load targets,
// leaving out mods that are already loaded.
func (l *Loader) planBatch(targets []*ModManifest, mods []ModEntry, byID map[string]ModEntry) ([]ModEntry, error) {
	deps := l.resolver.Resolve(targets, manifestsOf(mods))
	if len(deps.Missing) > 0 {
		if !l.config.Testing {
			return nil, NewMissingDependencyError(deps.Missing)
		}
		l.logger.Warn("Missing dependencies ignored in test mode", "missing", strings.Join(deps.Missing, ","))
	}

	all := make([]*ModManifest, 0, len(targets)+len(deps.Present))
	all = append(all, targets...)
	all = append(all, deps.Present...)

	var entries []ModEntry
	for _, m := range l.resolver.TopoSort(all) {
		if l.lifecycle.IsLoaded(m.ModID) {
			continue
		}
		entries = append(entries, byID[m.ModID])
	}
	return entries, nil
}

// LoadMod loads one installed mod and any of its dependencies that are not
// loaded yet. A failure is returned to the caller; dependencies loaded before
// the failing mod stay loaded.
func (l *Loader) LoadMod(ctx context.Context, modID string) error {
	if !l.initialized.Load() {
		return NewNotInitializedError("LoadMod")
	}

	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	if l.lifecycle.IsLoaded(modID) {
		return NewDuplicateLoadError(modID)
	}

	mods, err := l.store.GetAllMods(l.config.ModConfigDirectory)
	if err != nil {
		return err
	}
	byID := make(map[string]ModEntry, len(mods))
	for _, e := range mods {
		if _, exists := byID[e.Manifest.ModID]; !exists {
			byID[e.Manifest.ModID] = e
		}
	}
	target, ok := byID[modID]
	if !ok {
		return NewModNotFoundError(modID)
	}

	entries, err := l.planBatch([]*ModManifest{target.Manifest}, mods, byID)
	if err != nil {
		return err
	}
	return l.lifecycle.LoadBatch(ctx, entries, BatchOptions{})
}

func (l *Loader) UnloadMod(ctx context.Context, modID string) error {
	if !l.initialized.Load() {
		return NewNotInitializedError("UnloadMod")
	}
	return l.lifecycle.Unload(ctx, modID)
}

func (l *Loader) SuspendMod(ctx context.Context, modID string) error {
	if !l.initialized.Load() {
		return NewNotInitializedError("SuspendMod")
	}
	return l.lifecycle.Suspend(ctx, modID)
}

func (l *Loader) ResumeMod(ctx context.Context, modID string) error {
	if !l.initialized.Load() {
		return NewNotInitializedError("ResumeMod")
	}
	return l.lifecycle.Resume(ctx, modID)
}

func (l *Loader) GetLoadedMods(ctx context.Context) ([]ModInfo, error) {
	if !l.initialized.Load() {
		return nil, NewNotInitializedError("GetLoadedMods")
	}
	return l.lifecycle.GetLoadedMods(), nil
}

// Run is the process startup path. It starts the control server, then loads
// mods for the current process while the background manifest checks run
// beside it, and returns once both are done. An error escaping startup is
// also passed to the fatal handler.
func (l *Loader) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during startup: %v", r)
			l.logger.Error("Panic recovered", "component", "loader_run", "panic", r, "stack", string(captureStack()))
		}
		if err != nil {
			l.fatal(err)
		}
	}()

	if err := l.startControl(ctx); err != nil {
		return err
	}
	if err := l.startWatcher(); err != nil {
		l.logger.Warn("Manifest watching unavailable", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.LoadForCurrentProcess(gctx)
	})
	if !l.config.SkipHealthChecks {
		g.Go(func() error {
			l.runHealthChecks(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (l *Loader) startControl(ctx context.Context) error {
	record, err := OpenPortRecord(l.config.PortRecordDirectory, l.pid)
	if err != nil {
		return err
	}
	server := NewControlServer(l.config.Control, l, record, l.logger,
		WithControlMetrics(l.metrics),
		WithControlAudit(l.audit))
	if err := server.Start(ctx); err != nil {
		_ = record.Close()
		return err
	}

	l.mu.Lock()
	l.record = record
	l.server = server
	l.mu.Unlock()

	if l.config.Control.EnableGRPC {
		return l.startGRPC(ctx)
	}
	return nil
}

func (l *Loader) startGRPC(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", l.config.Control.GRPCAddress)
	if err != nil {
		return NewControlServerError("failed to create gRPC listener", err)
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(controlUnaryInterceptor(l.logger, l.metrics, l.audit)),
		grpc.MaxRecvMsgSize(1<<20),
	)
	RegisterControlService(server, l)

	l.mu.Lock()
	l.grpcServer = server
	l.grpcAddress = listener.Addr().String()
	l.mu.Unlock()

	SafeGo(l.logger, "control_grpc_serve", func() {
		if err := server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			l.logger.Error("gRPC control server stopped", "error", err)
		}
	})
	l.logger.Info("gRPC control service started", "address", listener.Addr().String())
	return nil
}

// ControlAddress returns the address of the msgpack control server.
func (l *Loader) ControlAddress() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server == nil {
		return ""
	}
	return l.server.Addr()
}

// GRPCAddress returns the address of the gRPC control service.
func (l *Loader) GRPCAddress() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grpcAddress
}

func (l *Loader) startWatcher() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Watch(l.config.ModConfigDirectory, l.config.ApplicationConfigDirectory)
	if err != nil {
		return err
	}
	return l.watcher.Start()
}

// runHealthChecks reports manifest problems that do not block loading.
func (l *Loader) runHealthChecks(ctx context.Context) {
	for _, dir := range []string{l.config.ModConfigDirectory, l.config.ApplicationConfigDirectory} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			l.logger.Warn("Configuration directory not found", "directory", dir)
		}
	}

	mods, err := l.store.GetAllMods(l.config.ModConfigDirectory)
	if err != nil {
		l.logger.Warn("Health check could not list mods", "error", err)
		return
	}
	byID := make(map[string]*ModManifest, len(mods))
	for _, e := range mods {
		byID[e.Manifest.ModID] = e.Manifest
	}

	for _, e := range mods {
		if ctx.Err() != nil {
			return
		}
		m := e.Manifest
		if err := m.Validate(); err != nil {
			l.logger.Warn("Invalid mod manifest", "mod_id", m.ModID, "path", e.Path, "error", err)
			continue
		}
		for depID, constraint := range m.ModDependencyVersions {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			satisfied, err := SatisfiesConstraint(dep.Version, constraint)
			if err != nil || !satisfied {
				l.logger.Warn("Dependency version does not satisfy constraint",
					"mod_id", m.ModID,
					"dependency", depID,
					"version", dep.Version,
					"constraint", constraint)
			}
		}
	}

	app, err := l.FindApplicationManifest(ctx)
	if err != nil {
		return
	}
	for _, id := range app.Manifest.EnabledMods {
		if m, ok := byID[id]; ok && !m.SupportsApp(app.Manifest.AppID) {
			l.logger.Warn("Enabled mod does not list this application",
				"mod_id", id,
				"app_id", app.Manifest.AppID)
		}
	}
}

// Close stops the control surfaces, unloads every unloadable mod in reverse
// load order and releases the watcher and audit log.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	server, record, grpcServer := l.server, l.record, l.grpcServer
	l.server, l.record, l.grpcServer, l.grpcAddress = nil, nil, nil, ""
	l.mu.Unlock()

	var firstErr error
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if server != nil {
		if err := server.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if record != nil {
		if err := record.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	l.lifecycle.UnloadAll(ctx)
	l.initialized.Store(false)

	if l.watcher != nil {
		if err := l.watcher.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (l *Loader) defaultFatal(err error) {
	l.logger.Error("Mod loader failed to start", "error", err)
	fmt.Fprintf(os.Stderr, "mod loader failed to start: %v\n", err)
}

// normalizePath makes p absolute and clean, without trailing separators.
func normalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.Clean(p)
	if len(p) > len(filepath.VolumeName(p))+1 {
		p = strings.TrimRight(p, `/\`)
	}
	return p
}
