// mod.go: Contract between the loader and mod code
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

// Mod is the entry point of a loaded mod.
//
// A mod is constructed by its factory inside an isolation context and then
// started once by the lifecycle manager. Construction must not have side
// effects on the host, since the first construction of a never-probed mod
// happens in a throwaway context and is discarded without Start being called.
type Mod interface {
	Start(host ModHost) error
}

// Suspender is implemented by mods that can pause and resume their effects.
type Suspender interface {
	Suspend() error
	Resume() error
}

// Unloader is implemented by mods that can release their resources before
// their context is destroyed.
type Unloader interface {
	Unload() error
}

// CapabilityReporter lets a mod veto suspension or unloading at run time even
// when it implements Suspender or Unloader.
type CapabilityReporter interface {
	CanSuspend() bool
	CanUnload() bool
}

// Exporter is implemented by mods that publish shared types to dependents.
type Exporter interface {
	Exports() []ExportedType
}

// ModContext is handed to a factory when a mod is constructed.
type ModContext struct {
	ModID     string
	Directory string
	Manifest  *ModManifest
	Shared    SharedTypes
	Logger    Logger
}

// ModFactory constructs a mod inside an isolation context.
type ModFactory func(ctx *ModContext) (Mod, error)

// ModHost is the loader API available to a started mod.
type ModHost interface {
	LoaderVersion() string
	ActiveMods() []ModInfo
	ModDirectory(modID string) (string, bool)

	// Shared returns the shared types visible to the calling mod.
	Shared() SharedTypes

	AddOrReplaceController(name string, controller any)
	GetController(name string) (any, bool)
	RemoveController(name string)

	Logger() Logger
}

// capabilitiesOf derives CanSuspend and CanUnload from what a constructed mod
// implements. A nil mod carries no code and can always be unloaded.
func capabilitiesOf(m Mod) (canSuspend, canUnload bool) {
	if m == nil {
		return false, true
	}
	_, canSuspend = m.(Suspender)
	_, canUnload = m.(Unloader)
	if reporter, ok := m.(CapabilityReporter); ok {
		canSuspend = canSuspend && reporter.CanSuspend()
		canUnload = canUnload && reporter.CanUnload()
	}
	return canSuspend, canUnload
}

// applyManifestVeto lets an explicit false in the manifest override detection.
func applyManifestVeto(detected bool, declared *bool) bool {
	if declared != nil && !*declared {
		return false
	}
	return detected
}
