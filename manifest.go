// manifest.go: Mod and application manifest records
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Manifest file names looked up inside each mod or application folder.
const (
	ModConfigFileName     = "ModConfig.json"
	ModConfigYAMLFileName = "ModConfig.yaml"
	AppConfigFileName     = "AppConfig.json"
	AppConfigYAMLFileName = "AppConfig.yaml"
)

// Runtime hints selecting the isolation backend for a mod.
const (
	RuntimeAuto       = ""
	RuntimeInProcess  = "inprocess"
	RuntimeSubprocess = "subprocess"
)

// ModManifest describes one mod. Identity is by ModID.
//
// The capability flags are tri-state: nil means the mod has never been probed.
// After the first load the isolation host writes the discovered values back
// through the ManifestStore so later sessions can skip the probe.
type ModManifest struct {
	ModID       string   `json:"ModId" yaml:"mod_id"`
	Name        string   `json:"ModName" yaml:"name"`
	Author      string   `json:"ModAuthor,omitempty" yaml:"author,omitempty"`
	Version     string   `json:"ModVersion" yaml:"version"`
	Description string   `json:"ModDescription,omitempty" yaml:"description,omitempty"`
	EntryPath   string   `json:"ModDll,omitempty" yaml:"entry_path,omitempty"`
	Runtime     string   `json:"Runtime,omitempty" yaml:"runtime,omitempty"`
	Tags        []string `json:"Tags,omitempty" yaml:"tags,omitempty"`

	CanUnload  *bool `json:"CanUnload,omitempty" yaml:"can_unload,omitempty"`
	CanSuspend *bool `json:"CanSuspend,omitempty" yaml:"can_suspend,omitempty"`
	HasExports *bool `json:"HasExports,omitempty" yaml:"has_exports,omitempty"`

	IsLibrary      bool `json:"IsLibrary,omitempty" yaml:"is_library,omitempty"`
	IsUniversalMod bool `json:"IsUniversalMod,omitempty" yaml:"is_universal_mod,omitempty"`

	ModDependencies      []string `json:"ModDependencies,omitempty" yaml:"mod_dependencies,omitempty"`
	OptionalDependencies []string `json:"OptionalDependencies,omitempty" yaml:"optional_dependencies,omitempty"`
	SupportedAppIDs      []string `json:"SupportedAppId,omitempty" yaml:"supported_app_ids,omitempty"`

	// ModDependencyVersions optionally constrains dependency versions, keyed by
	// dependency id, using semver constraint syntax (">= 1.2, < 2").
	ModDependencyVersions map[string]string `json:"ModDependencyVersions,omitempty" yaml:"mod_dependency_versions,omitempty"`

	PluginData map[string]any `json:"PluginData,omitempty" yaml:"plugin_data,omitempty"`
}

// Validate checks the fields the loader relies on.
func (m *ModManifest) Validate() error {
	if strings.TrimSpace(m.ModID) == "" {
		return NewConfigValidationError("mod manifest has an empty ModId", nil)
	}
	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return NewConfigValidationError(fmt.Sprintf("mod %s has an invalid version %q", m.ModID, m.Version), err)
		}
	}
	for dep, constraint := range m.ModDependencyVersions {
		if _, err := semver.NewConstraint(constraint); err != nil {
			return NewConfigValidationError(fmt.Sprintf("mod %s has an invalid constraint for %s", m.ModID, dep), err)
		}
	}
	switch m.Runtime {
	case RuntimeAuto, RuntimeInProcess, RuntimeSubprocess:
	default:
		return NewConfigValidationError(fmt.Sprintf("mod %s has an unknown runtime %q", m.ModID, m.Runtime), nil)
	}
	return nil
}

// SupportsApp reports whether the mod targets appID. Universal mods and
// libraries target every application.
func (m *ModManifest) SupportsApp(appID string) bool {
	if m.IsUniversalMod || m.IsLibrary {
		return true
	}
	for _, id := range m.SupportedAppIDs {
		if strings.EqualFold(id, appID) {
			return true
		}
	}
	return false
}

// SatisfiesConstraint checks version against a semver constraint string.
// An empty constraint is always satisfied.
func SatisfiesConstraint(version, constraint string) (bool, error) {
	if constraint == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, err
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}

// Clone returns a deep copy so callers may cache capability flags without
// racing readers of the original.
func (m *ModManifest) Clone() *ModManifest {
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	c.ModDependencies = append([]string(nil), m.ModDependencies...)
	c.OptionalDependencies = append([]string(nil), m.OptionalDependencies...)
	c.SupportedAppIDs = append([]string(nil), m.SupportedAppIDs...)
	c.CanUnload = cloneFlag(m.CanUnload)
	c.CanSuspend = cloneFlag(m.CanSuspend)
	c.HasExports = cloneFlag(m.HasExports)
	if m.ModDependencyVersions != nil {
		c.ModDependencyVersions = make(map[string]string, len(m.ModDependencyVersions))
		for k, v := range m.ModDependencyVersions {
			c.ModDependencyVersions[k] = v
		}
	}
	if m.PluginData != nil {
		c.PluginData = make(map[string]any, len(m.PluginData))
		for k, v := range m.PluginData {
			c.PluginData[k] = v
		}
	}
	return &c
}

func cloneFlag(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// Flag returns a pointer to b, for populating tri-state capability fields.
func Flag(b bool) *bool {
	return &b
}

// ApplicationManifest describes one host application.
type ApplicationManifest struct {
	AppID            string   `json:"AppId" yaml:"app_id"`
	AppName          string   `json:"AppName,omitempty" yaml:"app_name,omitempty"`
	AppLocation      string   `json:"AppLocation" yaml:"app_location"`
	AppArguments     string   `json:"AppArguments,omitempty" yaml:"app_arguments,omitempty"`
	WorkingDirectory string   `json:"WorkingDirectory,omitempty" yaml:"working_directory,omitempty"`
	EnabledMods      []string `json:"EnabledMods" yaml:"enabled_mods"`

	PluginData map[string]any `json:"PluginData,omitempty" yaml:"plugin_data,omitempty"`
}

// ModEntry pairs a manifest with the path of the file it was read from.
type ModEntry struct {
	Path     string
	Manifest *ModManifest
}

// Directory is the folder holding the manifest, against which EntryPath is resolved.
func (e ModEntry) Directory() string {
	if e.Path == "" {
		return ""
	}
	return filepath.Dir(e.Path)
}

// ResolvedEntryPath returns the absolute location of the mod's code unit, or
// "" for mods that carry no code.
func (e ModEntry) ResolvedEntryPath() string {
	entry := e.Manifest.EntryPath
	if entry == "" {
		return ""
	}
	if filepath.IsAbs(entry) || e.Path == "" {
		return filepath.Clean(entry)
	}
	return filepath.Join(e.Directory(), entry)
}

// ApplicationEntry pairs an application manifest with its file path.
type ApplicationEntry struct {
	Path     string
	Manifest *ApplicationManifest
}

// AbsoluteAppLocation resolves AppLocation against the manifest directory when
// it is relative. A location starting with a separator but lacking a volume is
// rooted at the manifest's volume.
func (e ApplicationEntry) AbsoluteAppLocation() string {
	location := e.Manifest.AppLocation
	if location == "" {
		return ""
	}
	if filepath.IsAbs(location) {
		return location
	}
	base := filepath.Dir(e.Path)
	if strings.HasPrefix(location, string(filepath.Separator)) {
		return filepath.Join(filepath.VolumeName(base)+string(filepath.Separator), strings.TrimLeft(location, string(filepath.Separator)))
	}
	return filepath.Join(base, location)
}

// manifestsOf strips paths from entries, preserving order.
func manifestsOf(entries []ModEntry) []*ModManifest {
	out := make([]*ModManifest, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Manifest)
	}
	return out
}
