// manifest_store_test.go: Manifest records and store tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestFileManifestStore_Mods(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "alpha", ModConfigFileName), `{
  "ModId": "alpha",
  "ModName": "Alpha",
  "ModVersion": "1.0.0",
  "ModDll": "alpha.so",
  "ModDependencies": ["beta"],
  "PluginData": {"color": "blue"}
}`)
	writeFile(t, filepath.Join(dir, "nested", "beta", ModConfigYAMLFileName), `
mod_id: beta
name: Beta
version: 2.1.0
can_unload: false
optional_dependencies: [gamma]
`)
	writeFile(t, filepath.Join(dir, "broken", ModConfigFileName), `{"ModId": `)
	writeFile(t, filepath.Join(dir, "invalid", ModConfigFileName), `{"ModId": "bad", "ModVersion": "one"}`)
	writeFile(t, filepath.Join(dir, "alpha", "readme.txt"), "not a manifest")

	logger := NewTestLogger()
	store := NewFileManifestStore(logger)

	mods, err := store.GetAllMods(dir)
	require.NoError(t, err)
	require.Len(t, mods, 2)

	alpha, beta := mods[0].Manifest, mods[1].Manifest
	assert.Equal(t, "alpha", alpha.ModID)
	assert.Equal(t, []string{"beta"}, alpha.ModDependencies)
	assert.Equal(t, "blue", alpha.PluginData["color"])
	assert.Equal(t, filepath.Join(dir, "alpha", "alpha.so"), mods[0].ResolvedEntryPath())
	assert.Nil(t, alpha.CanUnload)

	assert.Equal(t, "beta", beta.ModID)
	assert.Equal(t, "2.1.0", beta.Version)
	require.NotNil(t, beta.CanUnload)
	assert.False(t, *beta.CanUnload)
	assert.Equal(t, []string{"gamma"}, beta.OptionalDependencies)

	assert.True(t, logger.HasMessage("WARN", "Skipping unreadable mod manifest"))
	assert.True(t, logger.HasMessage("WARN", "Skipping invalid mod manifest"))

	t.Run("CachedUntilInvalidated", func(t *testing.T) {
		writeFile(t, filepath.Join(dir, "late", ModConfigFileName), `{"ModId": "late", "ModVersion": "1.0.0"}`)
		cached, err := store.GetAllMods(dir)
		require.NoError(t, err)
		assert.Len(t, cached, 2)

		store.Invalidate()
		fresh, err := store.GetAllMods(dir)
		require.NoError(t, err)
		assert.Len(t, fresh, 3)
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		first, err := store.GetAllMods(dir)
		require.NoError(t, err)
		first[0].Manifest.ModID = "mutated"

		second, err := store.GetAllMods(dir)
		require.NoError(t, err)
		assert.Equal(t, "alpha", second[0].Manifest.ModID)
	})

	t.Run("MissingDirectoryIsEmpty", func(t *testing.T) {
		mods, err := store.GetAllMods(filepath.Join(dir, "does-not-exist"))
		require.NoError(t, err)
		assert.Empty(t, mods)
	})
}

func TestFileManifestStore_Applications(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sonic", AppConfigFileName), `{
  "AppId": "sonic",
  "AppLocation": "../../Games/Sonic/sonic.exe",
  "EnabledMods": ["alpha", "beta"]
}`)
	writeFile(t, filepath.Join(dir, "tails", AppConfigYAMLFileName), `
app_id: tails
app_location: /games/tails/tails.bin
enabled_mods: []
`)

	store := NewFileManifestStore(NewTestLogger())
	apps, err := store.GetAllApplications(dir)
	require.NoError(t, err)
	require.Len(t, apps, 2)

	assert.Equal(t, "sonic", apps[0].Manifest.AppID)
	assert.Equal(t, []string{"alpha", "beta"}, apps[0].Manifest.EnabledMods)
	assert.Equal(t, filepath.Join(filepath.Dir(dir), "Games", "Sonic", "sonic.exe"), apps[0].AbsoluteAppLocation())

	assert.Equal(t, "tails", apps[1].Manifest.AppID)
	assert.Equal(t, "/games/tails/tails.bin", apps[1].AbsoluteAppLocation())
}

func TestFileManifestStore_SaveModCapabilities(t *testing.T) {
	dir := t.TempDir()

	t.Run("JSONKeepsOtherFields", func(t *testing.T) {
		path := filepath.Join(dir, "json", ModConfigFileName)
		writeFile(t, path, `{
  "ModId": "j",
  "ModName": "Json",
  "ModVersion": "1.0.0",
  "Tags": ["x"],
  "ModIcon": "icon.png",
  "ModNativeDll64": "native/x64.dll",
  "ModSubDirs": ["Redirector", "Assets"],
  "ReleaseMetadata": {"Build": 9007199254740993},
  "HasExports": false
}`)

		store := NewFileManifestStore(NewTestLogger())
		m := &ModManifest{ModID: "j", CanUnload: Flag(true), CanSuspend: Flag(false)}
		require.NoError(t, store.SaveModCapabilities(ModEntry{Path: path, Manifest: m}))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var stored map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &stored))
		assert.JSONEq(t, `"Json"`, string(stored["ModName"]))
		assert.JSONEq(t, `["x"]`, string(stored["Tags"]))
		assert.JSONEq(t, `"icon.png"`, string(stored["ModIcon"]))
		assert.JSONEq(t, `"native/x64.dll"`, string(stored["ModNativeDll64"]))
		assert.JSONEq(t, `["Redirector", "Assets"]`, string(stored["ModSubDirs"]))
		assert.Contains(t, string(data), "9007199254740993")
		assert.JSONEq(t, `true`, string(stored["CanUnload"]))
		assert.JSONEq(t, `false`, string(stored["CanSuspend"]))
		assert.JSONEq(t, `false`, string(stored["HasExports"]), "unknown flag keeps its stored value")
	})

	t.Run("YAMLStaysYAML", func(t *testing.T) {
		path := filepath.Join(dir, "yaml", ModConfigYAMLFileName)
		writeFile(t, path, "# hand written\nmod_id: y\nname: Yaml\nversion: 1.0.0\nmod_icon: icon.png\nproject_url: https://example.org/y\ncan_suspend: true\n")

		store := NewFileManifestStore(NewTestLogger())
		mods, err := store.GetAllMods(filepath.Join(dir, "yaml"))
		require.NoError(t, err)
		require.Len(t, mods, 1)

		m := mods[0].Manifest
		m.HasExports = Flag(false)
		m.CanUnload = Flag(true)
		m.CanSuspend = nil
		require.NoError(t, store.SaveModCapabilities(mods[0]))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "# hand written")

		var raw map[string]any
		require.NoError(t, yaml.Unmarshal(data, &raw))
		assert.Equal(t, "icon.png", raw["mod_icon"])
		assert.Equal(t, "https://example.org/y", raw["project_url"])
		assert.Equal(t, true, raw["can_unload"])
		assert.Equal(t, false, raw["has_exports"])
		assert.Equal(t, true, raw["can_suspend"])

		reread, err := store.GetAllMods(filepath.Join(dir, "yaml"))
		require.NoError(t, err)
		require.Len(t, reread, 1)
		assert.Equal(t, "Yaml", reread[0].Manifest.Name)
		require.NotNil(t, reread[0].Manifest.HasExports)
		assert.False(t, *reread[0].Manifest.HasExports)
		require.NotNil(t, reread[0].Manifest.CanSuspend)
		assert.True(t, *reread[0].Manifest.CanSuspend)
	})

	t.Run("YAMLFlagsUpdatedInPlace", func(t *testing.T) {
		path := filepath.Join(dir, "inplace", ModConfigYAMLFileName)
		writeFile(t, path, "mod_id: z\ncan_unload: false\nmod_icon: z.png\n")

		store := NewFileManifestStore(NewTestLogger())
		m := &ModManifest{ModID: "z", CanUnload: Flag(true)}
		require.NoError(t, store.SaveModCapabilities(ModEntry{Path: path, Manifest: m}))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "mod_id: z\ncan_unload: true\nmod_icon: z.png\n", string(data))
	})

	t.Run("MissingFile", func(t *testing.T) {
		store := NewFileManifestStore(NewTestLogger())
		err := store.SaveModCapabilities(ModEntry{Path: filepath.Join(dir, "nope", ModConfigFileName), Manifest: testManifest("nope")})
		assert.True(t, IsErrorCode(err, ErrCodeManifestParseError))
	})
}

func TestMemoryManifestStore(t *testing.T) {
	store := NewMemoryManifestStore()
	store.AddMod(ModEntry{Path: "/mods/a/ModConfig.json", Manifest: testManifest("a")})
	store.AddMod(ModEntry{Path: "/mods/a2/ModConfig.json", Manifest: testManifest("a", "b")})

	mods, err := store.GetAllMods("")
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, []string{"b"}, mods[0].Manifest.ModDependencies)

	update := mods[0].Manifest
	update.CanSuspend = Flag(true)
	require.NoError(t, store.SaveModCapabilities(ModEntry{Path: mods[0].Path, Manifest: update}))

	mods, err = store.GetAllMods("")
	require.NoError(t, err)
	require.NotNil(t, mods[0].Manifest.CanSuspend)
	assert.True(t, *mods[0].Manifest.CanSuspend)
	assert.Len(t, store.Saved(), 1)
}

func TestModManifest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ModManifest)
		wantErr bool
	}{
		{"Valid", func(*ModManifest) {}, false},
		{"EmptyID", func(m *ModManifest) { m.ModID = " " }, true},
		{"BadVersion", func(m *ModManifest) { m.Version = "v-next" }, true},
		{"NoVersion", func(m *ModManifest) { m.Version = "" }, false},
		{"BadConstraint", func(m *ModManifest) { m.ModDependencyVersions = map[string]string{"x": ">>> 1"} }, true},
		{"SubprocessRuntime", func(m *ModManifest) { m.Runtime = RuntimeSubprocess }, false},
		{"UnknownRuntime", func(m *ModManifest) { m.Runtime = "wasm" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManifest("m")
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr {
				assert.True(t, IsErrorCode(err, ErrCodeConfigValidationError), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestModManifest_Helpers(t *testing.T) {
	t.Run("SupportsApp", func(t *testing.T) {
		m := testManifest("m")
		m.SupportedAppIDs = []string{"Sonic"}
		assert.True(t, m.SupportsApp("sonic"))
		assert.False(t, m.SupportsApp("tails"))
		m.IsUniversalMod = true
		assert.True(t, m.SupportsApp("tails"))
	})

	t.Run("SatisfiesConstraint", func(t *testing.T) {
		ok, err := SatisfiesConstraint("1.4.2", ">= 1.2, < 2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = SatisfiesConstraint("2.0.0", ">= 1.2, < 2")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = SatisfiesConstraint("anything", "")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = SatisfiesConstraint("nope", ">= 1")
		assert.Error(t, err)
	})

	t.Run("CloneIsDeep", func(t *testing.T) {
		m := testManifest("m", "dep")
		m.CanUnload = Flag(true)
		m.PluginData = map[string]any{"k": "v"}

		c := m.Clone()
		c.ModDependencies[0] = "changed"
		*c.CanUnload = false
		c.PluginData["k"] = "changed"

		assert.Equal(t, "dep", m.ModDependencies[0])
		assert.True(t, *m.CanUnload)
		assert.Equal(t, "v", m.PluginData["k"])
	})

	t.Run("ResolvedEntryPath", func(t *testing.T) {
		e := ModEntry{Path: filepath.Join("/mods", "m", ModConfigFileName), Manifest: testManifest("m")}
		assert.Equal(t, filepath.Join("/mods", "m", "m.so"), e.ResolvedEntryPath())

		e.Manifest.EntryPath = ""
		assert.Equal(t, "", e.ResolvedEntryPath())

		e.Manifest.EntryPath = "/abs/code.so"
		assert.Equal(t, "/abs/code.so", e.ResolvedEntryPath())
	})
}
