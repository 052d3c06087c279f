// manifest_store.go: Manifest discovery and persistence
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// maxManifestSize bounds manifest reads.
const maxManifestSize = 4 * 1024 * 1024

// ManifestStore supplies manifests from durable storage.
//
// The loader only reads through this interface, with one exception: after a
// mod has been probed its discovered capability flags are persisted with
// SaveModCapabilities.
type ManifestStore interface {
	GetAllMods(directory string) ([]ModEntry, error)
	GetAllApplications(directory string) ([]ApplicationEntry, error)
	SaveModCapabilities(entry ModEntry) error
}

// FileManifestStore reads manifests from folders on disk. Every immediate or
// nested folder holding a ModConfig.json/ModConfig.yaml (or AppConfig.*) file
// contributes one manifest. Results are cached per directory until Invalidate
// is called, normally by a ManifestWatcher.
type FileManifestStore struct {
	logger Logger

	mu   sync.RWMutex
	mods map[string][]ModEntry
	apps map[string][]ApplicationEntry
}

// NewFileManifestStore creates a file-backed manifest store.
func NewFileManifestStore(logger Logger) *FileManifestStore {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &FileManifestStore{
		logger: logger,
		mods:   make(map[string][]ModEntry),
		apps:   make(map[string][]ApplicationEntry),
	}
}

// GetAllMods returns every mod manifest under directory, sorted by path.
// Unparseable manifests are logged and skipped. A missing directory yields no
// mods.
func (s *FileManifestStore) GetAllMods(directory string) ([]ModEntry, error) {
	s.mu.RLock()
	cached, ok := s.mods[directory]
	s.mu.RUnlock()
	if ok {
		return cloneModEntries(cached), nil
	}

	paths, err := findManifestFiles(directory, ModConfigFileName, ModConfigYAMLFileName)
	if err != nil {
		return nil, err
	}

	entries := make([]ModEntry, 0, len(paths))
	for _, path := range paths {
		var manifest ModManifest
		if err := readDocument(path, &manifest); err != nil {
			s.logger.Warn("Skipping unreadable mod manifest", "path", path, "error", err)
			continue
		}
		if err := manifest.Validate(); err != nil {
			s.logger.Warn("Skipping invalid mod manifest", "path", path, "error", err)
			continue
		}
		entries = append(entries, ModEntry{Path: path, Manifest: &manifest})
	}

	s.mu.Lock()
	s.mods[directory] = entries
	s.mu.Unlock()
	return cloneModEntries(entries), nil
}

// GetAllApplications returns every application manifest under directory.
func (s *FileManifestStore) GetAllApplications(directory string) ([]ApplicationEntry, error) {
	s.mu.RLock()
	cached, ok := s.apps[directory]
	s.mu.RUnlock()
	if ok {
		return append([]ApplicationEntry(nil), cached...), nil
	}

	paths, err := findManifestFiles(directory, AppConfigFileName, AppConfigYAMLFileName)
	if err != nil {
		return nil, err
	}

	entries := make([]ApplicationEntry, 0, len(paths))
	for _, path := range paths {
		var manifest ApplicationManifest
		if err := readDocument(path, &manifest); err != nil {
			s.logger.Warn("Skipping unreadable application manifest", "path", path, "error", err)
			continue
		}
		entries = append(entries, ApplicationEntry{Path: path, Manifest: &manifest})
	}

	s.mu.Lock()
	s.apps[directory] = entries
	s.mu.Unlock()
	return append([]ApplicationEntry(nil), entries...), nil
}

// SaveModCapabilities rewrites the capability flags of the manifest file at
// entry.Path. Only the known flag keys are touched; every other key, including
// those ModManifest does not model, is written back as stored on disk.
func (s *FileManifestStore) SaveModCapabilities(entry ModEntry) error {
	if entry.Path == "" || entry.Manifest == nil {
		return nil
	}

	data, err := readManifestFile(entry.Path)
	if err != nil {
		return err
	}

	flags := []capabilityFlag{
		{jsonKey: "CanUnload", yamlKey: "can_unload", value: entry.Manifest.CanUnload},
		{jsonKey: "CanSuspend", yamlKey: "can_suspend", value: entry.Manifest.CanSuspend},
		{jsonKey: "HasExports", yamlKey: "has_exports", value: entry.Manifest.HasExports},
	}

	var doc any
	switch argus.DetectFormat(entry.Path) {
	case argus.FormatJSON:
		doc, err = setJSONFlags(data, flags)
	case argus.FormatYAML:
		doc, err = setYAMLFlags(data, flags)
	default:
		err = fs.ErrInvalid
	}
	if err != nil {
		return NewManifestParseError(entry.Path, err)
	}

	if err := writeDocument(entry.Path, doc); err != nil {
		return err
	}

	s.logger.Debug("Persisted mod capabilities",
		"mod_id", entry.Manifest.ModID,
		"can_unload", flagString(entry.Manifest.CanUnload),
		"can_suspend", flagString(entry.Manifest.CanSuspend),
		"has_exports", flagString(entry.Manifest.HasExports))
	s.Invalidate()
	return nil
}

// capabilityFlag is one persisted flag. A nil value leaves the stored key as
// it is.
type capabilityFlag struct {
	jsonKey string
	yamlKey string
	value   *bool
}

// setJSONFlags decodes a JSON object keeping every value as raw bytes and
// replaces the flag keys.
func setJSONFlags(data []byte, flags []capabilityFlag) (map[string]json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	for _, f := range flags {
		if f.value == nil {
			continue
		}
		doc[f.jsonKey] = json.RawMessage(strconv.FormatBool(*f.value))
	}
	return doc, nil
}

// setYAMLFlags edits the top-level mapping of a YAML document in place, so
// key order, comments and unmodelled keys survive.
func setYAMLFlags(data []byte, flags []capabilityFlag) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
	}
	if len(doc.Content) == 0 {
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fs.ErrInvalid
	}

	for _, f := range flags {
		if f.value == nil {
			continue
		}
		idx := -1
		for i := 0; i+1 < len(root.Content); i += 2 {
			if root.Content[i].Value == f.yamlKey {
				idx = i
				break
			}
		}
		if idx >= 0 {
			root.Content[idx+1] = boolNode(*f.value)
			continue
		}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.yamlKey},
			boolNode(*f.value))
	}
	return &doc, nil
}

func boolNode(b bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(b)}
}

// Invalidate drops every cached directory listing.
func (s *FileManifestStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mods = make(map[string][]ModEntry)
	s.apps = make(map[string][]ApplicationEntry)
}

func findManifestFiles(directory string, names ...string) ([]string, error) {
	if directory == "" {
		return nil, nil
	}
	if _, err := os.Stat(directory); os.IsNotExist(err) {
		return nil, nil
	}

	var found []string
	err := filepath.WalkDir(directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, name := range names {
			if d.Name() == name {
				found = append(found, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, NewManifestStoreError("failed to scan manifest directory", err).
			WithContext("directory", directory)
	}
	sort.Strings(found)
	return found, nil
}

// readManifestFile reads a manifest file, refusing anything that is not a
// regular file of reasonable size.
func readManifestFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewManifestParseError(path, err)
	}
	if !info.Mode().IsRegular() || info.Size() > maxManifestSize {
		return nil, NewManifestParseError(path, fs.ErrInvalid)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from a directory walk
	if err != nil {
		return nil, NewManifestParseError(path, err)
	}
	return data, nil
}

// readDocument decodes a JSON or YAML file into out. The format follows the
// file extension.
func readDocument(path string, out any) error {
	data, err := readManifestFile(path)
	if err != nil {
		return err
	}

	switch argus.DetectFormat(path) {
	case argus.FormatJSON:
		err = json.Unmarshal(data, out)
	case argus.FormatYAML:
		err = yaml.Unmarshal(data, out)
	default:
		return NewManifestParseError(path, fs.ErrInvalid)
	}
	if err != nil {
		return NewManifestParseError(path, err)
	}
	return nil
}

// writeDocument encodes v in the file's format and replaces the file atomically.
func writeDocument(path string, v any) error {
	var (
		data []byte
		err  error
	)
	switch argus.DetectFormat(path) {
	case argus.FormatYAML:
		data, err = yaml.Marshal(v)
	default:
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return NewManifestStoreError("failed to encode manifest", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return NewManifestStoreError("failed to create temporary manifest", err)
	}
	defer os.Remove(tmp.Name()) // #nosec G104 -- no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return NewManifestStoreError("failed to write manifest", err)
	}
	if err := tmp.Close(); err != nil {
		return NewManifestStoreError("failed to write manifest", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return NewManifestStoreError("failed to replace manifest", err)
	}
	return nil
}

func cloneModEntries(entries []ModEntry) []ModEntry {
	out := make([]ModEntry, len(entries))
	for i, e := range entries {
		out[i] = ModEntry{Path: e.Path, Manifest: e.Manifest.Clone()}
	}
	return out
}

func flagString(b *bool) string {
	switch {
	case b == nil:
		return "unknown"
	case *b:
		return "true"
	default:
		return "false"
	}
}

// MemoryManifestStore keeps manifests in memory. It is used by embedders that
// source manifests elsewhere and by tests.
type MemoryManifestStore struct {
	mu    sync.RWMutex
	mods  []ModEntry
	apps  []ApplicationEntry
	saved []ModEntry
}

// NewMemoryManifestStore creates an empty in-memory store.
func NewMemoryManifestStore() *MemoryManifestStore {
	return &MemoryManifestStore{}
}

// AddMod registers a mod manifest. A second manifest with the same id replaces the first.
func (s *MemoryManifestStore) AddMod(entry ModEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.mods {
		if existing.Manifest.ModID == entry.Manifest.ModID {
			s.mods[i] = entry
			return
		}
	}
	s.mods = append(s.mods, entry)
}

// AddApplication registers an application manifest.
func (s *MemoryManifestStore) AddApplication(entry ApplicationEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps = append(s.apps, entry)
}

// GetAllMods ignores directory and returns every registered mod.
func (s *MemoryManifestStore) GetAllMods(string) ([]ModEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneModEntries(s.mods), nil
}

// GetAllApplications ignores directory and returns every registered application.
func (s *MemoryManifestStore) GetAllApplications(string) ([]ApplicationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ApplicationEntry(nil), s.apps...), nil
}

// SaveModCapabilities updates the stored manifest's known flags and records
// the call.
func (s *MemoryManifestStore) SaveModCapabilities(entry ModEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.mods {
		if existing.Manifest.ModID == entry.Manifest.ModID {
			updated := existing.Manifest.Clone()
			mergeFlag(&updated.CanUnload, entry.Manifest.CanUnload)
			mergeFlag(&updated.CanSuspend, entry.Manifest.CanSuspend)
			mergeFlag(&updated.HasExports, entry.Manifest.HasExports)
			s.mods[i] = ModEntry{Path: existing.Path, Manifest: updated}
		}
	}
	s.saved = append(s.saved, ModEntry{Path: entry.Path, Manifest: entry.Manifest.Clone()})
	return nil
}

func mergeFlag(dst **bool, src *bool) {
	if src != nil {
		*dst = cloneFlag(src)
	}
}

// Saved returns the capability writes seen so far.
func (s *MemoryManifestStore) Saved() []ModEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ModEntry(nil), s.saved...)
}
