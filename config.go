// config.go: Loader configuration with defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"os"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// LoaderConfig configures a Loader.
//
// Example YAML:
//
//	mod_config_directory: ${MODLOADER_HOME:-/opt/game}/Mods
//	application_config_directory: /opt/game/Apps
//	control:
//	  address: 127.0.0.1:0
//	  enable_grpc: true
//	watch_manifests: true
//	poll_interval: 2s
type LoaderConfig struct {
	// ModConfigDirectory is scanned for mod manifests.
	ModConfigDirectory string `json:"mod_config_directory" yaml:"mod_config_directory"`

	// ApplicationConfigDirectory is scanned for application manifests.
	ApplicationConfigDirectory string `json:"application_config_directory" yaml:"application_config_directory"`

	// PortRecordDirectory holds the port discovery records.
	PortRecordDirectory string `json:"port_record_directory" yaml:"port_record_directory"`

	Control    ControlConfig    `json:"control" yaml:"control"`
	Subprocess SubprocessConfig `json:"subprocess" yaml:"subprocess"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`

	// WatchManifests invalidates the manifest cache when files change.
	WatchManifests bool          `json:"watch_manifests" yaml:"watch_manifests"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// ParallelPrepare loads isolation contexts of the startup batch
	// concurrently. Mods are still started in dependency order.
	ParallelPrepare bool `json:"parallel_prepare" yaml:"parallel_prepare"`

	// Testing loads what it can when dependencies are missing instead of
	// failing the whole batch.
	Testing bool `json:"testing" yaml:"testing"`

	// SkipHealthChecks disables the background manifest checks at startup.
	SkipHealthChecks bool `json:"skip_health_checks" yaml:"skip_health_checks"`
}

// DefaultLoaderConfig returns a configuration that works out of the box for
// a game directory laid out as Mods/ and Apps/ next to the working directory.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		ModConfigDirectory:         "Mods",
		ApplicationConfigDirectory: "Apps",
		PortRecordDirectory:        DefaultPortRecordDirectory(),
		Control:                    DefaultControlConfig(),
		Subprocess:                 DefaultSubprocessConfig(),
		PollInterval:               2 * time.Second,
	}
}

// ApplyDefaults fills zero values from DefaultLoaderConfig.
func (c *LoaderConfig) ApplyDefaults() {
	d := DefaultLoaderConfig()
	if c.ModConfigDirectory == "" {
		c.ModConfigDirectory = d.ModConfigDirectory
	}
	if c.ApplicationConfigDirectory == "" {
		c.ApplicationConfigDirectory = d.ApplicationConfigDirectory
	}
	if c.PortRecordDirectory == "" {
		c.PortRecordDirectory = d.PortRecordDirectory
	}
	if c.Control.Address == "" {
		c.Control.Address = d.Control.Address
	}
	if c.Control.GRPCAddress == "" {
		c.Control.GRPCAddress = d.Control.GRPCAddress
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	c.Subprocess.ApplyDefaults()
}

// Validate checks the configuration after defaults have been applied.
func (c *LoaderConfig) Validate() error {
	if c.ModConfigDirectory == "" {
		return NewConfigValidationError("mod_config_directory is required", nil)
	}
	if c.ApplicationConfigDirectory == "" {
		return NewConfigValidationError("application_config_directory is required", nil)
	}
	if c.WatchManifests && c.PollInterval <= 0 {
		return NewConfigValidationError("poll_interval must be positive when watching manifests", nil)
	}
	if err := c.Control.Validate(); err != nil {
		return err
	}
	if err := c.Subprocess.Validate(); err != nil {
		return err
	}
	if c.Audit.Enabled && c.Audit.FlushInterval < 0 {
		return NewConfigValidationError("audit flush_interval cannot be negative", nil)
	}
	return nil
}

// LoadLoaderConfig reads a JSON or YAML configuration file, expands
// ${VAR} references in directory fields, applies MODLOADER_* environment
// overrides and defaults, and validates the result.
//
// Both formats are decoded with the YAML decoder, which accepts JSON and
// understands duration strings such as "2s".
func LoadLoaderConfig(path string) (LoaderConfig, error) {
	format := argus.DetectFormat(path)
	if format != argus.FormatJSON && format != argus.FormatYAML {
		return LoaderConfig{}, NewConfigValidationError(
			fmt.Sprintf("unsupported configuration format %q", format.String()), nil)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path chosen by the operator
	if err != nil {
		return LoaderConfig{}, NewConfigParseError(path, err)
	}

	config := DefaultLoaderConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return LoaderConfig{}, NewConfigParseError(path, err)
	}

	if err := ExpandConfigPaths(&config, DefaultEnvConfigOptions()); err != nil {
		return LoaderConfig{}, err
	}
	if err := ApplyEnvOverrides(&config); err != nil {
		return LoaderConfig{}, err
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return LoaderConfig{}, err
	}
	return config, nil
}
