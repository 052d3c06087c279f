// env_config.go: Environment variable expansion and overrides
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by ApplyEnvOverrides.
const (
	EnvConfigModDirectory  = "MODLOADER_MOD_DIR"
	EnvAppDirectory        = "MODLOADER_APP_DIR"
	EnvPortRecordDirectory = "MODLOADER_PORT_RECORD_DIR"
	EnvControlAddress      = "MODLOADER_CONTROL_ADDRESS"
	EnvControlGRPC         = "MODLOADER_CONTROL_GRPC"
	EnvParallelPrepare     = "MODLOADER_PARALLEL_PREPARE"
	EnvTesting             = "MODLOADER_TESTING"
	EnvWatchManifests      = "MODLOADER_WATCH_MANIFESTS"
	EnvPollInterval        = "MODLOADER_POLL_INTERVAL"
	EnvAuditFile           = "MODLOADER_AUDIT_FILE"
)

// EnvConfigOptions configures ${VAR} expansion.
type EnvConfigOptions struct {
	// Prefix is tried before the bare variable name.
	Prefix string `json:"prefix" yaml:"prefix"`

	// FailOnMissing turns an unresolvable variable into an error.
	FailOnMissing bool `json:"fail_on_missing" yaml:"fail_on_missing"`

	// Defaults are used when neither the environment nor an inline default
	// provides a value.
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// DefaultEnvConfigOptions expands with the MODLOADER_ prefix and tolerates
// missing variables.
func DefaultEnvConfigOptions() EnvConfigOptions {
	return EnvConfigOptions{
		Prefix:   "MODLOADER_",
		Defaults: make(map[string]string),
	}
}

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvironmentVariables replaces ${VAR} and ${VAR:-default} in input.
//
// Resolution order: prefixed variable, bare variable, inline default,
// configured default. A missing variable expands to "" unless FailOnMissing
// is set.
func ExpandEnvironmentVariables(input string, options EnvConfigOptions) (string, error) {
	if !strings.Contains(input, "${") {
		return input, nil
	}

	var firstErr error
	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := variablePattern.FindStringSubmatch(match)
		value, err := expandVariable(sub[1], sub[3], sub[2] != "", options)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func expandVariable(name, inlineDefault string, hasInline bool, options EnvConfigOptions) (string, error) {
	if options.Prefix != "" && !strings.HasPrefix(name, options.Prefix) {
		if value, ok := os.LookupEnv(options.Prefix + name); ok && value != "" {
			return validateEnvValue(name, value)
		}
	}
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return validateEnvValue(name, value)
	}
	if hasInline {
		return validateEnvValue(name, inlineDefault)
	}
	if value, ok := options.Defaults[name]; ok {
		return validateEnvValue(name, value)
	}
	if options.FailOnMissing {
		return "", NewConfigValidationError(fmt.Sprintf("required environment variable not found: %s", name), nil)
	}
	return "", nil
}

// validateEnvValue rejects values that could not be a path or an address.
func validateEnvValue(name, value string) (string, error) {
	if strings.ContainsRune(value, 0) {
		return "", NewConfigValidationError(fmt.Sprintf("environment variable %s contains a null byte", name), nil)
	}
	if len(value) > 4096 {
		return "", NewConfigValidationError(fmt.Sprintf("environment variable %s too long: %d bytes", name, len(value)), nil)
	}
	for i, r := range value {
		if r < 32 && r != '\t' {
			return "", NewConfigValidationError(fmt.Sprintf("environment variable %s contains a control character at position %d", name, i), nil)
		}
	}
	return value, nil
}

// ExpandConfigPaths expands ${VAR} references in the path and address
// fields of config.
func ExpandConfigPaths(config *LoaderConfig, options EnvConfigOptions) error {
	fields := []*string{
		&config.ModConfigDirectory,
		&config.ApplicationConfigDirectory,
		&config.PortRecordDirectory,
		&config.Control.Address,
		&config.Control.GRPCAddress,
		&config.Audit.OutputFile,
	}
	for _, f := range fields {
		expanded, err := ExpandEnvironmentVariables(*f, options)
		if err != nil {
			return err
		}
		*f = expanded
	}
	return nil
}

// ApplyEnvOverrides overwrites config fields from MODLOADER_* variables.
func ApplyEnvOverrides(config *LoaderConfig) error {
	strs := map[string]*string{
		EnvConfigModDirectory:  &config.ModConfigDirectory,
		EnvAppDirectory:        &config.ApplicationConfigDirectory,
		EnvPortRecordDirectory: &config.PortRecordDirectory,
		EnvControlAddress:      &config.Control.Address,
	}
	for name, field := range strs {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			v, err := validateEnvValue(name, value)
			if err != nil {
				return err
			}
			*field = v
		}
	}

	bools := map[string]*bool{
		EnvControlGRPC:     &config.Control.EnableGRPC,
		EnvParallelPrepare: &config.ParallelPrepare,
		EnvTesting:         &config.Testing,
		EnvWatchManifests:  &config.WatchManifests,
	}
	for name, field := range bools {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return NewConfigValidationError(fmt.Sprintf("invalid boolean in %s", name), err)
			}
			*field = b
		}
	}

	if value := os.Getenv(EnvPollInterval); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return NewConfigValidationError(fmt.Sprintf("invalid duration in %s", EnvPollInterval), err)
		}
		config.PollInterval = d
	}

	if value := os.Getenv(EnvAuditFile); value != "" {
		config.Audit.Enabled = true
		config.Audit.OutputFile = value
	}
	return nil
}
