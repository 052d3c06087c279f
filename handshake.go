// handshake.go: Environment handshake between the loader and subprocess mods
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// Environment variables set for subprocess mods.
const (
	EnvProtocolVersion = "MODLOADER_PROTOCOL_VERSION"
	EnvModID           = "MODLOADER_MOD_ID"
	EnvModDirectory    = "MODLOADER_MOD_DIRECTORY"
	EnvSessionID       = "MODLOADER_SESSION_ID"
	EnvLoaderVersion   = "MODLOADER_LOADER_VERSION"
)

// HandshakeConfig carries the protocol version and magic cookie that both
// sides must agree on. The cookie is not a security feature, it only stops a
// mod executable from running its serve loop when launched by hand.
type HandshakeConfig struct {
	ProtocolVersion  uint   `json:"protocol_version" yaml:"protocol_version"`
	MagicCookieKey   string `json:"magic_cookie_key" yaml:"magic_cookie_key"`
	MagicCookieValue string `json:"magic_cookie_value" yaml:"magic_cookie_value"`
}

// DefaultHandshakeConfig is used when none is configured.
var DefaultHandshakeConfig = HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MODLOADER_MAGIC_COOKIE",
	MagicCookieValue: "agilira-go-modloader-v1",
}

var envVarName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks if the HandshakeConfig is valid and complete.
func (hc *HandshakeConfig) Validate() error {
	if hc.ProtocolVersion == 0 {
		return NewHandshakeError("protocol version must be greater than 0", nil)
	}
	if hc.MagicCookieKey == "" {
		return NewHandshakeError("magic cookie key is required", nil)
	}
	if hc.MagicCookieValue == "" {
		return NewHandshakeError("magic cookie value is required", nil)
	}
	if !envVarName.MatchString(hc.MagicCookieKey) {
		return NewHandshakeError("magic cookie key must be a valid environment variable name", nil)
	}
	return nil
}

// HandshakeInfo is what a subprocess mod learns from its environment.
type HandshakeInfo struct {
	ProtocolVersion uint
	ModID           string
	ModDirectory    string
	SessionID       string
	LoaderVersion   string
}

// PrepareEnvironment returns the environment for a subprocess mod: the
// current environment plus the handshake variables.
func (hc HandshakeConfig) PrepareEnvironment(info HandshakeInfo) []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("%s=%s", hc.MagicCookieKey, hc.MagicCookieValue),
		fmt.Sprintf("%s=%d", EnvProtocolVersion, hc.ProtocolVersion),
		fmt.Sprintf("%s=%s", EnvModID, info.ModID),
		fmt.Sprintf("%s=%s", EnvModDirectory, info.ModDirectory),
		fmt.Sprintf("%s=%s", EnvSessionID, info.SessionID),
		fmt.Sprintf("%s=%s", EnvLoaderVersion, info.LoaderVersion),
	)
	return env
}

// ValidateEnvironment is called on the mod side and checks that the process
// was launched by a loader speaking the same protocol.
func (hc HandshakeConfig) ValidateEnvironment() (*HandshakeInfo, error) {
	if cookie := os.Getenv(hc.MagicCookieKey); cookie != hc.MagicCookieValue {
		return nil, NewHandshakeError("this executable is a mod and must be launched by the mod loader", nil)
	}

	raw := os.Getenv(EnvProtocolVersion)
	if raw == "" {
		return nil, NewHandshakeError("missing "+EnvProtocolVersion, nil)
	}
	version, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil, NewHandshakeError("invalid protocol version", err)
	}
	if uint(version) != hc.ProtocolVersion {
		return nil, NewHandshakeError(fmt.Sprintf("protocol version mismatch: expected %d, got %d",
			hc.ProtocolVersion, version), nil)
	}

	return &HandshakeInfo{
		ProtocolVersion: uint(version),
		ModID:           os.Getenv(EnvModID),
		ModDirectory:    os.Getenv(EnvModDirectory),
		SessionID:       os.Getenv(EnvSessionID),
		LoaderVersion:   os.Getenv(EnvLoaderVersion),
	}, nil
}

// GenerateSecureID generates a random hex id for subprocess sessions.
func GenerateSecureID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", NewHandshakeError("failed to generate secure ID", err)
	}
	return hex.EncodeToString(b), nil
}
