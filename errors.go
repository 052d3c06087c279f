// errors.go: structured error definitions for the mod loader runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	stderrors "errors"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the mod loader
const (
	// Configuration errors (1700-1799)
	ErrCodeConfigurationNotFound = "CONFIG_1701"
	ErrCodeConfigParseError      = "CONFIG_1702"
	ErrCodeConfigValidationError = "CONFIG_1703"
	ErrCodeManifestParseError    = "CONFIG_1704"
	ErrCodeManifestStoreError    = "CONFIG_1705"

	// Lifecycle errors (2000-2099)
	ErrCodeDuplicateLoad        = "MODLOADER_2001"
	ErrCodeMissingDependency    = "MODLOADER_2002"
	ErrCodeUnsupportedOperation = "MODLOADER_2003"
	ErrCodeNotInitialized       = "MODLOADER_2004"
	ErrCodeRuntimeLoadError     = "MODLOADER_2005"
	ErrCodeModNotFound          = "MODLOADER_2006"
	ErrCodeModNotLoaded         = "MODLOADER_2007"
	ErrCodeAlreadyInitialized   = "MODLOADER_2008"
	ErrCodeModOperationFailed   = "MODLOADER_2009"

	// Isolation errors (2300-2399)
	ErrCodeContextNotFound = "ISOLATION_2301"
	ErrCodeBackendError    = "ISOLATION_2302"
	ErrCodeSubprocessError = "ISOLATION_2303"
	ErrCodeHandshakeError  = "ISOLATION_2304"

	// Control errors (2400-2499)
	ErrCodeProtocolError   = "CONTROL_2401"
	ErrCodeControlServer   = "CONTROL_2402"
	ErrCodePortRecordError = "CONTROL_2403"
	ErrCodeRemoteFailure   = "CONTROL_2404"
	ErrCodeNonLoopbackBind = "CONTROL_2405"
)

// Configuration error constructors

func NewConfigurationNotFoundError(executable string) *errors.Error {
	return errors.New(ErrCodeConfigurationNotFound, "No application manifest matches the running process").
		WithUserMessage("Unable to find an application configuration for this executable").
		WithContext("executable", executable).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Failed to parse loader configuration").
		WithUserMessage("The loader configuration file could not be parsed").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeConfigValidationError, message).
			WithUserMessage("Loader configuration is invalid").
			WithSeverity("error")
	}
	return errors.New(ErrCodeConfigValidationError, message).
		WithUserMessage("Loader configuration is invalid").
		WithSeverity("error")
}

func NewManifestParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeManifestParseError, "Failed to parse manifest").
		WithUserMessage("A mod or application manifest could not be parsed").
		WithContext("path", path).
		WithSeverity("warning")
}

func NewManifestStoreError(message string, cause error) *errors.Error {
	var err *errors.Error
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeManifestStoreError, message)
	} else {
		err = errors.New(ErrCodeManifestStoreError, message)
	}
	return err.WithUserMessage("Manifest storage operation failed").
		WithSeverity("error").
		AsRetryable()
}

// Lifecycle error constructors

func NewDuplicateLoadError(modID string) *errors.Error {
	return errors.New(ErrCodeDuplicateLoad, "Mod is already loaded").
		WithUserMessage("The same mod cannot be loaded twice").
		WithContext("mod_id", modID).
		WithSeverity("error")
}

func NewMissingDependencyError(missing []string) *errors.Error {
	return errors.New(ErrCodeMissingDependency, "Unable to find all dependencies for the mods to be loaded: "+strings.Join(missing, ",")).
		WithUserMessage("Some mod dependencies are not installed, aborting load").
		WithContext("missing", strings.Join(missing, ",")).
		WithContext("missing_count", len(missing)).
		WithSeverity("error")
}

func NewUnsupportedOperationError(modID, operation string) *errors.Error {
	return errors.New(ErrCodeUnsupportedOperation, "Mod does not support "+operation).
		WithUserMessage("The requested operation is not supported by this mod").
		WithContext("mod_id", modID).
		WithContext("operation", operation).
		WithSeverity("error")
}

func NewNotInitializedError(operation string) *errors.Error {
	return errors.New(ErrCodeNotInitialized, "Mod loader is not initialized").
		WithUserMessage("Mods must be loaded for the current process before this call").
		WithContext("operation", operation).
		WithSeverity("error")
}

func NewAlreadyInitializedError() *errors.Error {
	return errors.New(ErrCodeAlreadyInitialized, "Mod loader is already initialized").
		WithUserMessage("The mod loader has already loaded mods for this process").
		WithSeverity("error")
}

func NewRuntimeLoadError(modID string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRuntimeLoadError, "Failed to load mod "+modID).
		WithUserMessage("A mod failed to load").
		WithContext("mod_id", modID).
		WithSeverity("error")
}

func NewModNotFoundError(modID string) *errors.Error {
	return errors.New(ErrCodeModNotFound, "Mod to load was not found").
		WithUserMessage("No installed mod has the requested id").
		WithContext("mod_id", modID).
		WithSeverity("error")
}

func NewModNotLoadedError(modID string) *errors.Error {
	return errors.New(ErrCodeModNotLoaded, "Mod is not loaded").
		WithUserMessage("The requested mod is not currently loaded").
		WithContext("mod_id", modID).
		WithSeverity("error")
}

func NewModOperationError(modID, operation string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeModOperationFailed, "Mod failed to "+operation).
		WithUserMessage("The mod reported an error").
		WithContext("mod_id", modID).
		WithContext("operation", operation).
		WithSeverity("error")
}

// Isolation error constructors

func NewContextNotFoundError(handle ContextHandle) *errors.Error {
	return errors.New(ErrCodeContextNotFound, "Isolation context not found").
		WithContext("handle", uint64(handle)).
		WithSeverity("error")
}

func NewBackendError(backend, message string, cause error) *errors.Error {
	var err *errors.Error
	if cause != nil {
		err = errors.Wrap(cause, ErrCodeBackendError, message)
	} else {
		err = errors.New(ErrCodeBackendError, message)
	}
	return err.WithContext("backend", backend).WithSeverity("error")
}

func NewSubprocessError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeSubprocessError, message).
			WithSeverity("error").
			AsRetryable()
	}
	return errors.New(ErrCodeSubprocessError, message).
		WithSeverity("error")
}

func NewHandshakeError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeHandshakeError, message).
			WithSeverity("error")
	}
	return errors.New(ErrCodeHandshakeError, message).
		WithSeverity("error")
}

// Control error constructors

func NewProtocolError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeProtocolError, message).
			WithSeverity("error")
	}
	return errors.New(ErrCodeProtocolError, message).
		WithSeverity("error")
}

func NewControlServerError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeControlServer, message).
			WithSeverity("error")
	}
	return errors.New(ErrCodeControlServer, message).
		WithSeverity("error")
}

func NewPortRecordError(message string, cause error) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodePortRecordError, message).
			WithSeverity("error").
			AsRetryable()
	}
	return errors.New(ErrCodePortRecordError, message).
		WithSeverity("error")
}

// NewRemoteFailureError carries the message of a GenericExceptionResponse
// back to the caller of a control client.
func NewRemoteFailureError(message string) *errors.Error {
	return errors.New(ErrCodeRemoteFailure, message).
		WithUserMessage(message).
		WithSeverity("error")
}

func NewNonLoopbackBindError(address string) *errors.Error {
	return errors.New(ErrCodeNonLoopbackBind, "Control server must bind to a loopback address").
		WithContext("address", address).
		WithSeverity("error")
}

// ErrorCodeOf returns the go-errors code carried by err or any error it wraps.
// An empty code is returned for foreign errors.
func ErrorCodeOf(err error) errors.ErrorCode {
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code string) bool {
	return err != nil && ErrorCodeOf(err) == errors.ErrorCode(code)
}
