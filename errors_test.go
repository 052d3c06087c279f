// errors_test.go: Error constructor and helper tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors_Codes(t *testing.T) {
	cause := stderrors.New("underlying")

	tests := []struct {
		name string
		err  *errors.Error
		code string
	}{
		{"ConfigurationNotFound", NewConfigurationNotFoundError("/bin/game"), ErrCodeConfigurationNotFound},
		{"ConfigParse", NewConfigParseError("loader.yaml", cause), ErrCodeConfigParseError},
		{"ConfigValidation", NewConfigValidationError("bad", nil), ErrCodeConfigValidationError},
		{"ManifestParse", NewManifestParseError("ModConfig.json", cause), ErrCodeManifestParseError},
		{"ManifestStore", NewManifestStoreError("scan failed", nil), ErrCodeManifestStoreError},
		{"DuplicateLoad", NewDuplicateLoadError("a"), ErrCodeDuplicateLoad},
		{"MissingDependency", NewMissingDependencyError([]string{"x", "y"}), ErrCodeMissingDependency},
		{"Unsupported", NewUnsupportedOperationError("a", "unload"), ErrCodeUnsupportedOperation},
		{"NotInitialized", NewNotInitializedError("LoadMod"), ErrCodeNotInitialized},
		{"AlreadyInitialized", NewAlreadyInitializedError(), ErrCodeAlreadyInitialized},
		{"RuntimeLoad", NewRuntimeLoadError("a", cause), ErrCodeRuntimeLoadError},
		{"ModNotFound", NewModNotFoundError("a"), ErrCodeModNotFound},
		{"ModNotLoaded", NewModNotLoadedError("a"), ErrCodeModNotLoaded},
		{"ModOperation", NewModOperationError("a", "suspend", cause), ErrCodeModOperationFailed},
		{"ContextNotFound", NewContextNotFoundError(7), ErrCodeContextNotFound},
		{"Backend", NewBackendError("inprocess", "no factory", nil), ErrCodeBackendError},
		{"Subprocess", NewSubprocessError("exited", nil), ErrCodeSubprocessError},
		{"Handshake", NewHandshakeError("cookie", nil), ErrCodeHandshakeError},
		{"Protocol", NewProtocolError("frame", nil), ErrCodeProtocolError},
		{"ControlServer", NewControlServerError("listen", cause), ErrCodeControlServer},
		{"PortRecord", NewPortRecordError("closed", nil), ErrCodePortRecordError},
		{"RemoteFailure", NewRemoteFailureError("remote says no"), ErrCodeRemoteFailure},
		{"NonLoopback", NewNonLoopbackBindError("0.0.0.0:1"), ErrCodeNonLoopbackBind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.Equal(t, errors.ErrorCode(tt.code), tt.err.Code)
			assert.True(t, IsErrorCode(tt.err, tt.code))
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	t.Run("WrappedCodeIsFound", func(t *testing.T) {
		inner := NewModNotFoundError("a")
		wrapped := fmt.Errorf("loading: %w", inner)
		assert.Equal(t, errors.ErrorCode(ErrCodeModNotFound), ErrorCodeOf(wrapped))
		assert.True(t, IsErrorCode(wrapped, ErrCodeModNotFound))
	})

	t.Run("ForeignAndNil", func(t *testing.T) {
		assert.Equal(t, errors.ErrorCode(""), ErrorCodeOf(stderrors.New("plain")))
		assert.False(t, IsErrorCode(nil, ErrCodeModNotFound))
		assert.False(t, IsErrorCode(stderrors.New("plain"), ErrCodeModNotFound))
	})

	t.Run("MessagesCarryDetail", func(t *testing.T) {
		assert.Contains(t, NewMissingDependencyError([]string{"x", "y"}).Error(), "x,y")
		assert.Contains(t, NewRuntimeLoadError("alpha", stderrors.New("boom")).Error(), "alpha")
		assert.Contains(t, NewUnsupportedOperationError("a", "suspend").Error(), "suspend")
	})
}
