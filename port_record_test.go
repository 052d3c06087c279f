// port_record_test.go: Port record tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortRecord_Lifecycle(t *testing.T) {
	dir := t.TempDir()

	record, err := OpenPortRecord(dir, 4242)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "modloader-server-4242"), record.Path())

	port, err := ReadPortRecord(dir, 4242)
	require.NoError(t, err)
	assert.Equal(t, 0, port, "record must read 0 until the server is ready")

	require.NoError(t, record.Set(51234))
	port, err = ReadPortRecord(dir, 4242)
	require.NoError(t, err)
	assert.Equal(t, 51234, port)

	raw, err := os.ReadFile(record.Path())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x22, 0xc8, 0x00, 0x00}, raw, "little-endian uint32")

	require.NoError(t, record.Close())
	require.NoError(t, record.Close())
	_, err = os.Stat(record.Path())
	assert.True(t, os.IsNotExist(err))

	err = record.Set(1)
	assert.True(t, IsErrorCode(err, ErrCodePortRecordError))
}

func TestPortRecord_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("PortOutOfRange", func(t *testing.T) {
		record, err := OpenPortRecord(dir, 1)
		require.NoError(t, err)
		defer func() { _ = record.Close() }()

		assert.Error(t, record.Set(-1))
		assert.Error(t, record.Set(65536))
		assert.NoError(t, record.Set(65535))
	})

	t.Run("MissingRecord", func(t *testing.T) {
		_, err := ReadPortRecord(dir, 999999)
		assert.True(t, IsErrorCode(err, ErrCodePortRecordError))
	})

	t.Run("TruncatedRecord", func(t *testing.T) {
		require.NoError(t, os.WriteFile(PortRecordPath(dir, 7), []byte{1, 2}, 0600))
		_, err := ReadPortRecord(dir, 7)
		assert.True(t, IsErrorCode(err, ErrCodePortRecordError))
	})

	t.Run("ReopenResetsToZero", func(t *testing.T) {
		first, err := OpenPortRecord(dir, 8)
		require.NoError(t, err)
		require.NoError(t, first.Set(8080))

		second, err := OpenPortRecord(dir, 8)
		require.NoError(t, err)
		defer func() { _ = second.Close() }()

		port, err := ReadPortRecord(dir, 8)
		require.NoError(t, err)
		assert.Equal(t, 0, port)
	})
}

func TestPortRecordPath_DefaultDirectory(t *testing.T) {
	path := PortRecordPath("", 12)
	assert.Equal(t, filepath.Join(DefaultPortRecordDirectory(), "modloader-server-12"), path)
}
