// port_record.go: Process-keyed record advertising the control server port
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// portRecordSize is one little-endian uint32.
const portRecordSize = 4

// portRecordPrefix names the record file of a process: <prefix><pid>.
const portRecordPrefix = "modloader-server-"

// PortRecord is the shared memory record through which external controllers
// discover the control server of a process. It holds 0 while the server is
// starting and the listening port once it is ready.
//
// On unix the record is a memory-mapped file, so readers observe updates
// without the writer flushing anything. Elsewhere it falls back to plain file
// writes.
type PortRecord struct {
	path string

	mu     sync.Mutex
	file   *os.File
	mapped []byte
	closed bool
}

// DefaultPortRecordDirectory returns /dev/shm when available and the OS
// temporary directory otherwise.
func DefaultPortRecordDirectory() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// PortRecordPath returns the record location for pid inside dir.
func PortRecordPath(dir string, pid int) string {
	if dir == "" {
		dir = DefaultPortRecordDirectory()
	}
	return filepath.Join(dir, fmt.Sprintf("%s%d", portRecordPrefix, pid))
}

// OpenPortRecord creates the record for pid and initializes it to 0.
func OpenPortRecord(dir string, pid int) (*PortRecord, error) {
	path := PortRecordPath(dir, pid)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, NewPortRecordError("failed to create port record directory", err)
	}

	// #nosec G302 -- controllers running as other users of the session read it
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, NewPortRecordError("failed to create port record", err)
	}
	if err := f.Truncate(portRecordSize); err != nil {
		_ = f.Close()
		return nil, NewPortRecordError("failed to size port record", err)
	}

	mapped, err := mapPortRecord(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, NewPortRecordError("failed to map port record", err)
	}

	r := &PortRecord{path: path, file: f, mapped: mapped}
	if err := r.Set(0); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Path returns the record location.
func (r *PortRecord) Path() string {
	return r.path
}

// Set publishes port. 0 means the server is not ready.
func (r *PortRecord) Set(port int) error {
	if port < 0 || port > 65535 {
		return NewPortRecordError("port out of range", fmt.Errorf("port %d", port))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return NewPortRecordError("port record closed", os.ErrClosed)
	}

	if r.mapped != nil {
		binary.LittleEndian.PutUint32(r.mapped, uint32(port))
		return nil
	}

	var buf [portRecordSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(port))
	if _, err := r.file.WriteAt(buf[:], 0); err != nil {
		return NewPortRecordError("failed to write port record", err)
	}
	return nil
}

// Close unmaps and removes the record.
func (r *PortRecord) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	if r.mapped != nil {
		if err := unmapPortRecord(r.mapped); err != nil {
			firstErr = err
		}
		r.mapped = nil
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return NewPortRecordError("failed to close port record", firstErr)
	}
	return nil
}

// ReadPortRecord reads the port advertised by pid. It returns 0 while that
// process is still initializing its control server.
func ReadPortRecord(dir string, pid int) (int, error) {
	f, err := os.Open(PortRecordPath(dir, pid)) // #nosec G304 -- path built from pid
	if err != nil {
		return 0, NewPortRecordError("failed to open port record", err)
	}
	defer func() { _ = f.Close() }()

	var buf [portRecordSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return 0, NewPortRecordError("truncated port record", err)
	}
	return int(binary.LittleEndian.Uint32(buf[:])), nil
}
