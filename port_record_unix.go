// port_record_unix.go: Memory-mapped port record
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build unix

package modloader

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapPortRecord(f *os.File) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, portRecordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapPortRecord(b []byte) error {
	return unix.Munmap(b)
}
