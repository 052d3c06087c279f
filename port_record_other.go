// port_record_other.go: File-backed port record for platforms without mmap
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package modloader

import "os"

// mapPortRecord returns nil, which makes PortRecord write through the file.
func mapPortRecord(*os.File) ([]byte, error) {
	return nil, nil
}

func unmapPortRecord([]byte) error {
	return nil
}
