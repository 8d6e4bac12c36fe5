// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"os"
)

// File is a read-only Storage over an open file, using plain pread.
// Portable alternative to [Device] for platforms or files where a
// memory map is not wanted.
type File struct {
	file *os.File
	size int64
}

// OpenFile opens the file at path for reading.
func OpenFile(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}
	return &File{file: file, size: info.Size()}, nil
}

// ReadAt reads from the file.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

// Size returns the file's size at open time.
func (f *File) Size() int64 { return f.size }

// Close closes the underlying file.
func (f *File) Close() error { return f.file.Close() }
