// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the byte-addressable storage views that the
// bucket tree and its consumers read from.
//
// A [Storage] is a bounded, synchronous, random-access run of bytes.
// Views are cheap to copy and share the underlying backing; nothing in
// this package owns the bytes it reads. [Memory] backs tests and
// builders, [Device] memory-maps an on-disk file, [Sub] carves a
// half-open window out of any parent view, and [Verified] gates reads
// behind a content digest check.
package storage

import (
	"fmt"
	"io"
)

// Storage is a read-only, byte-addressable view. ReadAt follows the
// io.ReaderAt contract; Size reports the total addressable length.
// Reads past Size return io.EOF after any bytes that were available.
type Storage interface {
	io.ReaderAt
	Size() int64
}

// Mutable is a Storage that also accepts writes. Builders write node
// and entry images through this interface; readers never need it.
type Mutable interface {
	Storage
	io.WriterAt
}

// ReadFull reads exactly len(p) bytes at off, converting short reads
// into errors. The tree's node and entry reads are always full reads
// of known-size records, so a short read means the storage is smaller
// than the geometry claims.
func ReadFull(s Storage, p []byte, off int64) error {
	n, err := s.ReadAt(p, off)
	if err != nil && !(err == io.EOF && n == len(p)) {
		return fmt.Errorf("reading %d bytes at offset %d: %w", len(p), off, err)
	}
	if n != len(p) {
		return fmt.Errorf("reading %d bytes at offset %d: short read of %d bytes", len(p), off, n)
	}
	return nil
}

// Memory is a Storage backed by a byte slice. Writes mutate the slice
// in place, so a Memory built over a shared slice observes external
// mutation — tests use this to simulate storage being re-written
// underneath an open tree.
type Memory []byte

// ReadAt copies bytes out of the slice.
func (m Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt copies bytes into the slice. The slice is never grown;
// writes past the end fail.
func (m Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, fmt.Errorf("write at offset %d with length %d exceeds storage size %d",
			off, len(p), len(m))
	}
	return copy(m[off:], p), nil
}

// Size returns the slice length.
func (m Memory) Size() int64 { return int64(len(m)) }

// Sub is a half-open window [base, base+size) over a parent Storage.
// Offsets passed to the Sub are relative to base. Subs nest.
type Sub struct {
	parent Storage
	base   int64
	size   int64
}

// NewSub returns a window of size bytes starting at off within parent.
// The window must lie entirely inside the parent.
func NewSub(parent Storage, off, size int64) (Sub, error) {
	if off < 0 || size < 0 || off+size > parent.Size() {
		return Sub{}, fmt.Errorf("substorage [%d, %d) exceeds parent size %d", off, off+size, parent.Size())
	}
	return Sub{parent: parent, base: off, size: size}, nil
}

// ReadAt reads from the window. Reads are clamped to the window's end;
// a read starting past the end returns io.EOF.
func (s Sub) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > s.size {
		p = p[:s.size-off]
		n, err := s.parent.ReadAt(p, s.base+off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.parent.ReadAt(p, s.base+off)
}

// WriteAt writes into the window. Fails if the parent is not a
// [Mutable] or the write leaves the window.
func (s Sub) WriteAt(p []byte, off int64) (int, error) {
	writer, ok := s.parent.(io.WriterAt)
	if !ok {
		return 0, fmt.Errorf("substorage parent %T is read-only", s.parent)
	}
	if off < 0 || off+int64(len(p)) > s.size {
		return 0, fmt.Errorf("write at offset %d with length %d exceeds substorage size %d",
			off, len(p), s.size)
	}
	return writer.WriteAt(p, s.base+off)
}

// Size returns the window length.
func (s Sub) Size() int64 { return s.size }

// Zero is an unbounded run of zero bytes. Sparse storages use it as
// the backing for holes.
type Zero struct{}

// ReadAt fills p with zeros.
func (Zero) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.EOF
	}
	clear(p)
	return len(p), nil
}

// Size reports the largest representable size; a Zero covers any
// window a consumer carves from it.
func (Zero) Size() int64 { return 1<<63 - 1 }
