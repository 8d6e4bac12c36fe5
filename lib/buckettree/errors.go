// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buckettree

import "errors"

// Error kinds surfaced by tree initialization, lookup, and traversal.
// Callers branch with errors.Is; every error carries context naming
// the node or operation that produced it. Failures reading the
// underlying storage are propagated wrapped, not translated.
var (
	// ErrInvalidFormat indicates a header magic or version mismatch,
	// or a node header whose structural fields (such as its index)
	// disagree with the node's position.
	ErrInvalidFormat = errors.New("buckettree: invalid format")

	// ErrInvalidNodeEntryCount indicates a node whose entry count is
	// zero, negative, or larger than the node can hold.
	ErrInvalidNodeEntryCount = errors.New("buckettree: invalid node entry count")

	// ErrInvalidNodeEntryOffset indicates an offset inconsistent with
	// the structure around it: a node range that is empty or
	// negative, adjacent entry sets that do not meet, or an entry
	// that does not cover the address the descent arrived with.
	ErrInvalidNodeEntryOffset = errors.New("buckettree: invalid node entry offset")

	// ErrOutOfRange indicates a virtual address outside [start, end),
	// or a move past either end of the tree.
	ErrOutOfRange = errors.New("buckettree: out of range")

	// ErrOutOfMemory indicates the caller-supplied allocator could
	// not provide a buffer.
	ErrOutOfMemory = errors.New("buckettree: allocation failed")
)
