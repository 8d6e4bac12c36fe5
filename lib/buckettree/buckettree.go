// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package buckettree implements a persistent, read-only, two-level
// index that maps a 64-bit virtual offset to the fixed-width entry
// whose half-open range covers it.
//
// A tree is laid out across two storages. The node storage holds a
// 16-byte format header, the L1 offset node, and — for large trees —
// a tier of L2 offset nodes. The entry storage holds the entry sets:
// leaf nodes carrying the entries themselves, in ascending
// virtual-offset order. Every node occupies exactly the node size.
// Descent is pure arithmetic over geometry derived at initialization;
// no parent or child pointers are persisted.
//
// The L1 node is cached in memory for the tree's lifetime in a buffer
// obtained from a caller-supplied allocator. Lookups position a
// [Visitor], which owns a single-entry scratch buffer and supports
// ordered traversal and a continuous-reading pre-scan that consumers
// use to fuse adjacent physical reads.
//
// A tree is single-threaded with respect to mutation of its cached
// state: concurrent readers are fine as long as each holds its own
// Visitor and nobody is inside InvalidateCache.
package buckettree

import (
	"fmt"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// nodeBuffer is an allocator-owned node-sized buffer. The zero value
// is empty; free is a no-op on an empty buffer, so moves that clear
// the source are safe.
type nodeBuffer struct {
	allocator alloc.Allocator
	data      []byte
}

func (b *nodeBuffer) allocate(allocator alloc.Allocator, size int) bool {
	b.allocator = allocator
	b.data = allocator.Allocate(size)
	return b.data != nil
}

func (b *nodeBuffer) free() {
	if b.data != nil {
		b.allocator.Free(b.data)
		b.data = nil
	}
	b.allocator = nil
}

// Tree is the index object. The zero value is uninitialized; call
// Initialize or InitializeEmpty before use and Finalize when done.
// Tree values must not be copied once initialized: the cached L1
// buffer is owned exclusively.
type Tree struct {
	nodeStorage   storage.Storage
	entryStorage  storage.Storage
	nodeL1        nodeBuffer
	nodeSize      int
	entrySize     int
	entryCount    int32
	offsetCount   int32
	entrySetCount int32
	startOffset   int64
	endOffset     int64
}

// Initialize reads and verifies the format header, loads the L1 node
// into an allocator-provided buffer, and derives the tree's geometry
// and virtual range. entryCount must be positive and must match the
// header; use InitializeEmpty for trees with no entries.
//
// On failure the tree is left uninitialized with no buffer retained.
func (t *Tree) Initialize(allocator alloc.Allocator, nodeStorage, entryStorage storage.Storage, nodeSize, entrySize int, entryCount int32) error {
	if t.IsInitialized() {
		return fmt.Errorf("buckettree: tree is already initialized")
	}
	if allocator == nil {
		return fmt.Errorf("buckettree: nil allocator")
	}
	if err := validateArguments(nodeSize, entrySize, entryCount); err != nil {
		return err
	}
	if entryCount == 0 {
		return fmt.Errorf("buckettree: zero entry count (use InitializeEmpty)")
	}

	// Read and verify the format header.
	var headerBytes [headerSize]byte
	if err := storage.ReadFull(nodeStorage, headerBytes[:], 0); err != nil {
		return fmt.Errorf("buckettree: reading header: %w", err)
	}
	header := decodeHeader(headerBytes[:])
	if err := header.Verify(); err != nil {
		return err
	}
	if header.EntryCount != entryCount {
		return fmt.Errorf("%w: header holds %d entries, caller expects %d", ErrInvalidFormat, header.EntryCount, entryCount)
	}

	// Load the L1 node.
	if !t.nodeL1.allocate(allocator, nodeSize) {
		return fmt.Errorf("%w: %d-byte node buffer", ErrOutOfMemory, nodeSize)
	}
	ok := false
	defer func() {
		if !ok {
			t.nodeL1.free()
		}
	}()

	if err := storage.ReadFull(nodeStorage, t.nodeL1.data, headerSize); err != nil {
		return fmt.Errorf("buckettree: reading L1 node: %w", err)
	}

	offsetCount := offsetCountPerNode(nodeSize)
	entrySetCount := entrySetCountFor(nodeSize, entrySize, entryCount)

	l1 := decodeNodeHeader(t.nodeL1.data)
	if err := l1.verify(0, nodeSize, offsetWidth); err != nil {
		return err
	}

	// The tree's start is the first key — or, when the L1 node lends
	// slack slots to the leading entry sets, the first of those
	// inline offsets, stored right after the keys. The tree's end is
	// the L1 header's trailing boundary.
	var start int64
	if entrySetCount > offsetCount && l1.count < offsetCount {
		start = readOffsetAt(t.nodeL1.data, l1.count)
	} else {
		start = readOffsetAt(t.nodeL1.data, 0)
	}
	end := l1.end
	if start < 0 || start >= end {
		return fmt.Errorf("%w: tree covers [%d, %d)", ErrInvalidNodeEntryOffset, start, end)
	}

	// Cross-check against the last entry set: its trailing boundary
	// is the tree's end.
	var tailBytes [entrySetHeaderSize]byte
	tailOffset := int64(entrySetCount-1) * int64(nodeSize)
	if err := storage.ReadFull(entryStorage, tailBytes[:], tailOffset); err != nil {
		return fmt.Errorf("buckettree: reading last entry set: %w", err)
	}
	tail := decodeEntrySetHeader(tailBytes[:])
	if err := tail.verify(entrySetCount-1, nodeSize, entrySize); err != nil {
		return err
	}
	if tail.end != end {
		return fmt.Errorf("%w: last entry set ends at %d, L1 node says %d", ErrInvalidNodeEntryOffset, tail.end, end)
	}

	t.nodeStorage = nodeStorage
	t.entryStorage = entryStorage
	t.nodeSize = nodeSize
	t.entrySize = entrySize
	t.entryCount = entryCount
	t.offsetCount = offsetCount
	t.entrySetCount = entrySetCount
	t.startOffset = start
	t.endOffset = end

	ok = true
	return nil
}

// InitializeEmpty initializes a tree with no entries covering
// [0, endOffset). Lookups on an empty tree fail out of range; the
// geometry accessors still answer.
func (t *Tree) InitializeEmpty(nodeSize int, endOffset int64) {
	t.nodeSize = nodeSize
	t.entrySize = 0
	t.entryCount = 0
	t.startOffset = 0
	t.endOffset = endOffset
}

// Finalize releases the cached L1 buffer and clears all geometry.
// Idempotent. Visitors bound to the tree must be closed first.
func (t *Tree) Finalize() {
	t.nodeL1.free()
	*t = Tree{}
}

// IsInitialized reports whether Initialize or InitializeEmpty has
// run.
func (t *Tree) IsInitialized() bool { return t.nodeSize > 0 }

// IsEmpty reports whether the tree holds no entries.
func (t *Tree) IsEmpty() bool { return t.entrySize == 0 }

// EntryCount returns the total number of entries.
func (t *Tree) EntryCount() int32 { return t.entryCount }

// Allocator returns the allocator supplied at initialization, or nil
// for empty trees.
func (t *Tree) Allocator() alloc.Allocator { return t.nodeL1.allocator }

// Start returns the first virtual offset covered by the tree.
func (t *Tree) Start() int64 { return t.startOffset }

// End returns the exclusive upper bound of the covered range.
func (t *Tree) End() int64 { return t.endOffset }

// Size returns End() - Start().
func (t *Tree) Size() int64 { return t.endOffset - t.startOffset }

// Includes reports whether offset lies inside [Start, End).
func (t *Tree) Includes(offset int64) bool {
	return t.startOffset <= offset && offset < t.endOffset
}

// IncludesRange reports whether the half-open range [offset,
// offset+size) lies entirely inside the tree, for positive size.
func (t *Tree) IncludesRange(offset, size int64) bool {
	return size > 0 && t.startOffset <= offset && size <= t.endOffset-offset
}

// Find positions visitor on the unique entry whose range contains
// virtualAddress. The visitor is bound to the tree on first use,
// allocating its entry buffer from the tree's allocator; afterwards
// it may be repositioned by further Find calls or moved with MoveNext
// and MovePrevious.
func (t *Tree) Find(visitor *Visitor, virtualAddress int64) error {
	if !t.IsInitialized() {
		return fmt.Errorf("buckettree: tree is not initialized")
	}
	if t.IsEmpty() || !t.Includes(virtualAddress) {
		return fmt.Errorf("%w: address %d outside [%d, %d)", ErrOutOfRange, virtualAddress, t.startOffset, t.endOffset)
	}
	if err := visitor.initialize(t); err != nil {
		return err
	}
	return visitor.find(virtualAddress)
}

// InvalidateCache re-reads the L1 node from the node storage into the
// existing buffer and re-derives the virtual range. Use after the
// underlying storage has been re-opened. Geometry is preserved; a
// verification failure leaves the previous cache contents replaced
// but the tree otherwise untouched.
func (t *Tree) InvalidateCache() error {
	if !t.IsInitialized() {
		return fmt.Errorf("buckettree: tree is not initialized")
	}
	if t.IsEmpty() {
		return nil
	}

	if err := storage.ReadFull(t.nodeStorage, t.nodeL1.data, headerSize); err != nil {
		return fmt.Errorf("buckettree: re-reading L1 node: %w", err)
	}
	l1 := decodeNodeHeader(t.nodeL1.data)
	if err := l1.verify(0, t.nodeSize, offsetWidth); err != nil {
		return err
	}

	var start int64
	if t.entrySetCount > t.offsetCount && l1.count < t.offsetCount {
		start = readOffsetAt(t.nodeL1.data, l1.count)
	} else {
		start = readOffsetAt(t.nodeL1.data, 0)
	}
	end := l1.end
	if start < 0 || start >= end {
		return fmt.Errorf("%w: tree covers [%d, %d)", ErrInvalidNodeEntryOffset, start, end)
	}

	t.startOffset = start
	t.endOffset = end
	return nil
}

// hasL2 reports whether an L2 tier exists: the entry sets outnumber
// what the L1 node can key directly.
func (t *Tree) hasL2() bool { return t.offsetCount < t.entrySetCount }

// l1Header decodes the cached L1 node's header.
func (t *Tree) l1Header() nodeHeader { return decodeNodeHeader(t.nodeL1.data) }

// entrySetIndexAt maps an L2 descent position to a global entry-set
// index. The L1 node's slack slots carry the leading entry sets, so
// L2 node coverage begins after them.
func (t *Tree) entrySetIndexAt(l1Count, nodeIndex, offsetIndex int32) int32 {
	return (t.offsetCount - l1Count) + t.offsetCount*nodeIndex + offsetIndex
}

// l2NodeOffset returns the byte offset of L2 node nodeIndex within
// the node storage. The L1 node sits first, after the format header.
func (t *Tree) l2NodeOffset(nodeIndex int32) int64 {
	return headerSize + int64(t.nodeSize)*int64(1+nodeIndex)
}

// entrySetOffset returns the byte offset of an entry set within the
// entry storage.
func (t *Tree) entrySetOffset(setIndex int32) int64 {
	return int64(setIndex) * int64(t.nodeSize)
}

// entryOffset returns the byte offset of one entry within the entry
// storage.
func (t *Tree) entryOffset(setIndex, entryIndex int32) int64 {
	return t.entrySetOffset(setIndex) + nodeHeaderSize + int64(entryIndex)*int64(t.entrySize)
}
