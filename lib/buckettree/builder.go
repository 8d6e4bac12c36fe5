// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buckettree

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// Builder writes a tree image that Initialize can read back.
//
// Entries are appended in strictly ascending virtual-offset order
// with Add; Finalize seals the last entry set, writes the offset
// tier(s) and the format header, and releases the builder's node
// buffer. The builder fills entry sets greedily, so the resulting
// geometry matches what QueryNodeStorageSize and
// QueryEntryStorageSize predict for the same parameters.
type Builder struct {
	allocator    alloc.Allocator
	nodeStorage  storage.Mutable
	entryStorage storage.Mutable

	nodeSize      int
	entrySize     int
	entryCount    int32
	entriesPerSet int32
	offsetCount   int32
	entrySetCount int32

	node       nodeBuffer // the entry set (later: offset node) under construction
	setIndex   int32
	setCount   int32
	added      int32
	setStarts  []int64
	lastOffset int64
	finalized  bool
}

// Initialize validates the geometry, checks that both storages are
// large enough for the image the parameters describe, and allocates
// the builder's working node buffer.
func (b *Builder) Initialize(allocator alloc.Allocator, nodeStorage, entryStorage storage.Mutable, nodeSize, entrySize int, entryCount int32) error {
	if b.node.data != nil {
		return fmt.Errorf("buckettree: builder is already initialized")
	}
	if allocator == nil {
		return fmt.Errorf("buckettree: nil allocator")
	}
	if err := validateArguments(nodeSize, entrySize, entryCount); err != nil {
		return err
	}

	nodeBytes := QueryHeaderStorageSize() + QueryNodeStorageSize(nodeSize, entrySize, entryCount)
	if nodeStorage.Size() < nodeBytes {
		return fmt.Errorf("buckettree: node storage holds %d bytes, image needs %d", nodeStorage.Size(), nodeBytes)
	}
	entryBytes := QueryEntryStorageSize(nodeSize, entrySize, entryCount)
	if entryStorage.Size() < entryBytes {
		return fmt.Errorf("buckettree: entry storage holds %d bytes, image needs %d", entryStorage.Size(), entryBytes)
	}

	if !b.node.allocate(allocator, nodeSize) {
		return fmt.Errorf("%w: %d-byte node buffer", ErrOutOfMemory, nodeSize)
	}

	buffer := b.node
	*b = Builder{node: buffer}
	b.allocator = allocator
	b.nodeStorage = nodeStorage
	b.entryStorage = entryStorage
	b.nodeSize = nodeSize
	b.entrySize = entrySize
	b.entryCount = entryCount
	b.entriesPerSet = entryCountPerNode(nodeSize, entrySize)
	b.offsetCount = offsetCountPerNode(nodeSize)
	b.entrySetCount = entrySetCountFor(nodeSize, entrySize, entryCount)
	b.setStarts = make([]int64, 0, b.entrySetCount)
	b.lastOffset = -1
	return nil
}

// Add appends one entry. The entry's leading 8 bytes are its virtual
// offset, which must be non-negative and strictly greater than the
// previous entry's.
func (b *Builder) Add(entry []byte) error {
	if b.node.data == nil || b.finalized {
		return fmt.Errorf("buckettree: builder is not open")
	}
	if len(entry) != b.entrySize {
		return fmt.Errorf("buckettree: entry is %d bytes, tree uses %d", len(entry), b.entrySize)
	}
	if b.added == b.entryCount {
		return fmt.Errorf("buckettree: all %d entries already added", b.entryCount)
	}

	va := int64(binary.LittleEndian.Uint64(entry[0:8]))
	if va <= b.lastOffset {
		return fmt.Errorf("buckettree: entry offset %d does not follow %d", va, b.lastOffset)
	}

	// A full set is sealed by the next entry's offset: the set's end
	// is where its successor begins.
	if b.setCount == b.entriesPerSet {
		if err := b.flushEntrySet(va); err != nil {
			return err
		}
	}
	if b.setCount == 0 {
		b.setStarts = append(b.setStarts, va)
	}

	position := nodeHeaderSize + int(b.setCount)*b.entrySize
	copy(b.node.data[position:position+b.entrySize], entry)
	b.setCount++
	b.added++
	b.lastOffset = va
	return nil
}

// flushEntrySet seals the set under construction with the given
// exclusive end offset and writes it to the entry storage.
func (b *Builder) flushEntrySet(end int64) error {
	header := nodeHeader{index: b.setIndex, count: b.setCount, end: end}
	header.encode(b.node.data[:nodeHeaderSize])

	if _, err := b.entryStorage.WriteAt(b.node.data, int64(b.setIndex)*int64(b.nodeSize)); err != nil {
		return fmt.Errorf("buckettree: writing entry set %d: %w", b.setIndex, err)
	}

	b.setIndex++
	b.setCount = 0
	clear(b.node.data)
	return nil
}

// Finalize seals the last entry set with endOffset, writes the L1
// node (and L2 nodes when the entry sets outgrow it), writes the
// format header, and releases the working buffer. All declared
// entries must have been added, and endOffset must exceed the last
// entry's offset.
func (b *Builder) Finalize(endOffset int64) error {
	if b.node.data == nil || b.finalized {
		return fmt.Errorf("buckettree: builder is not open")
	}
	if b.added != b.entryCount {
		return fmt.Errorf("buckettree: %d of %d entries added", b.added, b.entryCount)
	}

	if b.entryCount > 0 {
		if endOffset <= b.lastOffset {
			return fmt.Errorf("buckettree: end offset %d does not exceed the last entry at %d", endOffset, b.lastOffset)
		}
		if err := b.flushEntrySet(endOffset); err != nil {
			return err
		}
		if err := b.writeOffsetNodes(endOffset); err != nil {
			return err
		}
	}

	var headerBytes [headerSize]byte
	var header Header
	header.Format(b.entryCount)
	header.encode(headerBytes[:])
	if _, err := b.nodeStorage.WriteAt(headerBytes[:], 0); err != nil {
		return fmt.Errorf("buckettree: writing header: %w", err)
	}

	b.node.free()
	b.finalized = true
	return nil
}

// writeOffsetNodes lays out the offset tier. Without an L2 tier the
// L1 keys are the entry-set starts. With one, the L1 keys point at
// the L2 nodes and the L1's slack slots carry the leading entry-set
// starts inline; each L2 node keys up to a full node's worth of the
// remaining sets.
func (b *Builder) writeOffsetNodes(endOffset int64) error {
	starts := b.setStarts
	if int32(len(starts)) != b.entrySetCount {
		return fmt.Errorf("buckettree: built %d entry sets, geometry says %d", len(starts), b.entrySetCount)
	}

	clear(b.node.data)

	if b.entrySetCount <= b.offsetCount {
		header := nodeHeader{index: 0, count: b.entrySetCount, end: endOffset}
		header.encode(b.node.data[:nodeHeaderSize])
		for i, start := range starts {
			putOffsetAt(b.node.data, int32(i), start)
		}
		if _, err := b.nodeStorage.WriteAt(b.node.data, headerSize); err != nil {
			return fmt.Errorf("buckettree: writing L1 node: %w", err)
		}
		return nil
	}

	l2Count := nodeL2CountFor(b.nodeSize, b.entrySize, b.entryCount)
	inline := b.offsetCount - l2Count

	// L1: keys for the L2 nodes, then the leading entry-set starts
	// in the slack slots.
	header := nodeHeader{index: 0, count: l2Count, end: endOffset}
	header.encode(b.node.data[:nodeHeaderSize])
	for i := int32(0); i < l2Count; i++ {
		putOffsetAt(b.node.data, i, starts[inline+i*b.offsetCount])
	}
	for j := int32(0); j < inline; j++ {
		putOffsetAt(b.node.data, l2Count+j, starts[j])
	}
	if _, err := b.nodeStorage.WriteAt(b.node.data, headerSize); err != nil {
		return fmt.Errorf("buckettree: writing L1 node: %w", err)
	}

	// L2 nodes.
	for i := int32(0); i < l2Count; i++ {
		clear(b.node.data)

		first := inline + i*b.offsetCount
		last := min(first+b.offsetCount, b.entrySetCount)

		end := endOffset
		if i+1 < l2Count {
			end = starts[inline+(i+1)*b.offsetCount]
		}

		header := nodeHeader{index: i, count: last - first, end: end}
		header.encode(b.node.data[:nodeHeaderSize])
		for j, start := range starts[first:last] {
			putOffsetAt(b.node.data, int32(j), start)
		}

		position := headerSize + int64(1+i)*int64(b.nodeSize)
		if _, err := b.nodeStorage.WriteAt(b.node.data, position); err != nil {
			return fmt.Errorf("buckettree: writing L2 node %d: %w", i, err)
		}
	}
	return nil
}
