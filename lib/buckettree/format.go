// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buckettree

import (
	"encoding/binary"
	"fmt"
)

// On-disk format constants. These values are protocol constants —
// changing any of them breaks compatibility with existing images.
const (
	// Version is the supported format version.
	Version = 1

	// NodeSizeMin and NodeSizeMax bound the node size. Every node,
	// whether an offset node or an entry set, occupies exactly the
	// node size, which must be a power of two.
	NodeSizeMin = 1 * 1024
	NodeSizeMax = 512 * 1024

	// headerSize is the fixed width of the format header at the
	// front of the node storage.
	headerSize = 16

	// nodeHeaderSize is the fixed width of the header at the front
	// of every node.
	nodeHeaderSize = 16

	// offsetWidth is the width of one key in an offset node.
	offsetWidth = 8

	// entrySetHeaderSize covers a leaf's node header plus the first
	// entry's leading virtual offset, which doubles as the set's
	// start. Reading it in one piece gives {index, count, end,
	// start}.
	entrySetHeaderSize = nodeHeaderSize + 8
)

// magic identifies the format header. FourCC "BKTR".
var magic = [4]byte{'B', 'K', 'T', 'R'}

// Header is the 16-byte format header at offset 0 of the node
// storage: magic, version, entry count, and a reserved field.
type Header struct {
	Magic      [4]byte
	Version    uint32
	EntryCount int32
	Reserved   int32
}

// Format initializes the header for a tree holding entryCount
// entries.
func (h *Header) Format(entryCount int32) {
	h.Magic = magic
	h.Version = Version
	h.EntryCount = entryCount
	h.Reserved = 0
}

// Verify checks the magic, version, and entry count. A failure means
// the storage does not hold a tree this implementation can read.
func (h *Header) Verify() error {
	if h.Magic != magic {
		return fmt.Errorf("%w: magic %q, want %q", ErrInvalidFormat, h.Magic[:], magic[:])
	}
	if h.Version != Version {
		return fmt.Errorf("%w: version %d, want %d", ErrInvalidFormat, h.Version, Version)
	}
	if h.EntryCount < 0 {
		return fmt.Errorf("%w: negative entry count %d", ErrInvalidFormat, h.EntryCount)
	}
	return nil
}

func decodeHeader(b []byte) Header {
	var h Header
	copy(h.Magic[:], b[0:4])
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	h.EntryCount = int32(binary.LittleEndian.Uint32(b[8:12]))
	h.Reserved = int32(binary.LittleEndian.Uint32(b[12:16]))
	return h
}

func (h Header) encode(b []byte) {
	copy(b[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.EntryCount))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.Reserved))
}

// nodeHeader is the 16-byte header at the front of every node. index
// is the node's position within its tier, count the number of keys or
// entries it holds, and end the exclusive upper bound of the virtual
// range the node covers. The node's covered range starts at its first
// key (offset nodes) or its first entry's virtual offset (entry
// sets); together with end that yields count+1 boundaries per node.
type nodeHeader struct {
	index int32
	count int32
	end   int64
}

func decodeNodeHeader(b []byte) nodeHeader {
	return nodeHeader{
		index: int32(binary.LittleEndian.Uint32(b[0:4])),
		count: int32(binary.LittleEndian.Uint32(b[4:8])),
		end:   int64(binary.LittleEndian.Uint64(b[8:16])),
	}
}

func (h nodeHeader) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.index))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.count))
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.end))
}

// verify checks the header against the node's expected position and
// capacity. entrySize is the width of one element in this node: the
// entry size for entry sets, offsetWidth for offset nodes.
func (h nodeHeader) verify(nodeIndex int32, nodeSize, entrySize int) error {
	if h.index != nodeIndex {
		return fmt.Errorf("%w: node %d has stored index %d", ErrInvalidFormat, nodeIndex, h.index)
	}
	capacity := int32((nodeSize - nodeHeaderSize) / entrySize)
	if h.count < 1 || h.count > capacity {
		return fmt.Errorf("%w: node %d holds %d of at most %d", ErrInvalidNodeEntryCount, nodeIndex, h.count, capacity)
	}
	if h.end < 0 {
		return fmt.Errorf("%w: node %d has negative end %d", ErrInvalidNodeEntryOffset, nodeIndex, h.end)
	}
	return nil
}

// entrySetHeader is a leaf's node header plus the derived view the
// visitor works with: the set's half-open range [start, end). start
// is the first entry's virtual offset, read together with the header.
type entrySetHeader struct {
	nodeHeader
	start int64
}

func decodeEntrySetHeader(b []byte) entrySetHeader {
	return entrySetHeader{
		nodeHeader: decodeNodeHeader(b[:nodeHeaderSize]),
		start:      int64(binary.LittleEndian.Uint64(b[nodeHeaderSize:entrySetHeaderSize])),
	}
}

// verify extends nodeHeader.verify with the set-range check.
func (h entrySetHeader) verify(setIndex int32, nodeSize, entrySize int) error {
	if err := h.nodeHeader.verify(setIndex, nodeSize, entrySize); err != nil {
		return err
	}
	if h.start >= h.end {
		return fmt.Errorf("%w: entry set %d covers [%d, %d)", ErrInvalidNodeEntryOffset, setIndex, h.start, h.end)
	}
	return nil
}

// Geometry. Every quantity below is pure arithmetic on the node size,
// entry size, and entry count; no tree state is involved.

func divideUp(a, b int32) int32 {
	return (a + b - 1) / b
}

// entryCountPerNode is the number of entries one entry set can hold.
func entryCountPerNode(nodeSize, entrySize int) int32 {
	return int32((nodeSize - nodeHeaderSize) / entrySize)
}

// offsetCountPerNode is the number of keys one offset node can hold.
func offsetCountPerNode(nodeSize int) int32 {
	return int32((nodeSize - nodeHeaderSize) / offsetWidth)
}

// entrySetCountFor is the number of entry sets needed for entryCount
// entries.
func entrySetCountFor(nodeSize, entrySize int, entryCount int32) int32 {
	return divideUp(entryCount, entryCountPerNode(nodeSize, entrySize))
}

// nodeL2CountFor is the number of L2 offset nodes. Zero when the L1
// node can key every entry set directly. Otherwise the L1 node keys
// the L2 nodes and lends its slack slots to the leading entry sets,
// so the L2 tier only holds what remains.
func nodeL2CountFor(nodeSize, entrySize int, entryCount int32) int32 {
	offsetCount := offsetCountPerNode(nodeSize)
	entrySetCount := entrySetCountFor(nodeSize, entrySize, entryCount)

	if entrySetCount <= offsetCount {
		return 0
	}

	nodeL2Count := divideUp(entrySetCount, offsetCount)
	if nodeL2Count > offsetCount {
		panic(fmt.Sprintf("buckettree: %d entries do not fit node size %d", entryCount, nodeSize))
	}

	return divideUp(entrySetCount-(offsetCount-(nodeL2Count-1)), offsetCount)
}

// validateArguments rejects parameter combinations the format cannot
// represent. Callers that reach storage with bad parameters would
// produce undiagnosable read errors, so this runs first in
// Initialize and Builder.Initialize.
func validateArguments(nodeSize, entrySize int, entryCount int32) error {
	if entrySize < offsetWidth {
		return fmt.Errorf("buckettree: entry size %d is smaller than %d", entrySize, offsetWidth)
	}
	if nodeSize < NodeSizeMin || nodeSize > NodeSizeMax {
		return fmt.Errorf("buckettree: node size %d outside [%d, %d]", nodeSize, NodeSizeMin, NodeSizeMax)
	}
	if nodeSize&(nodeSize-1) != 0 {
		return fmt.Errorf("buckettree: node size %d is not a power of two", nodeSize)
	}
	if nodeSize < entrySize+nodeHeaderSize {
		return fmt.Errorf("buckettree: node size %d cannot hold one %d-byte entry", nodeSize, entrySize)
	}
	if entryCount < 0 {
		return fmt.Errorf("buckettree: negative entry count %d", entryCount)
	}
	if entryCount > 0 {
		offsetCount := offsetCountPerNode(nodeSize)
		entrySetCount := entrySetCountFor(nodeSize, entrySize, entryCount)
		if entrySetCount > offsetCount && divideUp(entrySetCount, offsetCount) > offsetCount {
			return fmt.Errorf("buckettree: %d entries exceed the two-tier capacity of node size %d", entryCount, nodeSize)
		}
	}
	return nil
}

// QueryHeaderStorageSize returns the persisted size of the format
// header.
func QueryHeaderStorageSize() int64 { return headerSize }

// QueryNodeStorageSize returns the persisted size of the offset-node
// tier (the L1 node plus any L2 nodes), excluding the format header.
// Packagers use this to lay out images before building them. The
// parameters must satisfy the same preconditions as Initialize;
// invalid geometry panics.
func QueryNodeStorageSize(nodeSize, entrySize int, entryCount int32) int64 {
	if err := validateArguments(nodeSize, entrySize, entryCount); err != nil {
		panic(err)
	}
	if entryCount <= 0 {
		return 0
	}
	return int64(1+nodeL2CountFor(nodeSize, entrySize, entryCount)) * int64(nodeSize)
}

// QueryEntryStorageSize returns the persisted size of the entry-set
// tier. Same preconditions as QueryNodeStorageSize.
func QueryEntryStorageSize(nodeSize, entrySize int, entryCount int32) int64 {
	if err := validateArguments(nodeSize, entrySize, entryCount); err != nil {
		panic(err)
	}
	if entryCount <= 0 {
		return 0
	}
	return int64(entrySetCountFor(nodeSize, entrySize, entryCount)) * int64(nodeSize)
}

// readOffsetAt reads the key at logical position i of an offset node
// held in buf.
func readOffsetAt(buf []byte, i int32) int64 {
	base := nodeHeaderSize + int(i)*offsetWidth
	return int64(binary.LittleEndian.Uint64(buf[base : base+offsetWidth]))
}

// putOffsetAt writes the key at logical position i of an offset node
// held in buf.
func putOffsetAt(buf []byte, i int32, offset int64) {
	base := nodeHeaderSize + int(i)*offsetWidth
	binary.LittleEndian.PutUint64(buf[base:base+offsetWidth], uint64(offset))
}

// searchOffsets returns the largest position p in [base, base+count)
// whose key is <= va, relative to base. Returns -1 when va precedes
// the first key.
func searchOffsets(buf []byte, base, count int32, va int64) int32 {
	lo, hi := int32(0), count
	for lo < hi {
		mid := (lo + hi) / 2
		if readOffsetAt(buf, base+mid) <= va {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}
