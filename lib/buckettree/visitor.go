// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buckettree

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/layerfs/lib/storage"
)

// Visitor is a cursor positioned on a single entry. A zero Visitor is
// unbound; the first Find against a tree binds it and allocates its
// entry buffer from that tree's allocator. A Visitor must not outlive
// its tree and must not be copied once bound.
//
// Moves are atomic with respect to visible state: when MoveNext or
// MovePrevious fails, the cursor still reports its previous position.
type Visitor struct {
	tree          *Tree
	entry         []byte // allocator-owned, one entry wide
	scratch       []byte // staging for atomic moves, Go-managed
	entryIndex    int32
	entrySetCount int32
	entrySet      entrySetHeader
}

// initialize binds the visitor to t on first use.
func (v *Visitor) initialize(t *Tree) error {
	if v.tree == t {
		return nil
	}
	if v.tree != nil {
		return fmt.Errorf("buckettree: visitor is bound to a different tree")
	}

	buf := t.Allocator().Allocate(t.entrySize)
	if buf == nil {
		return fmt.Errorf("%w: %d-byte entry buffer", ErrOutOfMemory, t.entrySize)
	}

	v.tree = t
	v.entry = buf
	v.scratch = make([]byte, t.entrySize)
	v.entryIndex = -1
	v.entrySetCount = t.entrySetCount
	return nil
}

// Close releases the visitor's entry buffer back to the tree's
// allocator and unbinds it. Idempotent. Close before finalizing the
// tree.
func (v *Visitor) Close() {
	if v.entry != nil {
		v.tree.Allocator().Free(v.entry)
	}
	*v = Visitor{entryIndex: -1}
}

// IsValid reports whether the visitor is positioned on an entry.
func (v *Visitor) IsValid() bool { return v.entry != nil && v.entryIndex >= 0 }

// CanMoveNext reports whether an entry exists after the current one.
func (v *Visitor) CanMoveNext() bool {
	return v.IsValid() && (v.entryIndex+1 < v.entrySet.count || v.entrySet.index+1 < v.entrySetCount)
}

// CanMovePrevious reports whether an entry exists before the current
// one.
func (v *Visitor) CanMovePrevious() bool {
	return v.IsValid() && (v.entryIndex > 0 || v.entrySet.index > 0)
}

// Get returns the current entry's bytes. The slice is only valid
// until the next move or Find and must be treated as read-only.
func (v *Visitor) Get() []byte {
	if !v.IsValid() {
		panic("buckettree: Get on an unpositioned visitor")
	}
	return v.entry
}

// Tree returns the tree this visitor is bound to, or nil.
func (v *Visitor) Tree() *Tree { return v.tree }

// find positions the visitor on the entry covering va. The caller
// (Tree.Find) has already range-checked va.
func (v *Visitor) find(va int64) error {
	setIndex, err := v.findEntrySet(va)
	if err != nil {
		return err
	}
	return v.findEntry(va, setIndex)
}

// findEntrySet descends the offset tier(s) to the index of the entry
// set covering va.
func (v *Visitor) findEntrySet(va int64) (int32, error) {
	t := v.tree
	l1 := t.l1Header()

	if !t.hasL2() {
		// The L1 keys are the entry-set starts themselves.
		index := searchOffsets(t.nodeL1.data, 0, l1.count, va)
		if index < 0 {
			return 0, fmt.Errorf("%w: address %d precedes the first key", ErrOutOfRange, va)
		}
		return index, nil
	}

	// With an L2 tier, the L1 keys point at L2 nodes and any slack
	// slots after the keys hold the starts of the leading entry sets
	// inline.
	inline := t.offsetCount - l1.count
	if inline > 0 && va < readOffsetAt(t.nodeL1.data, 0) {
		index := searchOffsets(t.nodeL1.data, l1.count, inline, va)
		if index < 0 {
			return 0, fmt.Errorf("%w: address %d precedes the first key", ErrOutOfRange, va)
		}
		return index, nil
	}

	nodeIndex := searchOffsets(t.nodeL1.data, 0, l1.count, va)
	if nodeIndex < 0 {
		return 0, fmt.Errorf("%w: address %d precedes the first key", ErrOutOfRange, va)
	}

	offsetIndex, err := v.findInL2(va, nodeIndex)
	if err != nil {
		return 0, err
	}
	return t.entrySetIndexAt(l1.count, nodeIndex, offsetIndex), nil
}

// findInL2 searches L2 node nodeIndex for the position of the largest
// key not exceeding va. The node is probed through the node storage;
// only 8-byte keys are read.
func (v *Visitor) findInL2(va int64, nodeIndex int32) (int32, error) {
	t := v.tree
	base := t.l2NodeOffset(nodeIndex)

	var headerBytes [nodeHeaderSize]byte
	if err := storage.ReadFull(t.nodeStorage, headerBytes[:], base); err != nil {
		return 0, fmt.Errorf("buckettree: reading L2 node %d: %w", nodeIndex, err)
	}
	node := decodeNodeHeader(headerBytes[:])
	if err := node.verify(nodeIndex, t.nodeSize, offsetWidth); err != nil {
		return 0, err
	}
	if va >= node.end {
		return 0, fmt.Errorf("%w: L2 node %d ends at %d, searching for %d", ErrInvalidNodeEntryOffset, nodeIndex, node.end, va)
	}

	index, err := v.searchStorageOffsets(t.nodeStorage, base+nodeHeaderSize, offsetWidth, node.count, va)
	if err != nil {
		return 0, err
	}
	if index < 0 {
		return 0, fmt.Errorf("%w: L2 node %d starts past address %d", ErrInvalidNodeEntryOffset, nodeIndex, va)
	}
	return index, nil
}

// findEntry locates va inside entry set setIndex and commits the
// visitor's position.
func (v *Visitor) findEntry(va int64, setIndex int32) error {
	t := v.tree

	set, err := v.readEntrySetHeader(setIndex)
	if err != nil {
		return err
	}
	if va < set.start || va >= set.end {
		return fmt.Errorf("%w: entry set %d covers [%d, %d), searching for %d",
			ErrInvalidNodeEntryOffset, setIndex, set.start, set.end, va)
	}

	index, err := v.searchStorageOffsets(t.entryStorage, t.entrySetOffset(setIndex)+nodeHeaderSize, t.entrySize, set.count, va)
	if err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("%w: entry set %d starts past address %d", ErrInvalidNodeEntryOffset, setIndex, va)
	}

	if err := storage.ReadFull(t.entryStorage, v.scratch, t.entryOffset(setIndex, index)); err != nil {
		return fmt.Errorf("buckettree: reading entry %d of set %d: %w", index, setIndex, err)
	}

	copy(v.entry, v.scratch)
	v.entrySet = set
	v.entryIndex = index
	return nil
}

// readEntrySetHeader reads and verifies the header view of entry set
// setIndex.
func (v *Visitor) readEntrySetHeader(setIndex int32) (entrySetHeader, error) {
	t := v.tree
	var buf [entrySetHeaderSize]byte
	if err := storage.ReadFull(t.entryStorage, buf[:], t.entrySetOffset(setIndex)); err != nil {
		return entrySetHeader{}, fmt.Errorf("buckettree: reading entry set %d: %w", setIndex, err)
	}
	set := decodeEntrySetHeader(buf[:])
	if err := set.verify(setIndex, t.nodeSize, t.entrySize); err != nil {
		return entrySetHeader{}, err
	}
	return set, nil
}

// searchStorageOffsets binary-searches count elements of the given
// stride starting at base, comparing each element's leading 8-byte
// virtual offset. Returns the largest index whose offset is <= va, or
// -1. Probes read 8 bytes each; nothing node-sized is buffered.
func (v *Visitor) searchStorageOffsets(s storage.Storage, base int64, stride int, count int32, va int64) (int32, error) {
	var probe [offsetWidth]byte
	lo, hi := int32(0), count
	for lo < hi {
		mid := (lo + hi) / 2
		if err := storage.ReadFull(s, probe[:], base+int64(mid)*int64(stride)); err != nil {
			return 0, fmt.Errorf("buckettree: probing offset %d: %w", mid, err)
		}
		if int64(binary.LittleEndian.Uint64(probe[:])) <= va {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1, nil
}

// MoveNext advances to the next entry, hopping to the next entry set
// at the boundary.
func (v *Visitor) MoveNext() error {
	if !v.IsValid() {
		return fmt.Errorf("%w: visitor is not positioned", ErrOutOfRange)
	}
	t := v.tree

	index := v.entryIndex + 1
	set := v.entrySet
	if index == set.count {
		setIndex := set.index + 1
		if setIndex >= v.entrySetCount {
			return fmt.Errorf("%w: already at the last entry", ErrOutOfRange)
		}
		next, err := v.readEntrySetHeader(setIndex)
		if err != nil {
			return err
		}
		if next.start != set.end {
			return fmt.Errorf("%w: entry set %d starts at %d, predecessor ends at %d",
				ErrInvalidNodeEntryOffset, setIndex, next.start, set.end)
		}
		set = next
		index = 0
	}

	if err := storage.ReadFull(t.entryStorage, v.scratch, t.entryOffset(set.index, index)); err != nil {
		return fmt.Errorf("buckettree: reading entry %d of set %d: %w", index, set.index, err)
	}

	copy(v.entry, v.scratch)
	v.entrySet = set
	v.entryIndex = index
	return nil
}

// MovePrevious steps back to the previous entry, hopping to the
// previous entry set at the boundary.
func (v *Visitor) MovePrevious() error {
	if !v.IsValid() {
		return fmt.Errorf("%w: visitor is not positioned", ErrOutOfRange)
	}
	t := v.tree

	index := v.entryIndex - 1
	set := v.entrySet
	if index < 0 {
		setIndex := set.index - 1
		if setIndex < 0 {
			return fmt.Errorf("%w: already at the first entry", ErrOutOfRange)
		}
		previous, err := v.readEntrySetHeader(setIndex)
		if err != nil {
			return err
		}
		if previous.end != set.start {
			return fmt.Errorf("%w: entry set %d ends at %d, successor starts at %d",
				ErrInvalidNodeEntryOffset, setIndex, previous.end, set.start)
		}
		set = previous
		index = set.count - 1
	}

	if err := storage.ReadFull(t.entryStorage, v.scratch, t.entryOffset(set.index, index)); err != nil {
		return fmt.Errorf("buckettree: reading entry %d of set %d: %w", index, set.index, err)
	}

	copy(v.entry, v.scratch)
	v.entrySet = set
	v.entryIndex = index
	return nil
}

// entryRangeEnd returns the exclusive end of the range covered by
// entry index of the given set: the next entry's virtual offset, or
// the set's end for the last entry.
func (v *Visitor) entryRangeEnd(set entrySetHeader, index int32) (int64, error) {
	if index+1 >= set.count {
		return set.end, nil
	}
	t := v.tree
	var probe [offsetWidth]byte
	if err := storage.ReadFull(t.entryStorage, probe[:], t.entryOffset(set.index, index+1)); err != nil {
		return 0, fmt.Errorf("buckettree: reading entry %d of set %d: %w", index+1, set.index, err)
	}
	return int64(binary.LittleEndian.Uint64(probe[:])), nil
}
