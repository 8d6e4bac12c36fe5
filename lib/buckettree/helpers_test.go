// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package buckettree

import (
	"encoding/binary"
	"testing"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// testEntry is a minimal 16-byte entry: the mandatory leading virtual
// offset plus an arbitrary payload marker used to check that lookups
// land on the right entry.
const testEntrySize = 16

func makeTestEntry(va int64, marker uint64) []byte {
	entry := make([]byte, testEntrySize)
	binary.LittleEndian.PutUint64(entry[0:8], uint64(va))
	binary.LittleEndian.PutUint64(entry[8:16], marker)
	return entry
}

func entryVA(entry []byte) int64 {
	return int64(binary.LittleEndian.Uint64(entry[0:8]))
}

func entryMarker(entry []byte) uint64 {
	return binary.LittleEndian.Uint64(entry[8:16])
}

// buildImage writes a tree image into fresh memory storages. Each
// entry i starts at starts[i] and carries marker i; the tree ends at
// endOffset.
func buildImage(t *testing.T, nodeSize, entrySize int, starts []int64, endOffset int64) (node, entry storage.Memory) {
	t.Helper()

	entryCount := int32(len(starts))
	node = storage.Memory(make([]byte, QueryHeaderStorageSize()+QueryNodeStorageSize(nodeSize, entrySize, entryCount)))
	entry = storage.Memory(make([]byte, QueryEntryStorageSize(nodeSize, entrySize, entryCount)))

	var builder Builder
	if err := builder.Initialize(alloc.Heap{}, node, entry, nodeSize, entrySize, entryCount); err != nil {
		t.Fatalf("Builder.Initialize: %v", err)
	}
	for i, start := range starts {
		if err := builder.Add(makeTestEntry(start, uint64(i))); err != nil {
			t.Fatalf("Builder.Add(%d): %v", i, err)
		}
	}
	if err := builder.Finalize(endOffset); err != nil {
		t.Fatalf("Builder.Finalize: %v", err)
	}
	return node, entry
}

// openTree builds an image and initializes a tree over it.
func openTree(t *testing.T, nodeSize, entrySize int, starts []int64, endOffset int64) *Tree {
	t.Helper()

	node, entry := buildImage(t, nodeSize, entrySize, starts, endOffset)
	tree := new(Tree)
	if err := tree.Initialize(alloc.Heap{}, node, entry, nodeSize, entrySize, int32(len(starts))); err != nil {
		t.Fatalf("Tree.Initialize: %v", err)
	}
	t.Cleanup(tree.Finalize)
	return tree
}

// evenStarts returns count offsets spaced stride apart starting at
// zero.
func evenStarts(count int, stride int64) []int64 {
	starts := make([]int64, count)
	for i := range starts {
		starts[i] = int64(i) * stride
	}
	return starts
}
