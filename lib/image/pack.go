// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"bytes"
	"fmt"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/buckettree"
	"github.com/bureau-foundation/layerfs/lib/compressed"
	"github.com/bureau-foundation/layerfs/lib/indirect"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// buildTable writes a tree image for already-marshaled entries into
// fresh buffers sized by the storage queries.
func buildTable(allocator alloc.Allocator, nodeSize, entrySize int, entries [][]byte, end int64) (table, entrySets []byte, err error) {
	count := int32(len(entries))
	table = make([]byte, buckettree.QueryHeaderStorageSize()+buckettree.QueryNodeStorageSize(nodeSize, entrySize, count))
	entrySets = make([]byte, buckettree.QueryEntryStorageSize(nodeSize, entrySize, count))

	var builder buckettree.Builder
	if err := builder.Initialize(allocator, storage.Memory(table), storage.Memory(entrySets), nodeSize, entrySize, count); err != nil {
		return nil, nil, err
	}
	for i, entry := range entries {
		if err := builder.Add(entry); err != nil {
			return nil, nil, fmt.Errorf("image: entry %d: %w", i, err)
		}
	}
	if err := builder.Finalize(end); err != nil {
		return nil, nil, err
	}
	return table, entrySets, nil
}

// PackCompressed writes a compressed image holding content, split
// into blocks of blockSize bytes and compressed with the preferred
// algorithm (blocks that do not shrink are stored raw).
func PackCompressed(path string, content []byte, nodeSize int, blockSize int64, preferred compressed.CompressionTag) error {
	packer := compressed.NewPacker(blockSize, preferred)
	if _, err := packer.Write(content); err != nil {
		return fmt.Errorf("image: packing: %w", err)
	}
	payload, entries, size, err := packer.Finish()
	if err != nil {
		return fmt.Errorf("image: packing: %w", err)
	}

	marshaled := make([][]byte, len(entries))
	for i := range entries {
		marshaled[i] = entries[i].Marshal()
	}
	table, entrySets, err := buildTable(alloc.Heap{}, nodeSize, compressed.EntrySize, marshaled, size)
	if err != nil {
		return err
	}

	manifest := &Manifest{
		Kind:       KindCompressed,
		NodeSize:   nodeSize,
		EntryCount: int32(len(entries)),
		Size:       size,
	}
	return Write(path, manifest, table, entrySets, payload)
}

// PackSparse writes a sparse image holding content. Runs of zero
// blocks (at blockSize granularity) become holes; everything else
// lands in the payload region.
func PackSparse(path string, content []byte, nodeSize int, blockSize int64) error {
	if blockSize <= 0 {
		return fmt.Errorf("image: block size %d is invalid", blockSize)
	}

	var entries []indirect.Entry
	var payload []byte

	appendEntry := func(e indirect.Entry) {
		// Extend the previous run instead of opening a new entry
		// when the source matches and the data is contiguous.
		if n := len(entries); n > 0 && entries[n-1].Source == e.Source {
			if e.Source == 1 || entries[n-1].Physical+(e.Virtual-entries[n-1].Virtual) == e.Physical {
				return
			}
		}
		entries = append(entries, e)
	}

	zero := make([]byte, blockSize)
	for off := int64(0); off < int64(len(content)); off += blockSize {
		block := content[off:min(off+blockSize, int64(len(content)))]
		if bytes.Equal(block, zero[:len(block)]) {
			appendEntry(indirect.Entry{Virtual: off, Physical: 0, Source: 1})
			continue
		}
		appendEntry(indirect.Entry{Virtual: off, Physical: int64(len(payload)), Source: 0})
		payload = append(payload, block...)
	}

	marshaled := make([][]byte, len(entries))
	for i := range entries {
		marshaled[i] = entries[i].Marshal()
	}
	table, entrySets, err := buildTable(alloc.Heap{}, nodeSize, indirect.EntrySize, marshaled, int64(len(content)))
	if err != nil {
		return err
	}

	manifest := &Manifest{
		Kind:       KindSparse,
		NodeSize:   nodeSize,
		EntryCount: int32(len(entries)),
		Size:       int64(len(content)),
	}
	return Write(path, manifest, table, entrySets, payload)
}
