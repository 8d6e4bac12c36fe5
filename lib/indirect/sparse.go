// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package indirect

import (
	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// Sparse is an indirect storage whose second source is a zero
// filler: entries selecting source 1 read as holes. The entry table
// then only needs to record where data physically exists.
type Sparse struct {
	Storage
}

// Initialize opens the sparse table over the tree image and attaches
// the data source and the zero source.
func (s *Sparse) Initialize(allocator alloc.Allocator, nodeStorage, entryStorage storage.Storage, nodeSize int, entryCount int32, data storage.Storage) error {
	if err := s.Storage.Initialize(allocator, nodeStorage, entryStorage, nodeSize, entryCount); err != nil {
		return err
	}
	s.SetSource(0, data)
	s.SetSource(1, storage.Zero{})
	return nil
}
