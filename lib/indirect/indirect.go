// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package indirect implements a storage whose contents are stitched
// together from two backing sources under the control of a bucket
// tree.
//
// Each tree entry maps a virtual range to a physical offset in one of
// two sources: source 0 is conventionally the original data and
// source 1 the patch (or, for sparse storages, a zero source). Reads
// walk the entries covering the requested range and copy each span
// from its source. Runs of adjacent source-0 entries whose physical
// bytes are contiguous are detected with the tree's
// continuous-reading scan and satisfied with a single physical read.
package indirect

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/buckettree"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// SourceCount is the number of backing sources an indirect storage
// selects between.
const SourceCount = 2

// EntrySize is the width of one tree entry.
const EntrySize = 24

// Entry maps the virtual range starting at Virtual to physical bytes
// at Physical within source Source. The range's end is the next
// entry's Virtual (or the tree's end).
type Entry struct {
	Virtual  int64
	Physical int64
	Source   uint8
}

// Unmarshal decodes the entry from its on-storage representation.
func (e *Entry) Unmarshal(raw []byte) {
	e.Virtual = int64(binary.LittleEndian.Uint64(raw[0:8]))
	e.Physical = int64(binary.LittleEndian.Uint64(raw[8:16]))
	e.Source = raw[16]
}

// Marshal encodes the entry for Builder.Add. The trailing bytes
// beyond the source selector are reserved and zero.
func (e *Entry) Marshal() []byte {
	raw := make([]byte, EntrySize)
	binary.LittleEndian.PutUint64(raw[0:8], uint64(e.Virtual))
	binary.LittleEndian.PutUint64(raw[8:16], uint64(e.Physical))
	raw[16] = e.Source
	return raw
}

// Offset returns the entry's starting virtual offset.
func (e *Entry) Offset() int64 { return e.Virtual }

// Fusible reports whether one physical read can satisfy both prev
// and this entry: both must target source 0 and the physical bytes
// must be contiguous.
func (e *Entry) Fusible(prev *Entry) bool {
	if e.Source != 0 || prev.Source != 0 {
		return false
	}
	return e.Physical == prev.Physical+(e.Virtual-prev.Virtual)
}

// Storage reads through a bucket tree onto two backing sources. It
// implements the read-only storage interface over the tree's virtual
// range. Initialize the tree, attach the sources, then read.
type Storage struct {
	tree    buckettree.Tree
	sources [SourceCount]storage.Storage
}

// Initialize opens the entry table. The node and entry storages hold
// the tree image; sources are attached separately with SetSource.
func (s *Storage) Initialize(allocator alloc.Allocator, nodeStorage, entryStorage storage.Storage, nodeSize int, entryCount int32) error {
	return s.tree.Initialize(allocator, nodeStorage, entryStorage, nodeSize, EntrySize, entryCount)
}

// InitializeEmpty opens a table with no entries covering [0, size).
// All reads fail out of range, matching an empty tree's behavior.
func (s *Storage) InitializeEmpty(nodeSize int, size int64) {
	s.tree.InitializeEmpty(nodeSize, size)
}

// Finalize releases the tree. Sources are left untouched; they are
// not owned.
func (s *Storage) Finalize() {
	s.tree.Finalize()
}

// SetSource attaches a backing source. Index 0 is the original data,
// index 1 the patch.
func (s *Storage) SetSource(index int, source storage.Storage) {
	if index < 0 || index >= SourceCount {
		panic(fmt.Sprintf("indirect: source index %d out of range", index))
	}
	s.sources[index] = source
}

// Tree exposes the underlying table for inspection.
func (s *Storage) Tree() *buckettree.Tree { return &s.tree }

// Size returns the virtual extent covered by the table.
func (s *Storage) Size() int64 { return s.tree.End() }

// ReadAt reads len(p) bytes at off from the stitched storage.
// Partial reads at the tail return io.EOF like any bounded storage.
func (s *Storage) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || off >= s.tree.End() {
		return 0, io.EOF
	}

	// Clamp to the covered range so tail reads behave like every
	// other storage.
	short := false
	if off+int64(len(p)) > s.tree.End() {
		p = p[:s.tree.End()-off]
		short = true
	}

	if err := s.read(p, off); err != nil {
		return 0, err
	}
	if short {
		return len(p), io.EOF
	}
	return len(p), nil
}

// read satisfies exactly [off, off+len(p)), which the caller has
// clamped to the tree's range.
func (s *Storage) read(p []byte, off int64) error {
	var visitor buckettree.Visitor
	defer visitor.Close()

	if err := s.tree.Find(&visitor, off); err != nil {
		return err
	}

	var current Entry
	current.Unmarshal(visitor.Get())

	var info buckettree.ContinuousReadingInfo
	cur := off
	end := off + int64(len(p))

	for cur < end {
		if current.Virtual > cur {
			return fmt.Errorf("indirect: entry at %d does not cover address %d", current.Virtual, cur)
		}
		if int(current.Source) >= SourceCount {
			return fmt.Errorf("indirect: entry at %d selects source %d", current.Virtual, current.Source)
		}

		// Look ahead for a fusible run when the countdown says so.
		if !info.IsDone() && info.CheckNeedScan() {
			if err := buckettree.ScanContinuousReading[Entry](&visitor, &info, cur, end-cur); err != nil {
				return err
			}
		}

		if info.CanDo() {
			// One physical read covering this entry and the next
			// SkipCount entries. The scan only fuses source-0 runs.
			if current.Source != 0 {
				return fmt.Errorf("indirect: fused read starting in source %d", current.Source)
			}
			fused := info.ReadSize()
			position := current.Physical + (cur - current.Virtual)
			if err := s.readSource(0, p[cur-off:cur-off+fused], position); err != nil {
				return err
			}
			cur += fused
			info.SetReadSize(0)
		}

		// Advance to the next entry; its offset bounds the span the
		// current entry is responsible for.
		nextStart := s.tree.End()
		hasNext := visitor.CanMoveNext()
		var next Entry
		if hasNext {
			if err := visitor.MoveNext(); err != nil {
				return err
			}
			next.Unmarshal(visitor.Get())
			nextStart = next.Virtual
		}

		// Copy whatever of the current entry's span the fused read
		// did not already satisfy.
		if cur < end && cur < nextStart {
			spanEnd := min(nextStart, end)
			position := current.Physical + (cur - current.Virtual)
			if err := s.readSource(int(current.Source), p[cur-off:spanEnd-off], position); err != nil {
				return err
			}
			cur = spanEnd
		}

		if !hasNext {
			break
		}
		current = next
	}

	if cur < end {
		return fmt.Errorf("indirect: table ends at %d, read needs %d", cur, end)
	}
	return nil
}

// readSource performs one full read against a backing source.
func (s *Storage) readSource(index int, p []byte, off int64) error {
	source := s.sources[index]
	if source == nil {
		return fmt.Errorf("indirect: source %d is not attached", index)
	}
	if err := storage.ReadFull(source, p, off); err != nil {
		return fmt.Errorf("indirect: source %d: %w", index, err)
	}
	return nil
}
