// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compressed implements a storage whose virtual contents are
// stored as independently compressed physical blocks, indexed by a
// bucket tree.
//
// Each tree entry maps a virtual range to a compressed block in the
// backing storage: its physical offset, its stored size, and the
// algorithm it was compressed with. Reads decompress only the blocks
// the requested window touches. The [Packer] is the write side: it
// splits content into blocks, compresses each with a fallback to
// storing incompressible blocks raw, and feeds the entry table
// builder.
package compressed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/buckettree"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// EntrySize is the width of one tree entry.
const EntrySize = 24

// Entry maps the virtual range starting at Virtual to a block of
// PhysicalSize stored bytes at Physical, compressed with
// Compression. The range's end is the next entry's Virtual (or the
// tree's end); decompression must yield exactly that many bytes.
type Entry struct {
	Virtual      int64
	Physical     int64
	PhysicalSize int32
	Compression  CompressionTag
}

// Unmarshal decodes the entry from its on-storage representation.
func (e *Entry) Unmarshal(raw []byte) {
	e.Virtual = int64(binary.LittleEndian.Uint64(raw[0:8]))
	e.Physical = int64(binary.LittleEndian.Uint64(raw[8:16]))
	e.PhysicalSize = int32(binary.LittleEndian.Uint32(raw[16:20]))
	e.Compression = CompressionTag(raw[20])
}

// Marshal encodes the entry for Builder.Add. The trailing bytes
// after the tag are reserved and zero.
func (e *Entry) Marshal() []byte {
	raw := make([]byte, EntrySize)
	binary.LittleEndian.PutUint64(raw[0:8], uint64(e.Virtual))
	binary.LittleEndian.PutUint64(raw[8:16], uint64(e.Physical))
	binary.LittleEndian.PutUint32(raw[16:20], uint32(e.PhysicalSize))
	raw[20] = uint8(e.Compression)
	return raw
}

// Storage reads a block-compressed image through its bucket tree.
type Storage struct {
	tree    buckettree.Tree
	backing storage.Storage
}

// Initialize opens the entry table and attaches the backing storage
// holding the compressed blocks.
func (s *Storage) Initialize(allocator alloc.Allocator, nodeStorage, entryStorage, backing storage.Storage, nodeSize int, entryCount int32) error {
	if err := s.tree.Initialize(allocator, nodeStorage, entryStorage, nodeSize, EntrySize, entryCount); err != nil {
		return err
	}
	s.backing = backing
	return nil
}

// Finalize releases the tree. The backing storage is not owned.
func (s *Storage) Finalize() {
	s.tree.Finalize()
	s.backing = nil
}

// Tree exposes the underlying table for inspection.
func (s *Storage) Tree() *buckettree.Tree { return &s.tree }

// Size returns the uncompressed virtual extent.
func (s *Storage) Size() int64 { return s.tree.End() }

// ReadAt reads len(p) bytes at off, decompressing every block the
// window touches. Partial reads at the tail return io.EOF.
func (s *Storage) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || off >= s.tree.End() {
		return 0, io.EOF
	}

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

func (s *Storage) read(p []byte, off int64) error {
	var visitor buckettree.Visitor
	defer visitor.Close()

	if err := s.tree.Find(&visitor, off); err != nil {
		return err
	}

	var current Entry
	current.Unmarshal(visitor.Get())

	cur := off
	end := off + int64(len(p))

	for cur < end {
		if current.Virtual > cur {
			return fmt.Errorf("compressed: entry at %d does not cover address %d", current.Virtual, cur)
		}

		// The entry's span ends where the next entry begins.
		spanEnd := s.tree.End()
		hasNext := visitor.CanMoveNext()
		var next Entry
		if hasNext {
			if err := visitor.MoveNext(); err != nil {
				return err
			}
			next.Unmarshal(visitor.Get())
			spanEnd = next.Virtual
		}

		window := min(spanEnd, end)
		if err := s.readBlockWindow(current, spanEnd-current.Virtual, p[cur-off:window-off], cur); err != nil {
			return err
		}
		cur = window

		if !hasNext {
			break
		}
		current = next
	}

	if cur < end {
		return fmt.Errorf("compressed: table ends at %d, read needs %d", cur, end)
	}
	return nil
}

// readBlockWindow fills p with the slice of entry's block starting at
// virtual address at. blockSize is the block's uncompressed span.
// Uncompressed blocks are read directly at the window's offset;
// compressed ones are read and decompressed whole.
func (s *Storage) readBlockWindow(entry Entry, blockSize int64, p []byte, at int64) error {
	if entry.PhysicalSize < 0 {
		return fmt.Errorf("compressed: entry at %d has negative stored size", entry.Virtual)
	}
	skip := at - entry.Virtual

	if entry.Compression == CompressionNone {
		if int64(entry.PhysicalSize) != blockSize {
			return fmt.Errorf("compressed: uncompressed block at %d stores %d bytes for a %d-byte span",
				entry.Virtual, entry.PhysicalSize, blockSize)
		}
		if err := storage.ReadFull(s.backing, p, entry.Physical+skip); err != nil {
			return fmt.Errorf("compressed: reading block at %d: %w", entry.Virtual, err)
		}
		return nil
	}

	stored := make([]byte, entry.PhysicalSize)
	if err := storage.ReadFull(s.backing, stored, entry.Physical); err != nil {
		return fmt.Errorf("compressed: reading block at %d: %w", entry.Virtual, err)
	}
	block, err := DecompressBlock(stored, entry.Compression, int(blockSize))
	if err != nil {
		return fmt.Errorf("compressed: block at %d: %w", entry.Virtual, err)
	}
	copy(p, block[skip:skip+int64(len(p))])
	return nil
}

// Packer is the write side: it splits content into fixed-size blocks,
// compresses each block with the preferred algorithm (storing it raw
// when compression would not shrink it), appends the stored bytes to
// a payload, and records one tree entry per block.
type Packer struct {
	blockSize int64
	preferred CompressionTag

	payload []byte
	entries []Entry
	virtual int64
	pending []byte
}

// NewPacker returns a packer producing blocks of blockSize
// uncompressed bytes, compressed with the preferred algorithm.
func NewPacker(blockSize int64, preferred CompressionTag) *Packer {
	if blockSize <= 0 {
		panic("compressed: block size must be positive")
	}
	return &Packer{blockSize: blockSize, preferred: preferred}
}

// Write appends content. Full blocks are sealed as they fill.
func (p *Packer) Write(data []byte) (int, error) {
	total := len(data)
	for len(data) > 0 {
		take := min(int64(len(data)), p.blockSize-int64(len(p.pending)))
		p.pending = append(p.pending, data[:take]...)
		data = data[take:]
		if int64(len(p.pending)) == p.blockSize {
			if err := p.seal(); err != nil {
				return total - len(data), err
			}
		}
	}
	return total, nil
}

// seal compresses the pending block and records its entry.
func (p *Packer) seal() error {
	tag := p.preferred
	stored, err := CompressBlock(p.pending, tag)
	if err != nil {
		if !isIncompressible(err) {
			return err
		}
		tag = CompressionNone
		stored = p.pending
	}

	p.entries = append(p.entries, Entry{
		Virtual:      p.virtual,
		Physical:     int64(len(p.payload)),
		PhysicalSize: int32(len(stored)),
		Compression:  tag,
	})
	p.payload = append(p.payload, stored...)
	p.virtual += int64(len(p.pending))
	p.pending = p.pending[:0]
	return nil
}

func isIncompressible(err error) bool {
	return errors.Is(err, errIncompressible)
}

// Finish seals any partial trailing block and returns the payload,
// the entries in virtual order, and the total uncompressed size.
func (p *Packer) Finish() (payload []byte, entries []Entry, size int64, err error) {
	if len(p.pending) > 0 {
		if err := p.seal(); err != nil {
			return nil, nil, 0, err
		}
	}
	return p.payload, p.entries, p.virtual, nil
}
