// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package image bundles a bucket tree and its payload into a single
// file with a CBOR manifest.
//
// An image file starts with a fixed 8-byte preamble (magic plus the
// manifest length), followed by the manifest, followed by the three
// regions the manifest describes: the table (format header, L1 node,
// and any L2 nodes), the entry sets, and the payload the entries
// address. Each region carries a BLAKE3 digest so a reader can detect
// corruption before walking the index.
//
// The manifest's kind selects how the payload is interpreted:
// "sparse" and "indirect" images read through lib/indirect,
// "compressed" images through lib/compressed.
package image

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/binhash"
	"github.com/bureau-foundation/layerfs/lib/codec"
	"github.com/bureau-foundation/layerfs/lib/compressed"
	"github.com/bureau-foundation/layerfs/lib/indirect"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// magic identifies an image file.
var magic = [4]byte{'L', 'F', 'S', '1'}

// preambleSize is the fixed prefix before the manifest: magic plus a
// 32-bit manifest length.
const preambleSize = 8

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// Image kinds.
const (
	KindIndirect   = "indirect"
	KindSparse     = "sparse"
	KindCompressed = "compressed"
)

// maxManifestSize bounds how much Open will read for a manifest.
const maxManifestSize = 1 << 20

// Region locates one byte range within the image file and records
// its content digest.
type Region struct {
	Offset int64  `cbor:"offset"`
	Size   int64  `cbor:"size"`
	Digest []byte `cbor:"digest"`
}

// Manifest describes an image: the tree geometry, the logical
// content size, and where the regions live.
type Manifest struct {
	Version    int    `cbor:"version"`
	Kind       string `cbor:"kind"`
	NodeSize   int    `cbor:"node_size"`
	EntrySize  int    `cbor:"entry_size"`
	EntryCount int32  `cbor:"entry_count"`
	Size       int64  `cbor:"size"`
	Table      Region `cbor:"table"`
	EntrySets  Region `cbor:"entry_sets"`
	Payload    Region `cbor:"payload"`
}

// Validate checks that a Manifest is internally consistent.
func (m *Manifest) Validate() error {
	if m.Version < 1 {
		return fmt.Errorf("image: manifest version %d is invalid (minimum 1)", m.Version)
	}
	switch m.Kind {
	case KindIndirect, KindSparse, KindCompressed:
	default:
		return fmt.Errorf("image: unknown kind %q", m.Kind)
	}
	if m.NodeSize <= 0 {
		return fmt.Errorf("image: node size %d is invalid", m.NodeSize)
	}
	if m.EntryCount < 0 {
		return fmt.Errorf("image: entry count %d is negative", m.EntryCount)
	}
	if m.Size < 0 {
		return fmt.Errorf("image: size %d is negative", m.Size)
	}
	for _, region := range []struct {
		name string
		r    Region
	}{{"table", m.Table}, {"entry_sets", m.EntrySets}, {"payload", m.Payload}} {
		if region.r.Offset < preambleSize || region.r.Size < 0 {
			return fmt.Errorf("image: %s region [%d, %d) is invalid", region.name, region.r.Offset, region.r.Offset+region.r.Size)
		}
		if len(region.r.Digest) != 32 {
			return fmt.Errorf("image: %s region digest is %d bytes, want 32", region.name, len(region.r.Digest))
		}
	}
	return nil
}

// entrySizeFor returns the tree entry width a kind uses.
func entrySizeFor(kind string) int {
	if kind == KindCompressed {
		return compressed.EntrySize
	}
	return indirect.EntrySize
}

// Write lays out and writes an image file. The manifest's regions
// and digests are filled in from the given region contents; Version,
// EntrySize, and the region fields of m are overwritten.
func Write(path string, m *Manifest, table, entrySets, payload []byte) error {
	m.Version = ManifestVersion
	m.EntrySize = entrySizeFor(m.Kind)
	stampRegions(m, table, entrySets, payload)

	manifestBytes, err := codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("image: encoding manifest: %w", err)
	}

	// Region offsets depend on the manifest length, which changes
	// once offsets are stamped. Re-encode until stable: CBOR integer
	// widths grow monotonically with the values, so this converges
	// in a couple of rounds.
	for {
		layoutRegions(m, int64(len(manifestBytes)), table, entrySets)
		reencoded, err := codec.Marshal(m)
		if err != nil {
			return fmt.Errorf("image: encoding manifest: %w", err)
		}
		if len(reencoded) == len(manifestBytes) {
			manifestBytes = reencoded
			break
		}
		manifestBytes = reencoded
	}

	if err := m.Validate(); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("image: creating %s: %w", path, err)
	}
	defer file.Close()

	var preamble [preambleSize]byte
	copy(preamble[0:4], magic[:])
	binary.LittleEndian.PutUint32(preamble[4:8], uint32(len(manifestBytes)))

	for _, piece := range [][]byte{preamble[:], manifestBytes, table, entrySets, payload} {
		if _, err := file.Write(piece); err != nil {
			return fmt.Errorf("image: writing %s: %w", path, err)
		}
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("image: syncing %s: %w", path, err)
	}
	return nil
}

// stampRegions fills in sizes and digests.
func stampRegions(m *Manifest, table, entrySets, payload []byte) {
	stamp := func(r *Region, data []byte) {
		digest := binhash.HashBytes(data)
		r.Size = int64(len(data))
		r.Digest = digest[:]
	}
	stamp(&m.Table, table)
	stamp(&m.EntrySets, entrySets)
	stamp(&m.Payload, payload)
}

// layoutRegions assigns region offsets after a manifest of
// manifestLen bytes.
func layoutRegions(m *Manifest, manifestLen int64, table, entrySets []byte) {
	offset := preambleSize + manifestLen
	m.Table.Offset = offset
	offset += int64(len(table))
	m.EntrySets.Offset = offset
	offset += int64(len(entrySets))
	m.Payload.Offset = offset
}

// Image is an opened image file: its manifest plus views over the
// regions.
type Image struct {
	manifest Manifest
	backing  storage.Storage
	closer   io.Closer
}

// Open opens the image file at path.
func Open(path string) (*Image, error) {
	file, err := storage.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	img, err := OpenStorage(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	img.closer = file
	return img, nil
}

// OpenStorage parses an image from any storage view. The caller
// keeps ownership of the storage; Close on the returned Image only
// closes what Open itself opened.
func OpenStorage(backing storage.Storage) (*Image, error) {
	var preamble [preambleSize]byte
	if err := storage.ReadFull(backing, preamble[:], 0); err != nil {
		return nil, fmt.Errorf("image: reading preamble: %w", err)
	}
	if [4]byte(preamble[0:4]) != magic {
		return nil, fmt.Errorf("image: magic %q, want %q", preamble[0:4], magic[:])
	}
	manifestLen := int64(binary.LittleEndian.Uint32(preamble[4:8]))
	if manifestLen <= 0 || manifestLen > maxManifestSize {
		return nil, fmt.Errorf("image: manifest length %d is invalid", manifestLen)
	}

	manifestBytes := make([]byte, manifestLen)
	if err := storage.ReadFull(backing, manifestBytes, preambleSize); err != nil {
		return nil, fmt.Errorf("image: reading manifest: %w", err)
	}

	img := &Image{backing: backing}
	if err := codec.Unmarshal(manifestBytes, &img.manifest); err != nil {
		return nil, fmt.Errorf("image: decoding manifest: %w", err)
	}
	if err := img.manifest.Validate(); err != nil {
		return nil, err
	}

	// The regions must lie inside the file.
	for _, r := range []Region{img.manifest.Table, img.manifest.EntrySets, img.manifest.Payload} {
		if r.Offset+r.Size > backing.Size() {
			return nil, fmt.Errorf("image: region [%d, %d) exceeds file size %d", r.Offset, r.Offset+r.Size, backing.Size())
		}
	}
	return img, nil
}

// Close releases what Open acquired.
func (img *Image) Close() error {
	if img.closer != nil {
		return img.closer.Close()
	}
	return nil
}

// Manifest returns the decoded manifest.
func (img *Image) Manifest() *Manifest { return &img.manifest }

func (img *Image) region(r Region) storage.Sub {
	sub, err := storage.NewSub(img.backing, r.Offset, r.Size)
	if err != nil {
		// Region bounds were checked at open time.
		panic(err)
	}
	return sub
}

// Table returns the node-storage region (format header plus offset
// nodes).
func (img *Image) Table() storage.Sub { return img.region(img.manifest.Table) }

// EntrySets returns the entry-set region.
func (img *Image) EntrySets() storage.Sub { return img.region(img.manifest.EntrySets) }

// Payload returns the payload region.
func (img *Image) Payload() storage.Sub { return img.region(img.manifest.Payload) }

// Verify checks every region against its manifest digest.
func (img *Image) Verify() error {
	for _, region := range []struct {
		name string
		r    Region
	}{
		{"table", img.manifest.Table},
		{"entry_sets", img.manifest.EntrySets},
		{"payload", img.manifest.Payload},
	} {
		if _, err := storage.NewVerified(img.region(region.r), binhash.Digest(region.r.Digest)); err != nil {
			return fmt.Errorf("image: %s region: %w", region.name, err)
		}
	}
	return nil
}

// Content is an opened logical view of an image. Close releases the
// underlying tree.
type Content struct {
	storage.Storage
	finalize func()
}

// Close finalizes the tree backing the content.
func (c *Content) Close() {
	if c.finalize != nil {
		c.finalize()
		c.finalize = nil
	}
}

// OpenContent opens the image's logical content for reading.
// original supplies source 0 for indirect images and is ignored for
// the other kinds (sparse images carry their data in the payload
// region, compressed images their blocks).
func (img *Image) OpenContent(allocator alloc.Allocator, original storage.Storage) (*Content, error) {
	m := &img.manifest

	if m.EntryCount == 0 {
		return &Content{Storage: storage.Memory(nil)}, nil
	}

	switch m.Kind {
	case KindSparse:
		s := new(indirect.Sparse)
		if err := s.Initialize(allocator, img.Table(), img.EntrySets(), m.NodeSize, m.EntryCount, img.Payload()); err != nil {
			return nil, err
		}
		return &Content{Storage: s, finalize: s.Finalize}, nil

	case KindIndirect:
		if original == nil {
			return nil, fmt.Errorf("image: indirect image needs an original storage")
		}
		s := new(indirect.Storage)
		if err := s.Initialize(allocator, img.Table(), img.EntrySets(), m.NodeSize, m.EntryCount); err != nil {
			return nil, err
		}
		s.SetSource(0, original)
		s.SetSource(1, img.Payload())
		return &Content{Storage: s, finalize: s.Finalize}, nil

	case KindCompressed:
		s := new(compressed.Storage)
		if err := s.Initialize(allocator, img.Table(), img.EntrySets(), img.Payload(), m.NodeSize, m.EntryCount); err != nil {
			return nil, err
		}
		return &Content{Storage: s, finalize: s.Finalize}, nil
	}

	return nil, fmt.Errorf("image: unknown kind %q", m.Kind)
}
