// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/compressed"
	"github.com/bureau-foundation/layerfs/lib/indirect"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// sampleContent mixes text, noise, and zero runs.
func sampleContent(t *testing.T, size int) []byte {
	t.Helper()
	content := make([]byte, size)
	for i := 0; i < size; i += 512 {
		chunk := content[i:min(i+512, size)]
		switch (i / 512) % 3 {
		case 0:
			copy(chunk, bytes.Repeat([]byte("layerfs "), (len(chunk)+7)/8))
		case 1:
			if _, err := rand.Read(chunk); err != nil {
				t.Fatalf("rand.Read: %v", err)
			}
		case 2:
			// leave zero
		}
	}
	return content
}

func TestCompressedImageRoundtrip(t *testing.T) {
	content := sampleContent(t, 20_000)
	path := filepath.Join(t.TempDir(), "content.lfs")

	if err := PackCompressed(path, content, 1024, 1024, compressed.CompressionZstd); err != nil {
		t.Fatalf("PackCompressed: %v", err)
	}

	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	m := img.Manifest()
	if m.Kind != KindCompressed {
		t.Errorf("Kind = %q, want %q", m.Kind, KindCompressed)
	}
	if m.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", m.Size, len(content))
	}
	if m.EntrySize != compressed.EntrySize {
		t.Errorf("EntrySize = %d, want %d", m.EntrySize, compressed.EntrySize)
	}

	if err := img.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	opened, err := img.OpenContent(alloc.Heap{}, nil)
	if err != nil {
		t.Fatalf("OpenContent: %v", err)
	}
	defer opened.Close()

	got := make([]byte, len(content))
	if _, err := opened.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content roundtrip mismatch")
	}
}

func TestSparseImageRoundtrip(t *testing.T) {
	content := sampleContent(t, 16_384)
	path := filepath.Join(t.TempDir(), "sparse.lfs")

	if err := PackSparse(path, content, 1024, 512); err != nil {
		t.Fatalf("PackSparse: %v", err)
	}

	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	// A third of the blocks are zero: the payload must be smaller
	// than the content.
	if img.Manifest().Payload.Size >= int64(len(content)) {
		t.Errorf("payload is %d bytes for %d bytes of holey content", img.Manifest().Payload.Size, len(content))
	}

	opened, err := img.OpenContent(alloc.Heap{}, nil)
	if err != nil {
		t.Fatalf("OpenContent: %v", err)
	}
	defer opened.Close()

	got := make([]byte, len(content))
	if _, err := opened.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content roundtrip mismatch")
	}
}

func TestIndirectImage(t *testing.T) {
	// Patch the middle 1 KiB of an original.
	original := sampleContent(t, 8_192)
	patch := bytes.Repeat([]byte{0xAA}, 1024)

	patched := append([]byte(nil), original...)
	copy(patched[4096:5120], patch)

	entries := [][]byte{
		(&indirect.Entry{Virtual: 0, Physical: 0, Source: 0}).Marshal(),
		(&indirect.Entry{Virtual: 4096, Physical: 0, Source: 1}).Marshal(),
		(&indirect.Entry{Virtual: 5120, Physical: 5120, Source: 0}).Marshal(),
	}
	table, entrySets, err := buildTable(alloc.Heap{}, 1024, indirect.EntrySize, entries, int64(len(original)))
	if err != nil {
		t.Fatalf("buildTable: %v", err)
	}

	path := filepath.Join(t.TempDir(), "patch.lfs")
	manifest := &Manifest{Kind: KindIndirect, NodeSize: 1024, EntryCount: 3, Size: int64(len(original))}
	if err := Write(path, manifest, table, entrySets, patch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	// Indirect images demand an original.
	if _, err := img.OpenContent(alloc.Heap{}, nil); err == nil {
		t.Fatal("OpenContent without an original should fail")
	}

	opened, err := img.OpenContent(alloc.Heap{}, storage.Memory(original))
	if err != nil {
		t.Fatalf("OpenContent: %v", err)
	}
	defer opened.Close()

	got := make([]byte, len(patched))
	if _, err := opened.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, patched) {
		t.Fatal("patched content mismatch")
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	content := sampleContent(t, 4_096)
	path := filepath.Join(t.TempDir(), "corrupt.lfs")

	if err := PackCompressed(path, content, 1024, 1024, compressed.CompressionLZ4); err != nil {
		t.Fatalf("PackCompressed: %v", err)
	}

	img, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payloadOffset := img.Manifest().Payload.Offset
	img.Close()

	// Flip one payload byte.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[payloadOffset] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img, err = Open(path)
	if err != nil {
		t.Fatalf("Open after corruption: %v", err)
	}
	defer img.Close()

	if err := img.Verify(); err == nil {
		t.Fatal("Verify should detect the flipped byte")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(path, []byte("not an image at all"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("Open should reject a non-image file")
	}
}

func TestOpenStorageFromMemory(t *testing.T) {
	content := sampleContent(t, 2_048)
	path := filepath.Join(t.TempDir(), "mem.lfs")
	if err := PackCompressed(path, content, 1024, 512, compressed.CompressionNone); err != nil {
		t.Fatalf("PackCompressed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	img, err := OpenStorage(storage.Memory(raw))
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	if err := img.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}
