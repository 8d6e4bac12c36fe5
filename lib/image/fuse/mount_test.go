// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/compressed"
	"github.com/bureau-foundation/layerfs/lib/image"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// fuseAvailable checks whether /dev/fuse is accessible. Tests that
// need a real FUSE mount call this and skip if the device is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func TestMountValidation(t *testing.T) {
	if _, err := Mount(Options{}, nil); err == nil {
		t.Error("Mount without a mountpoint should fail")
	}
	if _, err := Mount(Options{Mountpoint: t.TempDir()}, nil); err == nil {
		t.Error("Mount without files should fail")
	}

	files := []File{
		{Name: "a", Content: storage.Memory(nil)},
		{Name: "a", Content: storage.Memory(nil)},
	}
	if _, err := Mount(Options{Mountpoint: t.TempDir()}, files); err == nil {
		t.Error("Mount with duplicate names should fail")
	}
}

func TestMountServesImageContent(t *testing.T) {
	fuseAvailable(t)

	content := bytes.Repeat([]byte("mounted image content "), 2048)
	root := t.TempDir()
	imagePath := filepath.Join(root, "content.lfs")
	if err := image.PackCompressed(imagePath, content, 1024, 4096, compressed.CompressionLZ4); err != nil {
		t.Fatalf("PackCompressed: %v", err)
	}

	img, err := image.Open(imagePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	opened, err := img.OpenContent(alloc.Heap{}, nil)
	if err != nil {
		t.Fatalf("OpenContent: %v", err)
	}
	defer opened.Close()

	mountpoint := filepath.Join(root, "mount")
	server, err := Mount(Options{Mountpoint: mountpoint}, []File{{Name: "content", Content: opened}})
	if err != nil {
		t.Skipf("skipping: FUSE mount failed: %v", err)
	}
	defer server.Unmount()

	mounted := filepath.Join(mountpoint, "content")

	info, err := os.Stat(mounted)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("mounted size = %d, want %d", info.Size(), len(content))
	}

	got, err := os.ReadFile(mounted)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("mounted content mismatch")
	}

	// A partial read at an arbitrary offset.
	file, err := os.Open(mounted)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer file.Close()

	window := make([]byte, 1000)
	if _, err := file.ReadAt(window, 12345); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(window, content[12345:13345]) {
		t.Error("windowed mounted read mismatch")
	}

	// The mount is read-only.
	if err := os.WriteFile(mounted, []byte("nope"), 0o644); err == nil {
		t.Error("writing through the mount should fail")
	}
}
