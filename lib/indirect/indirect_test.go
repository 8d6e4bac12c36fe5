// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package indirect

import (
	"bytes"
	"io"
	"testing"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/buckettree"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

// buildTable writes a tree image for the given entries into fresh
// memory storages.
func buildTable(t *testing.T, nodeSize int, entries []Entry, end int64) (node, table storage.Memory) {
	t.Helper()

	count := int32(len(entries))
	node = storage.Memory(make([]byte, buckettree.QueryHeaderStorageSize()+buckettree.QueryNodeStorageSize(nodeSize, EntrySize, count)))
	table = storage.Memory(make([]byte, buckettree.QueryEntryStorageSize(nodeSize, EntrySize, count)))

	var builder buckettree.Builder
	if err := builder.Initialize(alloc.Heap{}, node, table, nodeSize, EntrySize, count); err != nil {
		t.Fatalf("Builder.Initialize: %v", err)
	}
	for i := range entries {
		if err := builder.Add(entries[i].Marshal()); err != nil {
			t.Fatalf("Builder.Add(%d): %v", i, err)
		}
	}
	if err := builder.Finalize(end); err != nil {
		t.Fatalf("Builder.Finalize: %v", err)
	}
	return node, table
}

// pattern fills a buffer with a position-dependent byte so any
// misdirected read shows up as a content mismatch.
func pattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i%97)
	}
	return data
}

func TestIndirectStitchesSources(t *testing.T) {
	// Virtual layout: [0,100) original@50, [100,250) patch@0,
	// [250,400) original@150.
	original := pattern(400, 1)
	patch := pattern(150, 200)

	entries := []Entry{
		{Virtual: 0, Physical: 50, Source: 0},
		{Virtual: 100, Physical: 0, Source: 1},
		{Virtual: 250, Physical: 150, Source: 0},
	}
	node, table := buildTable(t, 1024, entries, 400)

	var s Storage
	if err := s.Initialize(alloc.Heap{}, node, table, 1024, 3); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer s.Finalize()
	s.SetSource(0, storage.Memory(original))
	s.SetSource(1, storage.Memory(patch))

	if s.Size() != 400 {
		t.Fatalf("Size = %d, want 400", s.Size())
	}

	want := make([]byte, 0, 400)
	want = append(want, original[50:150]...)
	want = append(want, patch[0:150]...)
	want = append(want, original[150:300]...)

	got := make([]byte, 400)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("stitched content mismatch")
	}

	// Unaligned window crossing both seams.
	window := make([]byte, 250)
	if _, err := s.ReadAt(window, 75); err != nil {
		t.Fatalf("ReadAt(75): %v", err)
	}
	if !bytes.Equal(window, want[75:325]) {
		t.Fatal("windowed content mismatch")
	}
}

func TestIndirectFusedRead(t *testing.T) {
	// Five physically contiguous source-0 entries followed by a
	// patch span. countingStorage verifies the run is satisfied in
	// one read.
	original := pattern(600, 3)
	patch := pattern(100, 77)

	entries := make([]Entry, 0, 6)
	for i := 0; i < 5; i++ {
		entries = append(entries, Entry{Virtual: int64(i) * 100, Physical: 100 + int64(i)*100, Source: 0})
	}
	entries = append(entries, Entry{Virtual: 500, Physical: 0, Source: 1})
	node, table := buildTable(t, 1024, entries, 600)

	counting := &countingStorage{Storage: storage.Memory(original)}

	var s Storage
	if err := s.Initialize(alloc.Heap{}, node, table, 1024, 6); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer s.Finalize()
	s.SetSource(0, counting)
	s.SetSource(1, storage.Memory(patch))

	got := make([]byte, 600)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	want := append(append([]byte(nil), original[100:600]...), patch[:100]...)
	if !bytes.Equal(got, want) {
		t.Fatal("content mismatch")
	}
	if counting.reads != 1 {
		t.Errorf("source 0 served %d reads, want 1 fused read", counting.reads)
	}
}

// countingStorage counts ReadAt calls.
type countingStorage struct {
	storage.Storage
	reads int
}

func (c *countingStorage) ReadAt(p []byte, off int64) (int, error) {
	c.reads++
	return c.Storage.ReadAt(p, off)
}

func (c *countingStorage) Size() int64 { return c.Storage.Size() }

func TestIndirectFusionRestartsAfterGap(t *testing.T) {
	// Two contiguous runs separated by a physical gap: each run
	// should collapse to one read.
	original := pattern(1000, 9)

	entries := []Entry{
		{Virtual: 0, Physical: 0, Source: 0},
		{Virtual: 100, Physical: 100, Source: 0},
		{Virtual: 200, Physical: 600, Source: 0}, // gap
		{Virtual: 300, Physical: 700, Source: 0},
	}
	node, table := buildTable(t, 1024, entries, 400)

	counting := &countingStorage{Storage: storage.Memory(original)}

	var s Storage
	if err := s.Initialize(alloc.Heap{}, node, table, 1024, 4); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer s.Finalize()
	s.SetSource(0, counting)

	got := make([]byte, 400)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	want := append(append([]byte(nil), original[0:200]...), original[600:800]...)
	if !bytes.Equal(got, want) {
		t.Fatal("content mismatch")
	}
	if counting.reads != 2 {
		t.Errorf("source 0 served %d reads, want 2", counting.reads)
	}
}

func TestIndirectTailRead(t *testing.T) {
	original := pattern(100, 5)
	entries := []Entry{{Virtual: 0, Physical: 0, Source: 0}}
	node, table := buildTable(t, 1024, entries, 100)

	var s Storage
	if err := s.Initialize(alloc.Heap{}, node, table, 1024, 1); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer s.Finalize()
	s.SetSource(0, storage.Memory(original))

	// Read straddling the end is clamped and reports EOF.
	buf := make([]byte, 50)
	n, err := s.ReadAt(buf, 80)
	if n != 20 || err != io.EOF {
		t.Fatalf("tail ReadAt = (%d, %v), want (20, EOF)", n, err)
	}
	if !bytes.Equal(buf[:20], original[80:100]) {
		t.Error("tail content mismatch")
	}

	if _, err := s.ReadAt(buf, 100); err != io.EOF {
		t.Errorf("ReadAt at end = %v, want EOF", err)
	}
}

func TestSparseHolesReadZero(t *testing.T) {
	data := pattern(200, 11)

	// [0,100) data@0, [100,300) hole, [300,400) data@100.
	entries := []Entry{
		{Virtual: 0, Physical: 0, Source: 0},
		{Virtual: 100, Physical: 0, Source: 1},
		{Virtual: 300, Physical: 100, Source: 0},
	}
	node, table := buildTable(t, 1024, entries, 400)

	var s Sparse
	if err := s.Initialize(alloc.Heap{}, node, table, 1024, 3, storage.Memory(data)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer s.Finalize()

	got := make([]byte, 400)
	if _, err := s.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	want := make([]byte, 400)
	copy(want[0:100], data[0:100])
	copy(want[300:400], data[100:200])
	if !bytes.Equal(got, want) {
		t.Fatal("sparse content mismatch")
	}
}

func TestIndirectMissingSource(t *testing.T) {
	entries := []Entry{{Virtual: 0, Physical: 0, Source: 0}}
	node, table := buildTable(t, 1024, entries, 100)

	var s Storage
	if err := s.Initialize(alloc.Heap{}, node, table, 1024, 1); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer s.Finalize()

	if _, err := s.ReadAt(make([]byte, 10), 0); err == nil {
		t.Error("read with no source attached should fail")
	}
}
