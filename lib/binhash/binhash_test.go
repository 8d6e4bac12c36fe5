// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"bytes"
	"strings"
	"testing"
)

func TestHashBytesMatchesHashReader(t *testing.T) {
	content := []byte("hello, layerfs")

	fromBytes := HashBytes(content)
	fromReader, err := HashReader(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}

	if fromBytes != fromReader {
		t.Errorf("HashBytes = %x, HashReader = %x", fromBytes, fromReader)
	}
}

func TestHashBytesEmpty(t *testing.T) {
	got := HashBytes(nil)
	fromReader, err := HashReader(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if got != fromReader {
		t.Errorf("empty digests disagree: %x != %x", got, fromReader)
	}
}

func TestHashReaderLarge(t *testing.T) {
	// Ensure streaming works for regions larger than typical buffers.
	content := make([]byte, 256*1024) // 256KB
	for i := range content {
		content[i] = byte(i % 251) // Prime modulus to avoid simple patterns.
	}

	fromReader, err := HashReader(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}

	if fromReader != HashBytes(content) {
		t.Error("streamed digest disagrees with in-memory digest")
	}
}

func TestHashBytesDifferentContent(t *testing.T) {
	hashA := HashBytes([]byte("content A"))
	hashB := HashBytes([]byte("content B"))
	if hashA == hashB {
		t.Error("different content produced identical digests")
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	digest := HashBytes([]byte("roundtrip"))

	formatted := FormatDigest(digest)
	if len(formatted) != 64 {
		t.Fatalf("formatted digest is %d chars, want 64", len(formatted))
	}
	if formatted != strings.ToLower(formatted) {
		t.Error("formatted digest should be lowercase hex")
	}

	parsed, err := ParseDigest(formatted)
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != digest {
		t.Errorf("roundtrip mismatch: %x != %x", parsed, digest)
	}
}

func TestParseDigestInvalid(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"short", "abcd"},
		{"odd length", "abc"},
		{"not hex", strings.Repeat("zz", 32)},
		{"too long", strings.Repeat("ab", 33)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseDigest(tc.input); err == nil {
				t.Errorf("ParseDigest(%q) should fail", tc.input)
			}
		})
	}
}
