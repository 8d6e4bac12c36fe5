// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"io"

	"github.com/bureau-foundation/layerfs/lib/binhash"
)

// Verified is a Storage whose full contents were checked against a
// BLAKE3 digest when the view was created. Reads pass through to the
// parent; the check happens once, up front, so a reader that walks an
// index structure never acts on bytes that were corrupt at open time.
//
// Verified does not protect against the parent mutating after the
// check. Callers that re-open underlying storage should construct a
// fresh Verified view.
type Verified struct {
	parent Storage
}

// NewVerified hashes parent's full contents and compares the result
// against want. Returns a pass-through view on match, or an error
// naming both digests on mismatch.
func NewVerified(parent Storage, want binhash.Digest) (Verified, error) {
	got, err := binhash.HashReader(io.NewSectionReader(parent, 0, parent.Size()))
	if err != nil {
		return Verified{}, fmt.Errorf("verifying storage: %w", err)
	}
	if got != want {
		return Verified{}, fmt.Errorf("storage digest mismatch: content is %s, manifest says %s",
			binhash.FormatDigest(got), binhash.FormatDigest(want))
	}
	return Verified{parent: parent}, nil
}

// ReadAt reads from the verified parent.
func (v Verified) ReadAt(p []byte, off int64) (int, error) {
	return v.parent.ReadAt(p, off)
}

// Size returns the parent's size.
func (v Verified) Size() int64 { return v.parent.Size() }
