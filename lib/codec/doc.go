// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// image manifests.
//
// The node, entry, and payload regions of an image are bit-exact
// binary formats with their own packed layout; the manifest that
// describes where those regions live is the one schema-shaped record
// in an image, and it is encoded as CBOR. This package provides the
// shared encoding and decoding modes so every manifest encodes
// identically without duplicating configuration.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical data always produces identical bytes, which
// keeps manifest digests stable. The decoder ignores unknown fields
// so older readers tolerate newer manifests.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Manifest types use `cbor` struct tags; they are never serialized as
// JSON.
package codec
