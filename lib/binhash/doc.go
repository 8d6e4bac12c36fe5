// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash provides BLAKE3 content hashing for storage regions.
//
// Image manifests record a digest per region (index nodes, entry sets,
// payload) so a reader can detect corruption or tampering before
// trusting the index structure it is about to walk. BLAKE3 keeps
// verification cheap even for payload regions hundreds of megabytes
// long.
//
// The API surface is four functions:
//
//   - [HashBytes] -- digests an in-memory region
//   - [HashReader] -- streams a region through the hash with constant
//     memory usage regardless of size
//   - [FormatDigest] -- converts a [Digest] to its canonical
//     hex-encoded string representation, used in manifests and CLI
//     output
//   - [ParseDigest] -- parses a hex-encoded digest string back to a
//     [Digest], validating length and encoding
//
// This package depends on no other layerfs packages.
package binhash
