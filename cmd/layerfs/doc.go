// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command layerfs inspects, builds, verifies, and mounts layerfs
// image files.
//
//	layerfs info content.lfs
//	layerfs verify --mmap content.lfs
//	layerfs walk content.lfs
//	layerfs pack --kind compressed --compression zstd input.bin content.lfs
//	layerfs mount --config mounts.yaml
//
// The mount subcommand reads a YAML configuration naming the images
// to expose and serves their logical contents as read-only files
// until interrupted.
package main
