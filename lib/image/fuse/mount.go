// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse exposes the logical contents of opened images as
// read-only files in a FUSE filesystem.
//
// The mount presents a flat directory: one regular file per image,
// named by the caller. Reads resolve through the image's bucket tree
// on demand, so mounting a multi-gigabyte image costs nothing until
// something reads it. Content is immutable, which lets the kernel
// page cache hold everything it has seen.
package fuse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/layerfs/lib/storage"
)

// File is one entry in the mounted directory.
type File struct {
	// Name is the filename within the mount.
	Name string

	// Content is the opened logical content served for reads.
	Content storage.Storage
}

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	// Created if it does not exist.
	Mountpoint string

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a text logger
	// writing error-level messages to stderr is used.
	Logger *slog.Logger
}

// Mount mounts the given files at the configured mountpoint. The
// caller must call Unmount on the returned server when done and
// keeps ownership of the file contents.
func Mount(options Options, files []File) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	seen := make(map[string]bool, len(files))
	for _, file := range files {
		if file.Name == "" || file.Content == nil {
			return nil, fmt.Errorf("file needs a name and content")
		}
		if seen[file.Name] {
			return nil, fmt.Errorf("duplicate file name %q", file.Name)
		}
		seen[file.Name] = true
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{options: &options, files: files}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "layerfs",
			Name:       "layerfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("image filesystem mounted",
		"mountpoint", options.Mountpoint,
		"files", len(files),
	)
	return server, nil
}

// rootNode is the filesystem root: a flat directory of content
// files.
type rootNode struct {
	gofuse.Inode
	options *Options
	files   []File
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeOnAdder = (*rootNode)(nil)

func (r *rootNode) OnAdd(ctx context.Context) {
	for _, file := range r.files {
		node := &contentFileNode{options: r.options, file: file}
		child := r.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
		r.AddChild(file.Name, child, true)
	}
}

// contentFileNode serves one image's logical content as a regular
// read-only file.
type contentFileNode struct {
	gofuse.Inode
	options *Options
	file    File
}

var _ gofuse.InodeEmbedder = (*contentFileNode)(nil)
var _ gofuse.NodeGetattrer = (*contentFileNode)(nil)
var _ gofuse.NodeOpener = (*contentFileNode)(nil)
var _ gofuse.NodeReader = (*contentFileNode)(nil)

func (c *contentFileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = uint64(c.file.Content.Size())
	out.Blocks = (out.Size + 511) / 512
	return 0
}

func (c *contentFileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	// Content is immutable: the kernel page cache is always valid.
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (c *contentFileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	bytesRead, err := c.file.Content.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		c.options.Logger.Error("read failed",
			"file", c.file.Name,
			"offset", off,
			"error", err,
		)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:bytesRead]), 0
}
