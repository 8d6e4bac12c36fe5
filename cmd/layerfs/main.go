// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/layerfs/lib/alloc"
	"github.com/bureau-foundation/layerfs/lib/binhash"
	"github.com/bureau-foundation/layerfs/lib/buckettree"
	"github.com/bureau-foundation/layerfs/lib/compressed"
	"github.com/bureau-foundation/layerfs/lib/image"
	imagefuse "github.com/bureau-foundation/layerfs/lib/image/fuse"
	"github.com/bureau-foundation/layerfs/lib/indirect"
	"github.com/bureau-foundation/layerfs/lib/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "info":
		return runInfo(os.Args[2:])
	case "verify":
		return runVerify(os.Args[2:])
	case "walk":
		return runWalk(os.Args[2:])
	case "pack":
		return runPack(os.Args[2:])
	case "mount":
		return runMount(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: layerfs <subcommand> [flags]

Subcommands:
  info    <image>          print the manifest and tree geometry
  verify  <image>          check every region against its digest
  walk    <image>          list the entries in virtual-offset order
  pack    <input> <image>  build an image from a content file
  mount   --config <yaml>  mount image contents as read-only files

Run 'layerfs <subcommand> --help' for flags.
`)
}

func openImage(path string, mmap bool) (*image.Image, error) {
	if mmap {
		device, err := storage.OpenDevice(path)
		if err != nil {
			return nil, err
		}
		img, err := image.OpenStorage(device)
		if err != nil {
			device.Close()
			return nil, err
		}
		return img, nil
	}
	return image.Open(path)
}

func runInfo(args []string) error {
	flags := pflag.NewFlagSet("info", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: layerfs info <image>")
	}

	img, err := image.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	m := img.Manifest()
	fmt.Printf("kind:        %s\n", m.Kind)
	fmt.Printf("size:        %d\n", m.Size)
	fmt.Printf("node size:   %d\n", m.NodeSize)
	fmt.Printf("entry size:  %d\n", m.EntrySize)
	fmt.Printf("entries:     %d\n", m.EntryCount)
	if m.EntryCount > 0 {
		fmt.Printf("entry sets:  %d\n", m.EntrySets.Size/int64(m.NodeSize))
		fmt.Printf("node bytes:  %d\n", buckettree.QueryHeaderStorageSize()+buckettree.QueryNodeStorageSize(m.NodeSize, m.EntrySize, m.EntryCount))
	}
	for _, region := range []struct {
		name string
		r    image.Region
	}{{"table", m.Table}, {"entry sets", m.EntrySets}, {"payload", m.Payload}} {
		fmt.Printf("%-11s [%d, %d) %s\n", region.name+":", region.r.Offset,
			region.r.Offset+region.r.Size, binhash.FormatDigest(binhash.Digest(region.r.Digest)))
	}
	return nil
}

func runVerify(args []string) error {
	flags := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	mmap := flags.Bool("mmap", false, "memory-map the image instead of using pread")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: layerfs verify [--mmap] <image>")
	}

	img, err := openImage(flags.Arg(0), *mmap)
	if err != nil {
		return err
	}
	defer img.Close()

	if err := img.Verify(); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runWalk(args []string) error {
	flags := pflag.NewFlagSet("walk", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: layerfs walk <image>")
	}

	img, err := image.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	m := img.Manifest()
	if m.EntryCount == 0 {
		return nil
	}

	var tree buckettree.Tree
	if err := tree.Initialize(alloc.Heap{}, img.Table(), img.EntrySets(), m.NodeSize, m.EntrySize, m.EntryCount); err != nil {
		return err
	}
	defer tree.Finalize()

	var visitor buckettree.Visitor
	defer visitor.Close()
	if err := tree.Find(&visitor, tree.Start()); err != nil {
		return err
	}

	for {
		fmt.Println(describeEntry(m.Kind, visitor.Get()))
		if !visitor.CanMoveNext() {
			break
		}
		if err := visitor.MoveNext(); err != nil {
			return err
		}
	}
	return nil
}

func describeEntry(kind string, raw []byte) string {
	if kind == image.KindCompressed {
		var e compressed.Entry
		e.Unmarshal(raw)
		return fmt.Sprintf("%12d  ->  %d+%d (%s)", e.Virtual, e.Physical, e.PhysicalSize, e.Compression)
	}
	var e indirect.Entry
	e.Unmarshal(raw)
	return fmt.Sprintf("%12d  ->  source %d @ %d", e.Virtual, e.Source, e.Physical)
}

func runPack(args []string) error {
	flags := pflag.NewFlagSet("pack", pflag.ContinueOnError)
	kind := flags.String("kind", image.KindCompressed, "image kind: compressed or sparse")
	nodeSize := flags.Int("node-size", 16384, "tree node size in bytes (power of two)")
	blockSize := flags.Int64("block-size", 65536, "content block size in bytes")
	compression := flags.String("compression", "zstd", "block compression: none, lz4, or zstd")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 2 {
		return fmt.Errorf("usage: layerfs pack [flags] <input> <image>")
	}

	content, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return fmt.Errorf("reading %s: %w", flags.Arg(0), err)
	}

	switch *kind {
	case image.KindCompressed:
		tag, err := compressed.ParseCompressionTag(*compression)
		if err != nil {
			return err
		}
		return image.PackCompressed(flags.Arg(1), content, *nodeSize, *blockSize, tag)
	case image.KindSparse:
		return image.PackSparse(flags.Arg(1), content, *nodeSize, *blockSize)
	default:
		return fmt.Errorf("cannot pack kind %q", *kind)
	}
}

// mountConfig is the YAML configuration for the mount subcommand.
type mountConfig struct {
	// Mountpoint is the directory to mount at.
	Mountpoint string `yaml:"mountpoint"`

	// AllowOther permits other users to access the mount.
	AllowOther bool `yaml:"allow_other"`

	// Images lists the files to expose.
	Images []mountImage `yaml:"images"`
}

type mountImage struct {
	// Name is the filename within the mount.
	Name string `yaml:"name"`

	// Path is the image file.
	Path string `yaml:"path"`

	// Original is the base storage for indirect images.
	Original string `yaml:"original,omitempty"`

	// Verify checks region digests before serving.
	Verify bool `yaml:"verify"`

	// Mmap memory-maps the image instead of using pread.
	Mmap bool `yaml:"mmap"`
}

func runMount(args []string) error {
	flags := pflag.NewFlagSet("mount", pflag.ContinueOnError)
	configPath := flags.String("config", "", "mount configuration file (YAML)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("usage: layerfs mount --config <yaml>")
	}

	configBytes, err := os.ReadFile(*configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var config mountConfig
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if config.Mountpoint == "" {
		return fmt.Errorf("config: mountpoint is required")
	}
	if len(config.Images) == 0 {
		return fmt.Errorf("config: at least one image is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var files []imagefuse.File
	for _, entry := range config.Images {
		img, err := openImage(entry.Path, entry.Mmap)
		if err != nil {
			return fmt.Errorf("image %s: %w", entry.Name, err)
		}
		defer img.Close()

		if entry.Verify {
			if err := img.Verify(); err != nil {
				return fmt.Errorf("image %s: %w", entry.Name, err)
			}
		}

		var original storage.Storage
		if entry.Original != "" {
			file, err := storage.OpenFile(entry.Original)
			if err != nil {
				return fmt.Errorf("image %s: %w", entry.Name, err)
			}
			defer file.Close()
			original = file
		}

		content, err := img.OpenContent(alloc.Heap{}, original)
		if err != nil {
			return fmt.Errorf("image %s: %w", entry.Name, err)
		}
		defer content.Close()

		files = append(files, imagefuse.File{Name: entry.Name, Content: content})
	}

	server, err := imagefuse.Mount(imagefuse.Options{
		Mountpoint: config.Mountpoint,
		AllowOther: config.AllowOther,
		Logger:     logger,
	}, files)
	if err != nil {
		return err
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)
	<-interrupted

	logger.Info("unmounting", "mountpoint", config.Mountpoint)
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmounting: %w", err)
	}
	server.Wait()
	return nil
}
