package main

import (
	"bytes"
	"image"
	"log"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/inhies/go-bytesize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/device/blockdev"
	"usbview/pkg/device/fatfs"
	"usbview/pkg/device/virtual"
	"usbview/pkg/proto"
)

var out = flag.String("out", "TEST.RGB", "raw output file")
var disk = flag.String("disk", "", "also build a disk image holding TEST.PNG and TEST.RGB")
var fat32 = flag.Bool("fat32", false, "format the disk image as FAT32 instead of FAT16")
var debug = flag.Bool("debug", false, "set debug")

const (
	// the volume starts at 1 MiB, like partitioning tools place it
	diskBase    = 2048
	diskSectors = 16384
	typeFAT16   = 0x0E
	typeFAT32   = 0x0C
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatal("usage: rawconv [flags] image")
	}

	var logger *zap.Logger
	if *debug {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}

	fs := afero.NewOsFs()

	img, err := load(fs, flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}

	raw := bitmap.Encode(img)
	if err := afero.WriteFile(fs, *out, raw, 0o644); err != nil {
		log.Fatal(err)
	}
	logger.With(zap.String("out", *out), zap.String("size", bytesize.New(float64(len(raw))).String())).Info("converted")

	if *disk == "" {
		return
	}

	var png bytes.Buffer
	if err := imaging.Encode(&png, img, imaging.PNG); err != nil {
		log.Fatal(err)
	}

	entries := []fatfs.Entry{
		{Name: "TEST.PNG", Data: png.Bytes()},
		{Name: "TEST.RGB", Data: raw},
	}
	kind := fatfs.FAT16
	if *fat32 {
		kind = fatfs.FAT32
	}
	if err := buildDisk(fs, *disk, kind, entries, logger); err != nil {
		log.Fatal(err)
	}
}

// load reads an image and crops it to fill the framebuffer.
func load(fs afero.Fs, name string) (image.Image, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", name)
	}

	return imaging.Fill(img, bitmap.Width, bitmap.Height, imaging.Center, imaging.Lanczos), nil
}

// buildDisk writes a disk image with one FAT partition holding entries.
func buildDisk(fs afero.Fs, path string, kind fatfs.Kind, entries []fatfs.Entry, logger *zap.Logger) error {
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate((diskBase + diskSectors) * blockdev.BlockSize); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	storage, err := blockdev.New(fs, logger).Open(virtual.NewDevice(filepath.Base(path), path))
	if err != nil {
		return err
	}
	defer storage.Close()

	part := proto.Partition{FirstLBA: diskBase, Sectors: diskSectors, Type: typeFAT16}
	if kind == fatfs.FAT32 {
		part.Type = typeFAT32
	}
	if err := blockdev.WriteMBR(storage, []proto.Partition{part}); err != nil {
		return err
	}
	if err := fatfs.Format(storage, diskBase, diskSectors, kind, entries); err != nil {
		return err
	}

	logger.With(zap.String("disk", path), zap.Int("fat", int(kind)), zap.Int("files", len(entries))).Info("disk image written")
	return nil
}
