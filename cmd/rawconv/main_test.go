package main

import (
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/device/blockdev"
	"usbview/pkg/device/fatfs"
	"usbview/pkg/device/virtual"
	"usbview/pkg/proto"
)

func TestLoad_FillsFrame(t *testing.T) {
	fs := afero.NewMemMapFs()

	src := imaging.New(640, 200, color.NRGBA{R: 0xFF, A: 0xFF})
	f, err := fs.Create("/in.png")
	require.NoError(t, err)
	require.NoError(t, imaging.Encode(f, src, imaging.PNG))
	require.NoError(t, f.Close())

	img, err := load(fs, "/in.png")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, bitmap.Width, bitmap.Height), img.Bounds())

	raw := bitmap.Encode(img)
	assert.Len(t, raw, bitmap.FrameBytes)
	assert.Equal(t, []byte{0x00, 0xF8}, raw[:2])
}

func TestLoad_Missing(t *testing.T) {
	_, err := load(afero.NewMemMapFs(), "/nope.png")
	require.Error(t, err)
}

func TestBuildDisk(t *testing.T) {
	for _, kind := range []fatfs.Kind{fatfs.FAT16, fatfs.FAT32} {
		kind := kind
		t.Run(fmt.Sprintf("FAT%d", kind), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			raw := make([]byte, bitmap.FrameBytes)
			raw[0], raw[len(raw)-1] = 0x12, 0x34

			entries := []fatfs.Entry{
				{Name: "TEST.PNG", Data: []byte("png")},
				{Name: "TEST.RGB", Data: raw},
			}
			require.NoError(t, buildDisk(fs, "/disk.img", kind, entries, zap.NewNop()))

			storage, err := blockdev.New(fs, zap.NewNop()).Open(virtual.NewDevice("disk.img", "/disk.img"))
			require.NoError(t, err)
			defer storage.Close()

			table := make([]proto.Partition, 4)
			require.Equal(t, 1, storage.FindPartitions(table))
			assert.Equal(t, uint32(diskBase), table[0].FirstLBA)

			vol, err := fatfs.New(zap.NewNop()).Open(storage, table[0].FirstLBA)
			require.NoError(t, err)
			defer vol.Close()
			assert.Equal(t, kind, vol.(interface{ Kind() fatfs.Kind }).Kind())

			file, err := vol.OpenFile("/TEST.RGB", proto.OpenRead)
			require.NoError(t, err)
			assert.Equal(t, uint32(bitmap.FrameBytes), file.Size())

			dst := make([]byte, bitmap.FrameBytes)
			n, err := file.Read(uint32(bitmap.FrameBytes/blockdev.BlockSize+1), dst)
			require.NoError(t, err)
			assert.Equal(t, bitmap.FrameBytes/blockdev.BlockSize, n, "reads stop at the last sector of the file")
			assert.Equal(t, raw, dst)
		})
	}
}
