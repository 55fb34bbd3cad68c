package blockdev

import (
	"encoding/binary"
	"testing"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbview/pkg/device/diskio"
	"usbview/pkg/device/fatfs"
	"usbview/pkg/device/virtual"
	"usbview/pkg/proto"
)

const (
	diskBlocks  = 4096
	entryOffset = 446
	entrySize   = 16
)

type image []byte

func newImage() image {
	return make(image, diskBlocks*BlockSize)
}

func (img image) block(lba uint32) []byte {
	return img[lba*BlockSize : (lba+1)*BlockSize]
}

func (img image) entry(lba uint32, i int, typ byte, first, sectors uint32) {
	e := img.block(lba)[entryOffset+i*entrySize:][:entrySize]
	e[4] = typ
	binary.LittleEndian.PutUint32(e[8:], first)
	binary.LittleEndian.PutUint32(e[12:], sectors)
	img.sign(lba)
}

func (img image) sign(lba uint32) {
	b := img.block(lba)
	b[510], b[511] = 0x55, 0xAA
}

func openImage(t *testing.T, img image) *Disk {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/disk.img", img, 0o644))

	st, err := New(fs, zap.NewNop()).Open(virtual.NewDevice("stick", "/disk.img"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st.(*Disk)
}

func find(d *Disk, capacity int) []proto.Partition {
	table := make([]proto.Partition, capacity)
	return table[:d.FindPartitions(table)]
}

func firstLBAs(parts []proto.Partition) []uint32 {
	out := make([]uint32, len(parts))
	for i, p := range parts {
		out[i] = p.FirstLBA
	}
	return out
}

func TestFindPartitions_MBR(t *testing.T) {
	t.Parallel()

	img := newImage()
	img.entry(0, 0, 0x06, 63, 1000)
	img.entry(0, 2, 0x0C, 2048, 2000)

	parts := find(openImage(t, img), 32)

	require.Len(t, parts, 2)
	assert.Equal(t, proto.Partition{FirstLBA: 63, Sectors: 1000, Type: 0x06}, parts[0])
	assert.Equal(t, proto.Partition{FirstLBA: 2048, Sectors: 2000, Type: 0x0C}, parts[1])
}

func TestFindPartitions_Logical(t *testing.T) {
	t.Parallel()

	img := newImage()
	img.entry(0, 0, 0x06, 63, 100)
	img.entry(0, 1, TypeExtendedLBA, 1000, 3000)
	img.entry(0, 2, 0x0B, 3500, 100)
	// first ebr: logical at +63, link to the second ebr at base+500
	img.entry(1000, 0, 0x06, 63, 200)
	img.entry(1000, 1, TypeExtendedCHS, 500, 400)
	// second ebr ends the chain
	img.entry(1500, 0, 0x0B, 63, 300)

	parts := find(openImage(t, img), 32)

	assert.Equal(t, []uint32{63, 1063, 1563, 3500}, firstLBAs(parts))
}

func TestFindPartitions_LogicalLoop(t *testing.T) {
	t.Parallel()

	img := newImage()
	img.entry(0, 0, TypeExtendedLBA, 1000, 3000)
	img.entry(1000, 0, 0x06, 63, 200)
	img.entry(1000, 1, TypeExtendedCHS, 0, 400)

	parts := find(openImage(t, img), 32)

	assert.Equal(t, []uint32{1063}, firstLBAs(parts))
}

func writeGPT(t *testing.T, d *Disk, parts ...*gpt.Partition) {
	t.Helper()

	for _, p := range parts {
		if p.Type == "" {
			p.Type = gpt.Unused
		}
	}
	table := &gpt.Table{
		LogicalSectorSize:  BlockSize,
		PhysicalSectorSize: BlockSize,
		ProtectiveMBR:      true,
		Partitions:         parts,
	}
	size := int64(d.Blocks()) * BlockSize
	require.NoError(t, table.Write(diskio.New(d, size), size))
}

func TestFindPartitions_GPT(t *testing.T) {
	t.Parallel()

	d := openImage(t, newImage())
	writeGPT(t, d,
		&gpt.Partition{Start: 34, End: 1033, Type: gpt.MicrosoftBasicData},
		&gpt.Partition{},
		&gpt.Partition{Start: 2048, End: 3071, Type: gpt.LinuxFilesystem},
		&gpt.Partition{},
		&gpt.Partition{},
		&gpt.Partition{Start: 3072, End: 3199, Type: gpt.MicrosoftBasicData},
	)

	parts := find(d, 32)

	assert.Equal(t, []uint32{34, 2048, 3072}, firstLBAs(parts))
	assert.Equal(t, uint32(1000), parts[0].Sectors)
	assert.Equal(t, TypeGPT, parts[0].Type)
}

func TestFindPartitions_GPTChecksum(t *testing.T) {
	t.Parallel()

	img := newImage()
	img.entry(0, 0, TypeProtective, 1, diskBlocks-1)
	copy(img.block(1), "EFI PART")

	assert.Empty(t, find(openImage(t, img), 32), "a header without valid checksums is ignored")
}

func TestFindPartitions_Superfloppy(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/floppy.img", make([]byte, 2880*BlockSize), 0o644))

	st, err := New(fs, zap.NewNop()).Open(virtual.NewDevice("floppy", "/floppy.img"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, fatfs.Format(st, 0, 2880, fatfs.FAT12, []fatfs.Entry{{Name: "TEST.PNG", Data: []byte("png")}}))

	parts := find(st.(*Disk), 32)

	require.Len(t, parts, 1)
	assert.Equal(t, uint32(0), parts[0].FirstLBA)
	assert.Equal(t, uint32(2880), parts[0].Sectors)
}

func TestFindPartitions_Empty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, find(openImage(t, newImage()), 32), "no signature")

	img := newImage()
	img.sign(0)
	assert.Empty(t, find(openImage(t, img), 32), "signature but no entries")
}

func TestFindPartitions_Capacity(t *testing.T) {
	t.Parallel()

	img := newImage()
	img.entry(0, 0, 0x06, 63, 100)
	img.entry(0, 1, 0x06, 200, 100)
	img.entry(0, 2, 0x06, 400, 100)

	d := openImage(t, img)

	assert.Equal(t, []uint32{63}, firstLBAs(find(d, 1)))
	assert.Equal(t, []uint32{63, 200}, firstLBAs(find(d, 2)))
	assert.Empty(t, find(d, 0))
}

func TestDisk_ReadWriteBlocks(t *testing.T) {
	t.Parallel()

	d := openImage(t, newImage())
	assert.Equal(t, uint64(diskBlocks), d.Blocks())

	src := make([]byte, 2*BlockSize)
	for i := range src {
		src[i] = byte(i)
	}
	require.NoError(t, d.WriteBlocks(src, 10))

	dst := make([]byte, 2*BlockSize)
	require.NoError(t, d.ReadBlocks(dst, 10))
	assert.Equal(t, src, dst)

	require.ErrorIs(t, d.ReadBlocks(make([]byte, 100), 0), ErrAlignment)
	require.ErrorIs(t, d.ReadBlocks(dst, diskBlocks-1), ErrOutOfRange)
	require.ErrorIs(t, d.WriteBlocks(src, diskBlocks), ErrOutOfRange)
}

func TestWriteMBR(t *testing.T) {
	t.Parallel()

	d := openImage(t, newImage())
	require.NoError(t, WriteMBR(d, []proto.Partition{{FirstLBA: 2048, Sectors: 1024, Type: 0x0E}}))

	parts := find(d, 32)
	assert.Equal(t, []proto.Partition{{FirstLBA: 2048, Sectors: 1024, Type: 0x0E}}, parts)

	require.Error(t, WriteMBR(d, make([]proto.Partition, 5)))
}

func TestWriteMBR_KeepsBootCode(t *testing.T) {
	t.Parallel()

	img := newImage()
	img[0], img[445] = 0xFA, 0x90
	d := openImage(t, img)

	require.NoError(t, WriteMBR(d, []proto.Partition{{FirstLBA: 63, Sectors: 100, Type: 0x06}}))

	sector := make([]byte, BlockSize)
	require.NoError(t, d.ReadBlocks(sector, 0))
	assert.Equal(t, byte(0xFA), sector[0])
	assert.Equal(t, byte(0x90), sector[445])
	assert.Equal(t, []byte{0x55, 0xAA}, sector[510:])
	assert.Equal(t, uint32(63), binary.LittleEndian.Uint32(sector[entryOffset+8:]))
}

func TestFindPartitions_BadBootFlag(t *testing.T) {
	t.Parallel()

	img := newImage()
	img.entry(0, 0, 0x06, 63, 100)
	img.block(0)[entryOffset] = 0x12

	assert.Empty(t, find(openImage(t, img), 32))
}

type nameOnly string

func (n nameOnly) Name() string {
	return string(n)
}

func TestMassStorage_OpenErrors(t *testing.T) {
	t.Parallel()

	ms := New(afero.NewMemMapFs(), zap.NewNop())

	_, err := ms.Open(nameOnly("hub"))
	require.ErrorIs(t, err, ErrNoPath)

	_, err = ms.Open(virtual.NewDevice("stick", ""))
	require.ErrorIs(t, err, ErrNoPath)

	_, err = ms.Open(virtual.NewDevice("stick", "/missing.img"))
	require.Error(t, err)
}

func TestMassStorage_ReadOnly(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/disk.img", newImage(), 0o644))

	st, err := New(afero.NewReadOnlyFs(fs), zap.NewNop()).Open(virtual.NewDevice("stick", "/disk.img"))
	require.NoError(t, err)
	defer st.Close()

	require.ErrorIs(t, st.WriteBlocks(make([]byte, BlockSize), 0), ErrReadOnly)
	require.NoError(t, st.ReadBlocks(make([]byte, BlockSize), 0))
}
