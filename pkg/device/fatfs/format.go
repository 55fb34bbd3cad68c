package fatfs

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/diskfs/go-diskfs/filesystem/fat32"
	"github.com/pkg/errors"

	"usbview/pkg/device/diskio"
	"usbview/pkg/proto"
)

var ErrGeometry = errors.New("size does not fit the fat type")

// Entry is a file placed in the root directory by Format.
type Entry struct {
	Name string
	Data []byte
}

const (
	rootEntries = 512
	reserved    = 1
	numFATs     = 2

	// go-diskfs lays out FAT32 with 32 reserved sectors and one 128-entry
	// FAT sector per 128 clusters
	reserved32      = 32
	minFAT32Sectors = reserved32 + 4*128
	volumeLabel     = "USBVIEW"
)

// Format writes a fresh volume of the given kind spanning sectors blocks at
// base, with entries in its root directory. FAT12 and FAT16 volumes have
// one-sector clusters with files laid out contiguously in entry order;
// FAT32 volumes are created by go-diskfs.
func Format(dev proto.BlockDevice, base, sectors uint32, kind Kind, entries []Entry) error {
	if dev.BlockSize() != SectorSize {
		return errors.Wrapf(ErrSectorSize, "%d", dev.BlockSize())
	}

	var fatBytes uint32
	rootSectors := uint32(rootEntries * dirEntrySize / SectorSize)
	switch kind {
	case FAT12, FAT16:
		if sectors <= reserved+rootSectors {
			return errors.Wrapf(ErrGeometry, "%d sectors", sectors)
		}
	case FAT32:
		return formatFAT32(dev, base, sectors, entries)
	default:
		return errors.Wrapf(ErrGeometry, "fat%d", kind)
	}

	approx := sectors - reserved - rootSectors
	if kind == FAT12 {
		fatBytes = ((approx+2)*3 + 1) / 2
	} else {
		fatBytes = (approx + 2) * 2
	}
	fatSize := (fatBytes + SectorSize - 1) / SectorSize

	meta := reserved + numFATs*fatSize + rootSectors
	if sectors <= meta {
		return errors.Wrapf(ErrGeometry, "%d sectors", sectors)
	}
	clusters := sectors - meta

	switch {
	case kind == FAT12 && clusters >= 4085,
		kind == FAT16 && (clusters < 4085 || clusters >= 65525):
		return errors.Wrapf(ErrGeometry, "%d clusters for fat%d", clusters, kind)
	}

	v := &volume{
		kind:           kind,
		clusterSectors: 1,
		clusters:       clusters,
		dataStart:      meta,
	}
	fat := make([]byte, fatSize*SectorSize)
	v.setFAT(fat, 0, 0x0FFFFF00|0xF8)
	v.setFAT(fat, 1, 0x0FFFFFFF)

	free := uint32(2)

	var dir bytes.Buffer
	for _, e := range entries {
		name, err := shortName(e.Name)
		if err != nil {
			return err
		}

		n := (uint32(len(e.Data)) + SectorSize - 1) / SectorSize
		if free+n > clusters+2 {
			return errors.Wrapf(ErrGeometry, "no room for %s", e.Name)
		}

		first := uint32(0)
		if n > 0 {
			first = free
			for c := first; c < first+n; c++ {
				next := c + 1
				if c == first+n-1 {
					next = 0x0FFFFFFF
				}
				v.setFAT(fat, c, next)
			}
			if err := writePadded(dev, base+v.clusterLBA(first), e.Data); err != nil {
				return err
			}
			free += n
		}

		_ = binary.Write(&dir, binary.LittleEndian, dirEntry{
			Name:      name,
			Attr:      attrArchive,
			FstClusHI: uint16(first >> 16),
			FstClusLO: uint16(first),
			FileSize:  uint32(len(e.Data)),
		})
	}

	rootLBA, rootCap := reserved+numFATs*fatSize, rootSectors*SectorSize
	if uint32(dir.Len()) > rootCap {
		return errors.Wrapf(ErrGeometry, "%d root entries", len(entries))
	}
	root := make([]byte, rootCap)
	copy(root, dir.Bytes())
	if err := writePadded(dev, base+rootLBA, root); err != nil {
		return err
	}

	for i := uint32(0); i < numFATs; i++ {
		if err := dev.WriteBlocks(fat, base+reserved+i*fatSize); err != nil {
			return errors.Wrap(err, "write fat")
		}
	}

	boot := bootSector(kind, base, sectors, fatSize)
	return errors.Wrap(dev.WriteBlocks(boot, base), "write boot sector")
}

// formatFAT32 creates the volume with go-diskfs and copies entries in
// through it.
func formatFAT32(dev proto.BlockDevice, base, sectors uint32, entries []Entry) error {
	if sectors < minFAT32Sectors {
		return errors.Wrapf(ErrGeometry, "%d sectors for fat32", sectors)
	}

	// the FAT rounds down to whole sectors of 128 entries and both copies
	// come out of the data area
	fatSectors := (sectors - reserved32) / 128
	free := min(fatSectors*128, sectors-reserved32-numFATs*fatSectors) - 1
	need := uint32(0)
	for _, e := range entries {
		if _, err := shortName(e.Name); err != nil {
			return err
		}
		need += max(sectorsOf(uint32(len(e.Data))), 1)
	}
	if need > free {
		return errors.Wrapf(ErrGeometry, "%d sectors of files in %d free", need, free)
	}

	storage := diskio.New(dev, (int64(base)+int64(sectors))*SectorSize)
	fsys, err := fat32.Create(storage, int64(sectors)*SectorSize, int64(base)*SectorSize, SectorSize, volumeLabel)
	if err != nil {
		return errors.Wrap(err, "create fat32")
	}

	for _, e := range entries {
		f, err := fsys.OpenFile("/"+e.Name, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return errors.Wrapf(err, "create %s", e.Name)
		}
		if len(e.Data) > 0 {
			if _, err := f.Write(e.Data); err != nil {
				_ = f.Close()
				return errors.Wrapf(err, "write %s", e.Name)
			}
		}
		if err := f.Close(); err != nil {
			return errors.Wrapf(err, "close %s", e.Name)
		}
	}

	return errors.Wrap(fsys.Close(), "close fat32")
}

func bootSector(kind Kind, base, sectors, fatSize uint32) []byte {
	b := bpb{
		JumpBoot:          [3]byte{0xEB, 0x3C, 0x90},
		BytesPerSector:    SectorSize,
		SectorsPerCluster: 1,
		ReservedSectors:   uint16(reserved),
		NumFATs:           numFATs,
		Media:             0xF8,
		SectorsPerTrack:   32,
		NumberOfHeads:     64,
		HiddenSectors:     base,
	}
	copy(b.OEMName[:], "USBVIEW ")

	b.RootEntryCount = rootEntries
	b.FATSize16 = uint16(fatSize)
	if sectors < 0x10000 {
		b.TotalSectors16 = uint16(sectors)
	} else {
		b.TotalSectors32 = sectors
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, b)

	sector := make([]byte, SectorSize)
	copy(sector, buf.Bytes())

	const label = 36
	sector[label] = 0x80   // drive number
	sector[label+2] = 0x29 // extended boot signature
	copy(sector[label+7:], "NO NAME    ")
	if kind == FAT12 {
		copy(sector[label+18:], "FAT12   ")
	} else {
		copy(sector[label+18:], "FAT16   ")
	}

	sector[510], sector[511] = 0x55, 0xAA
	return sector
}

func (v *volume) setFAT(fat []byte, cluster, value uint32) {
	if v.kind == FAT16 {
		binary.LittleEndian.PutUint16(fat[cluster*2:], uint16(value))
		return
	}

	off := cluster + cluster/2
	value &= 0x0FFF
	cur := binary.LittleEndian.Uint16(fat[off:])
	if cluster&1 == 1 {
		cur = cur&0x000F | uint16(value<<4)
	} else {
		cur = cur&0xF000 | uint16(value)
	}
	binary.LittleEndian.PutUint16(fat[off:], cur)
}

func writePadded(dev proto.BlockDevice, lba uint32, data []byte) error {
	n := (len(data) + SectorSize - 1) / SectorSize
	if n == 0 {
		n = 1
	}
	buf := make([]byte, n*SectorSize)
	copy(buf, data)
	return errors.Wrapf(dev.WriteBlocks(buf, lba), "write lba %d", lba)
}
