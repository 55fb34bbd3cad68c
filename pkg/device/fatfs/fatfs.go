// Package fatfs is a read-only FAT filesystem service on top of a block
// device, plus a formatter used to build test volumes and disk images.
// FAT32 volumes go through go-diskfs; FAT12 and FAT16, which it does not
// handle, are read here.
package fatfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/proto"
)

const SectorSize = 512

type Kind int

const (
	FAT12 Kind = 12
	FAT16 Kind = 16
	FAT32 Kind = 32
)

var (
	ErrNotFAT      = errors.New("not a fat volume")
	ErrSectorSize  = errors.New("unsupported sector size")
	ErrNotFound    = errors.New("file not found")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrReadOnly    = errors.New("filesystem is read-only")
	ErrCorrupt     = errors.New("corrupt cluster chain")
	ErrClosed      = errors.New("volume closed")
	ErrInvalidPath = errors.New("invalid path")
)

// Directory entry attributes.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID
)

const dirEntrySize = 32

// bpb is the BIOS parameter block shared by all FAT variants.
type bpb struct {
	JumpBoot          [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster byte
	ReservedSectors   uint16
	NumFATs           byte
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             byte
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumberOfHeads     uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// fat32Ext follows the common block on FAT32 volumes.
type fat32Ext struct {
	FATSize32   uint32
	ExtFlags    uint16
	FSVersion   uint16
	RootCluster uint32
	FSInfo      uint16
	BkBootSec   uint16
	Reserved    [12]byte
}

type dirEntry struct {
	Name         [11]byte
	Attr         byte
	NTRes        byte
	CrtTimeTenth byte
	CrtTime      uint16
	CrtDate      uint16
	LstAccDate   uint16
	FstClusHI    uint16
	WrtTime      uint16
	WrtDate      uint16
	FstClusLO    uint16
	FileSize     uint32
}

func (e *dirEntry) cluster() uint32 {
	return uint32(e.FstClusHI)<<16 | uint32(e.FstClusLO)
}

type Option func(f *Filesystem)

// WithProgress draws a progress bar on w for every bulk file read.
func WithProgress(w io.Writer) Option {
	return func(f *Filesystem) {
		f.progress = w
	}
}

func New(logger *zap.Logger, opts ...Option) *Filesystem {
	f := &Filesystem{logger: logger.With(zap.String("via", "fatfs"))}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type Filesystem struct {
	logger   *zap.Logger
	progress io.Writer
}

// Open mounts the FAT volume whose boot sector is at baseLBA.
func (f *Filesystem) Open(dev proto.BlockDevice, baseLBA uint32) (proto.Volume, error) {
	if dev.BlockSize() != SectorSize {
		return nil, errors.Wrapf(ErrSectorSize, "%d", dev.BlockSize())
	}

	sector := make([]byte, SectorSize)
	if err := dev.ReadBlocks(sector, baseLBA); err != nil {
		return nil, errors.Wrap(err, "read boot sector")
	}

	v, err := parseBootSector(sector)
	if err != nil {
		return nil, err
	}
	if v.kind == FAT32 {
		return f.openFAT32(dev, baseLBA, v.total)
	}

	v.dev = dev
	v.base = baseLBA
	v.progress = f.progress
	v.logger = f.logger.With(zap.Uint32("base", baseLBA), zap.Int("fat", int(v.kind)))
	v.fatCached = ^uint32(0)

	v.logger.With(
		zap.Uint32("clusters", v.clusters),
		zap.Uint32("cluster_sectors", v.clusterSectors),
	).Debug("mounted")

	return v, nil
}

func parseBootSector(sector []byte) (*volume, error) {
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, errors.Wrap(ErrNotFAT, "no boot signature")
	}
	if sector[0] != 0xEB && sector[0] != 0xE9 {
		return nil, errors.Wrap(ErrNotFAT, "no jump instruction")
	}

	r := bytes.NewReader(sector)
	var b bpb
	if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
		return nil, errors.Wrap(err, "parse bpb")
	}
	var ext fat32Ext
	if err := binary.Read(r, binary.LittleEndian, &ext); err != nil {
		return nil, errors.Wrap(err, "parse bpb")
	}

	if b.BytesPerSector != SectorSize {
		return nil, errors.Wrapf(ErrSectorSize, "%d", b.BytesPerSector)
	}
	spc := uint32(b.SectorsPerCluster)
	if spc == 0 || spc&(spc-1) != 0 || b.ReservedSectors == 0 || b.NumFATs == 0 {
		return nil, errors.Wrap(ErrNotFAT, "bad geometry")
	}

	fatSize := uint32(b.FATSize16)
	if fatSize == 0 {
		fatSize = ext.FATSize32
	}
	total := uint32(b.TotalSectors16)
	if total == 0 {
		total = b.TotalSectors32
	}

	rootSectors := (uint32(b.RootEntryCount)*dirEntrySize + SectorSize - 1) / SectorSize
	meta := uint32(b.ReservedSectors) + uint32(b.NumFATs)*fatSize + rootSectors
	if fatSize == 0 || total <= meta {
		return nil, errors.Wrap(ErrNotFAT, "bad sizes")
	}
	clusters := (total - meta) / spc

	v := &volume{
		total:          total,
		clusterSectors: spc,
		clusters:       clusters,
		fatStart:       uint32(b.ReservedSectors),
		rootStart:      uint32(b.ReservedSectors) + uint32(b.NumFATs)*fatSize,
		rootSectors:    rootSectors,
		dataStart:      meta,
	}

	// the FAT32 layout has no fixed root directory and a 32-bit FAT size,
	// whatever its cluster count
	switch {
	case b.FATSize16 == 0:
		v.kind = FAT32
		if ext.RootCluster < 2 {
			return nil, errors.Wrap(ErrNotFAT, "bad root cluster")
		}
	case clusters < 4085:
		v.kind = FAT12
	default:
		v.kind = FAT16
	}

	return v, nil
}

// volume is a mounted FAT12 or FAT16 volume. Offsets are relative to base.
type volume struct {
	dev      proto.BlockDevice
	base     uint32
	kind     Kind
	progress io.Writer
	logger   *zap.Logger
	closed   bool

	total          uint32
	clusterSectors uint32
	clusters       uint32
	fatStart       uint32
	rootStart      uint32
	rootSectors    uint32
	dataStart      uint32

	fatCached uint32
	fatBuf    [2 * SectorSize]byte
}

func (v *volume) Kind() Kind {
	return v.kind
}

func (v *volume) Close() error {
	v.closed = true
	return nil
}

func (v *volume) readSector(dst []byte, lba uint32) error {
	return v.dev.ReadBlocks(dst, v.base+lba)
}

func (v *volume) clusterLBA(cluster uint32) uint32 {
	return v.dataStart + (cluster-2)*v.clusterSectors
}

func (v *volume) eoc(entry uint32) bool {
	if v.kind == FAT12 {
		return entry >= 0xFF8
	}
	return entry >= 0xFFF8
}

// next returns the cluster following cluster in its chain and whether the
// chain ended.
func (v *volume) next(cluster uint32) (uint32, bool, error) {
	offset := cluster * 2
	if v.kind == FAT12 {
		offset = cluster + cluster/2
	}

	sector := offset / SectorSize
	if sector != v.fatCached {
		// two sectors so a FAT12 entry straddling a boundary is whole
		if err := v.readSector(v.fatBuf[:SectorSize], v.fatStart+sector); err != nil {
			return 0, false, err
		}
		if err := v.readSector(v.fatBuf[SectorSize:], v.fatStart+sector+1); err != nil {
			return 0, false, err
		}
		v.fatCached = sector
	}

	i := offset % SectorSize
	entry := uint32(binary.LittleEndian.Uint16(v.fatBuf[i:]))
	if v.kind == FAT12 {
		if cluster&1 == 1 {
			entry >>= 4
		} else {
			entry &= 0x0FFF
		}
	}

	if v.eoc(entry) {
		return 0, true, nil
	}
	if entry < 2 || entry >= v.clusters+2 {
		return 0, false, errors.Wrapf(ErrCorrupt, "cluster %d links to %#x", cluster, entry)
	}
	return entry, false, nil
}

// walk calls fn with the LBA of every sector of a directory, stopping when
// fn returns false. Cluster 0 is the fixed root directory.
func (v *volume) walk(cluster uint32, fn func(lba uint32) bool) error {
	if cluster == 0 {
		for s := uint32(0); s < v.rootSectors; s++ {
			if !fn(v.rootStart + s) {
				return nil
			}
		}
		return nil
	}

	for steps := uint32(0); steps <= v.clusters; steps++ {
		for s := uint32(0); s < v.clusterSectors; s++ {
			if !fn(v.clusterLBA(cluster) + s) {
				return nil
			}
		}
		next, end, err := v.next(cluster)
		if err != nil || end {
			return err
		}
		cluster = next
	}
	return errors.Wrap(ErrCorrupt, "directory chain loops")
}

func (v *volume) lookup(dir uint32, name [11]byte) (*dirEntry, error) {
	var (
		found  *dirEntry
		ioErr  error
		sector = make([]byte, SectorSize)
	)

	err := v.walk(dir, func(lba uint32) bool {
		if ioErr = v.readSector(sector, lba); ioErr != nil {
			return false
		}
		for off := 0; off < SectorSize; off += dirEntrySize {
			raw := sector[off : off+dirEntrySize]
			switch raw[0] {
			case 0x00:
				return false
			case 0xE5:
				continue
			}
			var e dirEntry
			_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e)
			if e.Attr&attrLongName == attrLongName || e.Attr&attrVolumeID != 0 {
				continue
			}
			if e.Name == name {
				found = &e
				return false
			}
		}
		return true
	})
	if ioErr != nil {
		return nil, ioErr
	}
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (v *volume) OpenFile(path string, flags proto.OpenFlags) (proto.File, error) {
	if v.closed {
		return nil, ErrClosed
	}
	if flags != proto.OpenRead {
		return nil, ErrReadOnly
	}

	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, errors.Wrap(ErrInvalidPath, path)
	}

	dir := uint32(0)
	for i, part := range parts {
		name, err := shortName(part)
		if err != nil {
			return nil, errors.Wrap(err, path)
		}

		e, err := v.lookup(dir, name)
		if err != nil {
			return nil, errors.Wrap(err, path)
		}

		last := i == len(parts)-1
		isDir := e.Attr&attrDirectory != 0
		switch {
		case last && isDir:
			return nil, errors.Wrap(ErrIsDir, path)
		case !last && !isDir:
			return nil, errors.Wrap(ErrNotDir, path)
		case last:
			v.logger.With(zap.String("path", path), zap.Uint32("size", e.FileSize)).Debug("open")
			return &file{vol: v, name: path, size: e.FileSize, cluster: e.cluster()}, nil
		}
		dir = e.cluster()
	}

	return nil, errors.Wrap(ErrNotFound, path)
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
}

// shortName converts a path component to its padded 8.3 directory form.
func shortName(s string) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}

	if s == "." || s == ".." {
		copy(out[:], s)
		return out, nil
	}

	base, ext := s, ""
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		base, ext = s[:i], s[i+1:]
	}
	if base == "" || len(base) > 8 || len(ext) > 3 {
		return out, errors.Wrapf(ErrInvalidPath, "%q is not an 8.3 name", s)
	}

	up := strings.ToUpper(base)
	for i := 0; i < len(up); i++ {
		if up[i] <= ' ' || strings.IndexByte(`"*+,./:;<=>?[\]|`, up[i]) >= 0 {
			return out, errors.Wrapf(ErrInvalidPath, "%q is not an 8.3 name", s)
		}
	}
	copy(out[:8], up)
	copy(out[8:], strings.ToUpper(ext))
	return out, nil
}
