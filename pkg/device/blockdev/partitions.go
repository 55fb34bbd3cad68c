package blockdev

import (
	"encoding/binary"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/device/diskio"
	"usbview/pkg/proto"
)

// MBR partition types with special handling.
const (
	TypeEmpty       = byte(mbr.Empty)
	TypeExtendedCHS = byte(mbr.ExtendedCHS)
	TypeExtendedLBA = byte(mbr.ExtendedLBA)
	TypeExtendedLnx = byte(mbr.LinuxExtended)
	TypeProtective  = byte(mbr.GPTProtective)
)

// TypeGPT marks partitions found in a GUID partition table.
const TypeGPT = TypeProtective

type tableWriter struct {
	table []proto.Partition
	n     int
}

func (w *tableWriter) add(p proto.Partition) bool {
	if w.n >= len(w.table) {
		return false
	}
	w.table[w.n] = p
	w.n++
	return true
}

func (w *tableWriter) full() bool {
	return w.n >= len(w.table)
}

// shifted addresses dev from base, so an extended boot record reads like a
// master boot record at block 0.
type shifted struct {
	proto.BlockDevice
	base uint32
}

func (s shifted) ReadBlocks(dst []byte, lba uint32) error {
	return s.BlockDevice.ReadBlocks(dst, s.base+lba)
}

func (s shifted) WriteBlocks(src []byte, lba uint32) error {
	return s.BlockDevice.WriteBlocks(src, s.base+lba)
}

// readMBR parses the partition table in the block at lba.
func readMBR(dev proto.BlockDevice, lba uint32) (*mbr.Table, error) {
	return mbr.Read(diskio.New(shifted{dev, lba}, BlockSize), BlockSize, BlockSize)
}

func entries(t *mbr.Table) []proto.Partition {
	out := make([]proto.Partition, len(t.Partitions))
	for i, p := range t.Partitions {
		out[i] = proto.Partition{FirstLBA: p.Start, Sectors: p.Size, Type: byte(p.Type)}
	}
	return out
}

// FindPartitions fills table with the partitions on the disk, in on-disk
// order: primary MBR entries with logical partitions expanded in place, or
// GPT entries behind a protective MBR. A disk whose first block is a FAT
// boot sector rather than a partition table is reported as one partition at
// block 0. Discovery stops when table is full.
func (d *Disk) FindPartitions(table []proto.Partition) int {
	w := &tableWriter{table: table}
	if len(table) == 0 {
		return 0
	}

	sector := make([]byte, BlockSize)
	if err := d.ReadBlocks(sector, 0); err != nil {
		d.logger.With(zap.Error(err)).Info("read mbr failed")
		return 0
	}
	if !hasBootSignature(sector) {
		d.logger.Debug("no boot signature")
		return 0
	}

	t, err := readMBR(d, 0)
	if err != nil || !validMBR(entries(t)) {
		if isBootSector(sector) {
			d.logger.Debug("superfloppy")
			w.add(proto.Partition{FirstLBA: 0, Sectors: uint32(min(d.blocks, 0xFFFFFFFF))})
		}
		return w.n
	}

	primary := entries(t)
	for _, e := range primary {
		if e.Type == TypeProtective {
			d.findGPT(w)
			return w.n
		}
	}

	for _, e := range primary {
		if w.full() {
			break
		}
		switch e.Type {
		case TypeEmpty:
		case TypeExtendedCHS, TypeExtendedLBA, TypeExtendedLnx:
			d.findLogical(w, e.FirstLBA)
		default:
			w.add(e)
		}
	}

	return w.n
}

// findLogical walks the extended boot record chain starting at base. Each
// record holds one logical partition relative to itself and a link relative
// to base.
func (d *Disk) findLogical(w *tableWriter, base uint32) {
	seen := map[uint32]bool{}

	for ebr := base; !w.full() && !seen[ebr]; {
		seen[ebr] = true

		t, err := readMBR(d, ebr)
		if err != nil {
			d.logger.With(zap.Uint32("lba", ebr), zap.Error(err)).Info("read ebr failed")
			return
		}

		records := entries(t)
		if logical := records[0]; logical.Type != TypeEmpty {
			logical.FirstLBA += ebr
			w.add(logical)
		}

		next := records[1]
		if next.Type == TypeEmpty {
			return
		}
		ebr = base + next.FirstLBA
	}
}

func (d *Disk) findGPT(w *tableWriter) {
	storage := diskio.New(d, int64(d.blocks)*BlockSize)
	t, err := gpt.Read(storage, BlockSize, BlockSize)
	if err != nil {
		d.logger.With(zap.Error(err)).Info("read gpt failed")
		return
	}

	for _, p := range t.Partitions {
		if w.full() {
			return
		}
		if p.Type == gpt.Unused || p.Start > 0xFFFFFFFF || p.End < p.Start {
			continue
		}
		w.add(proto.Partition{
			FirstLBA: uint32(p.Start),
			Sectors:  uint32(min(p.End-p.Start+1, 0xFFFFFFFF)),
			Type:     TypeGPT,
		})
	}
}

func hasBootSignature(sector []byte) bool {
	return sector[510] == 0x55 && sector[511] == 0xAA
}

// isBootSector reports a FAT volume boot record: a jump instruction and a
// 512-byte sector size.
func isBootSector(sector []byte) bool {
	jump := sector[0] == 0xEB || sector[0] == 0xE9
	return jump && binary.LittleEndian.Uint16(sector[11:]) == BlockSize
}

// validMBR requires at least one used entry, none of them starting at
// block 0. Boot flags are checked by the parser.
func validMBR(parts []proto.Partition) bool {
	used := false
	for _, e := range parts {
		if e.Type != TypeEmpty {
			if e.FirstLBA == 0 {
				return false
			}
			used = true
		}
	}
	return used
}

// WriteMBR writes a classic partition table holding up to four primary
// partitions to block 0. The boot code area is left as it is.
func WriteMBR(dev proto.BlockDevice, parts []proto.Partition) error {
	if len(parts) > 4 {
		return errors.Errorf("%d partitions do not fit an mbr", len(parts))
	}

	t := &mbr.Table{LogicalSectorSize: BlockSize, PhysicalSectorSize: BlockSize}
	for _, p := range parts {
		t.Partitions = append(t.Partitions, &mbr.Partition{
			Type:  mbr.Type(p.Type),
			Start: p.FirstLBA,
			Size:  p.Sectors,
		})
	}

	storage := diskio.New(dev, BlockSize)
	return errors.Wrap(t.Write(storage, storage.Size()), "write mbr")
}
