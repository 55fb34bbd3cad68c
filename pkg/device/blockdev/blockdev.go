// Package blockdev serves mass storage from a block device node or a disk
// image file, and discovers the partitions on it.
package blockdev

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"usbview/pkg/proto"
)

const BlockSize = 512

var (
	ErrNoPath     = errors.New("device has no backing path")
	ErrReadOnly   = errors.New("device opened read-only")
	ErrOutOfRange = errors.New("block out of range")
	ErrAlignment  = errors.New("buffer is not a whole number of blocks")
)

func New(fs afero.Fs, logger *zap.Logger) *MassStorage {
	return &MassStorage{fs: fs, logger: logger.With(zap.String("via", "blockdev"))}
}

// MassStorage opens devices that expose a filesystem path.
type MassStorage struct {
	fs     afero.Fs
	logger *zap.Logger
}

func (m *MassStorage) Open(dev proto.Device) (proto.Storage, error) {
	pd, ok := dev.(proto.PathDevice)
	if !ok || pd.Path() == "" {
		return nil, errors.Wrap(ErrNoPath, dev.Name())
	}

	readOnly := false
	f, err := m.fs.OpenFile(pd.Path(), os.O_RDWR, 0)
	if err != nil {
		readOnly = true
		f, err = m.fs.OpenFile(pd.Path(), os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", pd.Path())
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "size %s", pd.Path())
	}

	m.logger.With(
		zap.String("device", dev.Name()),
		zap.String("path", pd.Path()),
		zap.Int64("blocks", size/BlockSize),
		zap.Bool("ro", readOnly),
	).Debug("opened")

	return &Disk{
		f:        f,
		blocks:   uint64(size / BlockSize),
		readOnly: readOnly,
		logger:   m.logger.With(zap.String("device", dev.Name())),
	}, nil
}

// Disk is an open mass-storage session.
type Disk struct {
	f        afero.File
	blocks   uint64
	readOnly bool
	logger   *zap.Logger
}

func (d *Disk) BlockSize() int {
	return BlockSize
}

// Blocks is the device capacity in blocks.
func (d *Disk) Blocks() uint64 {
	return d.blocks
}

func (d *Disk) check(buf []byte, lba uint32) error {
	if len(buf)%BlockSize != 0 {
		return errors.Wrapf(ErrAlignment, "%d bytes", len(buf))
	}
	if uint64(lba)+uint64(len(buf)/BlockSize) > d.blocks {
		return errors.Wrapf(ErrOutOfRange, "lba %d+%d of %d", lba, len(buf)/BlockSize, d.blocks)
	}
	return nil
}

func (d *Disk) ReadBlocks(dst []byte, lba uint32) error {
	if err := d.check(dst, lba); err != nil {
		return err
	}
	_, err := d.f.ReadAt(dst, int64(lba)*BlockSize)
	return errors.Wrapf(err, "read lba %d", lba)
}

func (d *Disk) WriteBlocks(src []byte, lba uint32) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if err := d.check(src, lba); err != nil {
		return err
	}
	_, err := d.f.WriteAt(src, int64(lba)*BlockSize)
	return errors.Wrapf(err, "write lba %d", lba)
}

func (d *Disk) Close() error {
	return d.f.Close()
}
