// Package diskio presents a block device as the byte-addressed storage that
// the go-diskfs partition and filesystem readers work on.
package diskio

import (
	"io"
	"io/fs"
	"math"
	"os"
	"time"

	"github.com/diskfs/go-diskfs/backend"
	"github.com/pkg/errors"

	"usbview/pkg/proto"
)

var (
	ErrOffset = errors.New("offset out of range")
	ErrWhence = errors.New("invalid whence")
)

// Backend maps byte offsets onto whole-block reads and writes. Writes that
// do not cover whole blocks read the blocks they touch first.
type Backend struct {
	dev  proto.BlockDevice
	size int64
	pos  int64
}

// New exposes the first size bytes of dev.
func New(dev proto.BlockDevice, size int64) *Backend {
	return &Backend{dev: dev, size: size}
}

var _ backend.Storage = (*Backend)(nil)

func (b *Backend) Size() int64 {
	return b.size
}

func (b *Backend) span(off int64, n int) (first int64, count int64, err error) {
	bs := int64(b.dev.BlockSize())
	first = off / bs
	last := (off + int64(n) + bs - 1) / bs
	if last > math.MaxUint32 {
		return 0, 0, errors.Wrapf(ErrOffset, "%d", off)
	}
	return first, last - first, nil
}

func (b *Backend) aligned(off int64, n int) bool {
	bs := int64(b.dev.BlockSize())
	return off%bs == 0 && int64(n)%bs == 0
}

func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Wrapf(ErrOffset, "%d", off)
	}
	if off >= b.size {
		return 0, io.EOF
	}

	var tail error
	if off+int64(len(p)) > b.size {
		p = p[:b.size-off]
		tail = io.EOF
	}
	if len(p) == 0 {
		return 0, tail
	}

	first, count, err := b.span(off, len(p))
	if err != nil {
		return 0, err
	}

	if b.aligned(off, len(p)) {
		if err := b.dev.ReadBlocks(p, uint32(first)); err != nil {
			return 0, errors.Wrapf(err, "read at %d", off)
		}
		return len(p), tail
	}

	bs := int64(b.dev.BlockSize())
	buf := make([]byte, count*bs)
	if err := b.dev.ReadBlocks(buf, uint32(first)); err != nil {
		return 0, errors.Wrapf(err, "read at %d", off)
	}
	return copy(p, buf[off-first*bs:]), tail
}

func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, errors.Wrapf(ErrOffset, "write %d bytes at %d", len(p), off)
	}
	if len(p) == 0 {
		return 0, nil
	}

	first, count, err := b.span(off, len(p))
	if err != nil {
		return 0, err
	}

	if b.aligned(off, len(p)) {
		if err := b.dev.WriteBlocks(p, uint32(first)); err != nil {
			return 0, errors.Wrapf(err, "write at %d", off)
		}
		return len(p), nil
	}

	bs := int64(b.dev.BlockSize())
	buf := make([]byte, count*bs)
	if err := b.dev.ReadBlocks(buf, uint32(first)); err != nil {
		return 0, errors.Wrapf(err, "write at %d", off)
	}
	copy(buf[off-first*bs:], p)
	if err := b.dev.WriteBlocks(buf, uint32(first)); err != nil {
		return 0, errors.Wrapf(err, "write at %d", off)
	}
	return len(p), nil
}

func (b *Backend) Read(p []byte) (int, error) {
	n, err := b.ReadAt(p, b.pos)
	b.pos += int64(n)
	return n, err
}

func (b *Backend) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = b.pos + offset
	case io.SeekEnd:
		next = b.size + offset
	default:
		return b.pos, errors.Wrapf(ErrWhence, "%d", whence)
	}
	if next < 0 {
		return b.pos, errors.Wrapf(ErrOffset, "%d", next)
	}
	b.pos = next
	return next, nil
}

func (b *Backend) Stat() (fs.FileInfo, error) {
	return info{size: b.size}, nil
}

// Close leaves the device open; its owner closes it.
func (b *Backend) Close() error {
	return nil
}

// Sys reports that there is no OS file behind the device.
func (b *Backend) Sys() (*os.File, error) {
	return nil, backend.ErrNotSuitable
}

func (b *Backend) Writable() (backend.WritableFile, error) {
	return b, nil
}

type info struct {
	size int64
}

func (i info) Name() string       { return "disk" }
func (i info) Size() int64        { return i.size }
func (i info) Mode() fs.FileMode  { return 0o600 }
func (i info) ModTime() time.Time { return time.Time{} }
func (i info) IsDir() bool        { return false }
func (i info) Sys() any           { return nil }
