package fatfs

import (
	"io"
	"os"
	"path"
	"strings"

	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/fat32"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/device/diskio"
	"usbview/pkg/proto"
)

// chunkSectors bounds one read from a go-diskfs file.
const chunkSectors = 64

func (f *Filesystem) openFAT32(dev proto.BlockDevice, base, total uint32) (proto.Volume, error) {
	storage := diskio.New(dev, (int64(base)+int64(total))*SectorSize)

	fsys, err := fat32.Read(storage, int64(total)*SectorSize, int64(base)*SectorSize, SectorSize)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFAT, "fat32: %v", err)
	}

	v := &diskVolume{
		fs:       fsys,
		progress: f.progress,
		logger:   f.logger.With(zap.Uint32("base", base), zap.Int("fat", int(FAT32))),
	}
	v.logger.With(zap.Uint32("sectors", total), zap.String("label", fsys.Label())).Debug("mounted")
	return v, nil
}

// diskVolume is a FAT32 volume read through go-diskfs.
type diskVolume struct {
	fs       *fat32.FileSystem
	progress io.Writer
	logger   *zap.Logger
	closed   bool
}

func (v *diskVolume) Kind() Kind {
	return FAT32
}

func (v *diskVolume) Close() error {
	v.closed = true
	return v.fs.Close()
}

func (v *diskVolume) OpenFile(p string, flags proto.OpenFlags) (proto.File, error) {
	if v.closed {
		return nil, ErrClosed
	}
	if flags != proto.OpenRead {
		return nil, ErrReadOnly
	}

	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, errors.Wrap(ErrInvalidPath, p)
	}
	clean := "/" + strings.Join(parts, "/")
	dir, name := path.Split(clean)

	entries, err := v.fs.ReadDir(dir)
	if err != nil {
		// a missing parent, or one that is a file
		return nil, errors.Wrapf(ErrNotFound, "%s: %v", p, err)
	}

	var size int64
	found := false
	for _, fi := range entries {
		if !sameName(fi, name) {
			continue
		}
		if fi.IsDir() {
			return nil, errors.Wrap(ErrIsDir, p)
		}
		size, found = fi.Size(), true
		break
	}
	if !found {
		return nil, errors.Wrap(ErrNotFound, p)
	}

	fl, err := v.fs.OpenFile(clean, os.O_RDONLY)
	if err != nil {
		return nil, errors.Wrap(err, p)
	}

	v.logger.With(zap.String("path", p), zap.Int64("size", size)).Debug("open")
	return &diskFile{vol: v, f: fl, name: p, size: uint32(size)}, nil
}

func sameName(fi os.FileInfo, name string) bool {
	if strings.EqualFold(fi.Name(), name) {
		return true
	}
	short, ok := fi.(interface{ ShortName() string })
	return ok && strings.EqualFold(short.ShortName(), name)
}

type diskFile struct {
	vol  *diskVolume
	f    filesystem.File
	name string
	size uint32
	read uint32 // sectors consumed so far
}

func (f *diskFile) Size() uint32 {
	return f.size
}

// Read has the same contract as the FAT12/16 file: whole sectors from the
// current position, sector i at dst[i*SectorSize:], clipped to dst and to
// the last sector holding file data.
func (f *diskFile) Read(blocks uint32, dst []byte) (int, error) {
	if f.vol.closed {
		return 0, ErrClosed
	}

	want := blocks
	if left := sectorsOf(f.size) - f.read; want > left {
		want = left
	}

	bar := progress(f.vol.progress, want, f.name)
	defer bar.finish()

	chunk := make([]byte, chunkSectors*SectorSize)
	n := uint32(0)
	for n < want {
		count := min(want-n, chunkSectors)
		length := min(count*SectorSize, f.size-f.read*SectorSize)

		buf := chunk[:count*SectorSize]
		clear(buf)
		if _, err := io.ReadFull(f.f, buf[:length]); err != nil {
			return int(n), errors.Wrapf(err, "%s sector %d", f.name, f.read)
		}

		if off := int(n) * SectorSize; off < len(dst) {
			copy(dst[off:], buf)
		}

		f.read += count
		n += count
		bar.add(int(count) * SectorSize)
	}

	f.vol.logger.With(zap.String("path", f.name), zap.Uint32("requested", blocks), zap.Uint32("read", n)).Debug("read")
	return int(n), nil
}
