package fatfs

import (
	"io"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

func sectorsOf(size uint32) uint32 {
	return (size + SectorSize - 1) / SectorSize
}

// bar is a progress bar that is a no-op when nil.
type bar struct {
	pb *progressbar.ProgressBar
}

// progress draws on w for reads of more than one sector.
func progress(w io.Writer, sectors uint32, name string) *bar {
	if w == nil || sectors <= 1 {
		return nil
	}
	return &bar{pb: progressbar.NewOptions64(
		int64(sectors)*SectorSize,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)}
}

func (b *bar) add(n int) {
	if b != nil {
		_ = b.pb.Add(n)
	}
}

func (b *bar) finish() {
	if b != nil {
		_ = b.pb.Finish()
	}
}

type file struct {
	vol     *volume
	name    string
	size    uint32
	cluster uint32 // current cluster, 0 once the chain is exhausted
	sector  uint32 // next sector within cluster
	read    uint32 // sectors consumed so far
}

func (f *file) Size() uint32 {
	return f.size
}

// Read reads up to blocks sectors from the current position. Sector i of
// the call lands at dst[i*SectorSize:], and whatever does not fit in dst is
// dropped. Reading stops at the last sector holding file data, so the result
// can be smaller than blocks.
func (f *file) Read(blocks uint32, dst []byte) (int, error) {
	if f.vol.closed {
		return 0, ErrClosed
	}

	want := blocks
	if left := sectorsOf(f.size) - f.read; want > left {
		want = left
	}

	bar := progress(f.vol.progress, want, f.name)
	defer bar.finish()

	sector := make([]byte, SectorSize)
	n := 0
	for uint32(n) < want {
		lba, err := f.advance()
		if err != nil {
			return n, err
		}
		if lba == 0 {
			break
		}

		off := n * SectorSize
		if off < len(dst) {
			if err := f.vol.readSector(sector, lba); err != nil {
				return n, errors.Wrapf(err, "%s sector %d", f.name, f.read)
			}
			copy(dst[off:], sector)
		}

		f.read++
		n++
		bar.add(SectorSize)
	}

	f.vol.logger.With(zap.String("path", f.name), zap.Uint32("requested", blocks), zap.Int("read", n)).Debug("read")
	return n, nil
}

// advance returns the volume-relative LBA of the next sector and steps past
// it, or 0 at the end of the chain.
func (f *file) advance() (uint32, error) {
	if f.cluster == 0 {
		return 0, nil
	}
	if f.cluster < 2 || f.cluster >= f.vol.clusters+2 {
		return 0, errors.Wrapf(ErrCorrupt, "%s starts at cluster %d", f.name, f.cluster)
	}

	if f.sector == f.vol.clusterSectors {
		next, end, err := f.vol.next(f.cluster)
		if err != nil {
			return 0, err
		}
		if end {
			f.cluster = 0
			return 0, nil
		}
		f.cluster, f.sector = next, 0
	}

	lba := f.vol.clusterLBA(f.cluster) + f.sector
	f.sector++
	return lba, nil
}
