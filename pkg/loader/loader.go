// Package loader reads a whole file from a mounted volume in one bulk call.
package loader

import (
	"encoding/hex"
	"fmt"

	"github.com/inhies/go-bytesize"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"usbview/pkg/proto"
	"usbview/pkg/status"
)

const BlockSize = 512

// Fixed image paths for the two viewer modes.
const (
	PathPNG = "/TEST.PNG"
	PathRaw = "/TEST.RGB"
)

var (
	ErrOpen = errors.New("could not open file")
	ErrRead = errors.New("could not read file")
)

// BlockCount is the number of blocks requested for a file of size bytes.
// It always asks for one block more than size/BlockSize, so an exact
// multiple of the block size requests a spare block.
func BlockCount(size uint32) uint32 {
	return size/BlockSize + 1
}

func New(console *status.Console, logger *zap.Logger) *Loader {
	return &Loader{
		console: console,
		logger:  logger.With(zap.String("via", "loader")),
	}
}

type Loader struct {
	console *status.Console
	logger  *zap.Logger
}

// Open opens path for reading and reports its size on the console. A failed
// open is final.
func (l *Loader) Open(vol proto.Volume, path string) (proto.File, error) {
	l.console.Linef("read file: %s", path)

	f, err := vol.OpenFile(path, proto.OpenRead)
	if err != nil {
		l.console.Line("could not open file!")
		return nil, fmt.Errorf("%w %s: %w", ErrOpen, path, err)
	}

	l.console.Linef("file size: %d", f.Size())
	return f, nil
}

// ReadAll allocates exactly Size bytes and fills them in one bulk read.
func (l *Loader) ReadAll(f proto.File) ([]byte, error) {
	data := make([]byte, f.Size())
	if _, err := l.ReadInto(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadInto reads the file into dst with a single bulk call of
// BlockCount(Size) blocks. Nothing is written past len(dst); the returned
// count is the number of bytes of dst that hold file data, taken from the
// blocks the driver reports and capped at Size.
func (l *Loader) ReadInto(f proto.File, dst []byte) (int, error) {
	size := f.Size()
	blocks := BlockCount(size)

	got, err := f.Read(blocks, dst)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRead, err)
	}

	n := min(got*BlockSize, len(dst))
	if uint64(size) < uint64(n) {
		n = int(size)
	}

	sum := blake3.Sum256(dst[:n])
	l.logger.With(
		zap.Uint32("blocks", blocks),
		zap.String("size", bytesize.New(float64(size)).String()),
		zap.Int("loaded", n),
		zap.String("blake3", hex.EncodeToString(sum[:])),
	).Debug("file loaded")

	return n, nil
}
