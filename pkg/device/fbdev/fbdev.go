// Package fbdev presents frames on a Linux framebuffer device, centred on the
// screen.
package fbdev

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"usbview/pkg/proto"
)

const SysfsRoot = "/sys/class/graphics"

var ErrDepth = errors.New("unsupported framebuffer depth")

// Geometry describes the visible part of a framebuffer.
type Geometry struct {
	Width  int
	Height int
	Depth  int // bits per pixel
	Stride int // bytes per line
}

func (g Geometry) Size() int {
	return g.Stride * g.Height
}

// ReadGeometry reads the geometry of device (e.g. "fb0") from sysfs under
// root.
func ReadGeometry(fs afero.Fs, root, device string) (Geometry, error) {
	var g Geometry
	dir := filepath.Join(root, device)

	read := func(name string) (string, error) {
		bs, err := afero.ReadFile(fs, filepath.Join(dir, name))
		if err != nil {
			return "", errors.Wrapf(err, "read %s", name)
		}
		return strings.TrimSpace(string(bs)), nil
	}

	atoi := func(v string, dst *int) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse %q", v)
		}
		*dst = n
		return nil
	}

	size, err := read("virtual_size")
	if err != nil {
		return g, err
	}
	w, h, ok := strings.Cut(size, ",")
	if !ok {
		return g, errors.Errorf("bad virtual_size %q", size)
	}
	if err := atoi(w, &g.Width); err != nil {
		return g, err
	}
	if err := atoi(h, &g.Height); err != nil {
		return g, err
	}

	depth, err := read("bits_per_pixel")
	if err != nil {
		return g, err
	}
	if err := atoi(depth, &g.Depth); err != nil {
		return g, err
	}

	// older kernels do not export stride
	if stride, err := read("stride"); err == nil {
		if err := atoi(stride, &g.Stride); err != nil {
			return g, err
		}
	}

	if g.Depth != 16 && g.Depth != 32 {
		return g, errors.Wrapf(ErrDepth, "%d bpp", g.Depth)
	}
	if g.Stride == 0 {
		g.Stride = g.Width * g.Depth / 8
	}
	return g, nil
}

// Blit copies frame into mem, a framebuffer with geometry g, centred and
// clipped. 16 bpp targets receive the RGB565 cells as they are; 32 bpp
// targets receive XRGB8888.
func Blit(mem []byte, g Geometry, frame proto.Frame) {
	b := frame.Bounds()
	w, h := min(b.Dx(), g.Width), min(b.Dy(), g.Height)
	ox, oy := (g.Width-w)/2, (g.Height-h)/2
	sx, sy := b.Min.X+(b.Dx()-w)/2, b.Min.Y+(b.Dy()-h)/2

	bpp := g.Depth / 8
	pix := frame.Pix()
	srcStride := 2 * b.Dx()

	for y := 0; y < h; y++ {
		row := mem[(oy+y)*g.Stride+ox*bpp:]
		if bpp == 2 {
			src := pix[(sy-b.Min.Y+y)*srcStride+2*(sx-b.Min.X):]
			copy(row[:2*w], src[:2*w])
			continue
		}
		for x := 0; x < w; x++ {
			r, gg, bb, _ := frame.At(sx+x, sy+y).RGBA()
			row[4*x] = byte(bb >> 8)
			row[4*x+1] = byte(gg >> 8)
			row[4*x+2] = byte(r >> 8)
			row[4*x+3] = 0xFF
		}
	}
}

// Open maps the framebuffer device node dev (e.g. "/dev/fb0"), reading its
// geometry from sysfs through fs.
func Open(fs afero.Fs, dev string, logger *zap.Logger) (*Framebuffer, error) {
	g, err := ReadGeometry(fs, SysfsRoot, filepath.Base(dev))
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(dev, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dev)
	}

	mem, err := unix.Mmap(fd, 0, g.Size(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(err, "mmap %s", dev)
	}

	logger = logger.With(zap.String("via", "fbdev"), zap.String("dev", dev))
	logger.With(
		zap.Int("width", g.Width),
		zap.Int("height", g.Height),
		zap.Int("depth", g.Depth),
	).Debug("mapped")

	return &Framebuffer{fd: fd, mem: mem, geom: g, logger: logger}, nil
}

type Framebuffer struct {
	fd     int
	mem    []byte
	geom   Geometry
	logger *zap.Logger
}

func (f *Framebuffer) Geometry() Geometry {
	return f.geom
}

func (f *Framebuffer) Present(frame proto.Frame) error {
	Blit(f.mem, f.geom, frame)
	f.logger.With(zap.Stringer("bounds", frame.Bounds())).Debug("present")
	return nil
}

func (f *Framebuffer) Close() error {
	if err := unix.Munmap(f.mem); err != nil {
		_ = unix.Close(f.fd)
		return errors.Wrap(err, "munmap")
	}
	return unix.Close(f.fd)
}
