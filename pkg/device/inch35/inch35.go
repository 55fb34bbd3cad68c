// Package inch35 presents frames on the 3.5" USB serial screen. The screen
// is 320x480 in portrait; Open turns it to landscape so a whole frame fits.
package inch35

import (
	"fmt"
	"image"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/proto"
)

const (
	cmdRestart    = 101
	cmdShutdown   = 108
	cmdStartup    = 109
	cmdSetLight   = 110
	cmdSetRotate  = 121
	cmdSetMirror  = 122
	cmdDrawBitmap = 197
)

// optional commands carry a fixed-size payload after the header
const optionSize = 16

var (
	ErrOverflow = errors.New("bitmap does not fit the screen")
	ErrTooMany  = errors.New("too many command arguments")
)

// New drives a screen connected through w. The screen starts in portrait.
func New(w io.Writer, logger *zap.Logger) *Screen {
	return &Screen{
		w:      w,
		logger: logger.With(zap.String("via", "inch35")),
		width:  320,
		height: 480,
	}
}

// Open opens the serial port, wakes the screen and turns it to landscape at
// the given backlight level.
func Open(serial *proto.Serial, light uint8, logger *zap.Logger) (*Screen, error) {
	err := serial.Open(&proto.Options{
		DTR:         true,
		RTS:         true,
		BaudRate:    115200,
		ReadTimeout: time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	s := New(serial, logger.With(zap.String("port", serial.Path())))
	s.closer = serial

	for _, step := range []func() error{
		s.Startup,
		func() error { return s.SetLight(light) },
		func() error { return s.SetRotate(true, false) },
	} {
		if err := step(); err != nil {
			_ = serial.Close()
			return nil, err
		}
	}
	return s, nil
}

type Screen struct {
	w      io.Writer
	closer io.Closer
	logger *zap.Logger
	width  int
	height int
}

func (s *Screen) Size() (int, int) {
	return s.width, s.height
}

func (s *Screen) Startup() error {
	return s.command(cmdStartup)
}

func (s *Screen) Shutdown() error {
	return s.command(cmdShutdown)
}

func (s *Screen) Restart() error {
	return s.command(cmdRestart)
}

func (s *Screen) SetLight(light uint8) error {
	return s.command(cmdSetLight, int(light))
}

// SetRotate swaps the screen axes in landscape. invert turns it upside down.
func (s *Screen) SetRotate(landscape, invert bool) error {
	mode := byte(100)
	if landscape {
		mode++
		if s.width < s.height {
			s.width, s.height = s.height, s.width
		}
	} else if s.width > s.height {
		s.width, s.height = s.height, s.width
	}
	if invert {
		mode++
	}

	return s.option(cmdSetRotate, []byte{
		mode,
		byte(s.width >> 8), byte(s.width),
		byte(s.height >> 8), byte(s.height),
	})
}

func (s *Screen) SetMirror(mirror bool) error {
	var b byte
	if mirror {
		b = 1
	}
	return s.option(cmdSetMirror, []byte{b})
}

// DrawBitmap sends img as RGB565 cells with its top left corner at (x, y).
func (s *Screen) DrawBitmap(x, y int, img image.Image) error {
	size := img.Bounds().Size()
	if x < 0 || y < 0 || x+size.X > s.width || y+size.Y > s.height {
		return errors.Wrapf(ErrOverflow, "%v at (%d,%d) on %dx%d", size, x, y, s.width, s.height)
	}

	if err := s.command(cmdDrawBitmap, x, y, x+size.X-1, y+size.Y-1); err != nil {
		return err
	}
	return s.send(bitmap.Encode(img))
}

// Present implements proto.Presenter, centring the frame on the screen. The
// RGB565 cells of the frame are sent as they are.
func (s *Screen) Present(frame proto.Frame) error {
	size := frame.Bounds().Size()
	x, y := (s.width-size.X)/2, (s.height-size.Y)/2
	if x < 0 || y < 0 {
		return errors.Wrapf(ErrOverflow, "%v on %dx%d", size, s.width, s.height)
	}

	if err := s.command(cmdDrawBitmap, x, y, x+size.X-1, y+size.Y-1); err != nil {
		return err
	}
	return s.send(frame.Pix())
}

// Close turns the screen off and releases the port.
func (s *Screen) Close() error {
	err := s.Shutdown()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Screen) command(code byte, args ...int) error {
	if len(args) > 4 {
		return errors.Wrapf(ErrTooMany, "%d", len(args))
	}

	var v [4]int
	copy(v[:], args)

	buf := make([]byte, 6)
	header(buf, code, v)
	return s.send(buf)
}

func (s *Screen) option(code byte, payload []byte) error {
	buf := make([]byte, optionSize)
	copy(buf[6:], payload)
	header(buf, code, [4]int{})
	return s.send(buf)
}

// header packs four 10-bit coordinates, the last one 12 bits wide, followed
// by the command code.
func header(buf []byte, code byte, v [4]int) {
	buf[0] = byte(v[0] >> 2)
	buf[1] = byte((v[0]&3)<<6 + v[1]>>4)
	buf[2] = byte((v[1]&0xF)<<4 + v[2]>>6)
	buf[3] = byte((v[2]&0x3F)<<2 + v[3]>>8)
	buf[4] = byte(v[3])
	buf[5] = code
}

func (s *Screen) send(bs []byte) error {
	start := time.Now()
	n, err := s.w.Write(bs)
	if err != nil {
		return errors.Wrap(err, "write screen")
	}

	data := ""
	if len(bs) <= optionSize {
		data = fmt.Sprintf("%x", bs)
	}

	s.logger.With(
		zap.Int("sent", n),
		zap.Duration("cost", time.Since(start)),
		zap.String("data", data),
	).Debug("transfer")
	return nil
}
