// Package render places decoded RGB8 pixels into the RGB565 framebuffer.
package render

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/proto"
)

var (
	ErrNoWidth     = errors.New("image has zero width")
	ErrShortBuffer = errors.New("pixel buffer shorter than image")
)

// Test pattern colors, in fill order.
var Pattern = []uint16{
	0xF800, // red
	0x07E0, // green
	0x003F, // blue
}

// Position maps pixel i of an image width pixels wide to its linear
// framebuffer position. Rows wider than the frame wrap into the next row and
// rows past the bottom are left to the sink.
func Position(i, width int) int {
	return (i/width)*bitmap.Width + i%width
}

func New(logger *zap.Logger) *Renderer {
	return &Renderer{logger: logger.With(zap.String("via", "render"))}
}

type Renderer struct {
	logger *zap.Logger
}

// Render writes the picture's RGB8 samples into sink in row-major order,
// without scaling or clipping.
func (r *Renderer) Render(sink bitmap.PixelSink, pic proto.Picture) error {
	width, height := pic.Width(), pic.Height()
	if width <= 0 {
		return ErrNoWidth
	}

	length := width * height
	buf := pic.Buffer()
	if len(buf) < 3*length {
		return errors.Wrapf(ErrShortBuffer, "%d bytes for %dx%d", len(buf), width, height)
	}

	for i := 0; i < length; i++ {
		c := bitmap.Color565(buf[3*i], buf[3*i+1], buf[3*i+2])
		sink.SetPixel(Position(i, width), c)
	}

	r.logger.With(zap.Int("width", width), zap.Int("height", height)).Debug("rendered")
	return nil
}

// SelfTest fills the whole frame with each Pattern color in turn, calling
// show after every fill and holding the color for pause.
func (r *Renderer) SelfTest(ctx context.Context, sink bitmap.PixelSink, show func() error, pause time.Duration) error {
	for _, c := range Pattern {
		for i := 0; i < bitmap.Width*bitmap.Height; i++ {
			sink.SetPixel(i, c)
		}

		if show != nil {
			if err := show(); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}

	return nil
}
