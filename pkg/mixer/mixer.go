// Package mixer presents frames tile by tile on screens that accept partial
// bitmaps, turning a plain redraw into a transition.
package mixer

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"usbview/pkg/proto"
)

// Tiler draws a bitmap with its top left corner at a screen position.
type Tiler interface {
	Size() (int, int)
	DrawBitmap(x, y int, img image.Image) error
}

type Option func(m *Mixer)

// WithEffect adds effects; every frame picks one at random.
func WithEffect(e ...Effect) Option {
	return func(m *Mixer) {
		m.effs = append(m.effs, e...)
	}
}

func New(dst Tiler, logger *zap.Logger, opts ...Option) *Mixer {
	m := &Mixer{
		dst:    dst,
		logger: logger.With(zap.String("via", "mixer")),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

type Mixer struct {
	dst    Tiler
	logger *zap.Logger
	effs   []Effect
}

// Present implements proto.Presenter. The frame is centred on the screen.
func (m *Mixer) Present(frame proto.Frame) error {
	b := frame.Bounds()
	w, h := m.dst.Size()
	ox, oy := (w-b.Dx())/2, (h-b.Dy())/2

	tiles := []image.Rectangle{b}
	if len(m.effs) > 0 {
		eff := lo.Sample(m.effs)
		tiles = eff.Tiles(b)
		m.logger.With(zap.String("effect", eff.Name()), zap.Int("tiles", len(tiles))).Debug("mix")
	}

	for _, t := range tiles {
		img := imaging.Crop(frame, t)
		if err := m.dst.DrawBitmap(ox+t.Min.X-b.Min.X, oy+t.Min.Y-b.Min.Y, img); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the screen when it can be closed.
func (m *Mixer) Close() error {
	if c, ok := m.dst.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
