// Package pipeline turns a loaded image file into framebuffer contents,
// either by decoding a compressed container (ModePNG) or by copying raw
// RGB565 cells straight into the frame (ModeRaw).
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/loader"
	"usbview/pkg/proto"
	"usbview/pkg/render"
	"usbview/pkg/status"
)

type Mode int

const (
	ModePNG Mode = iota
	ModeRaw
)

var ErrDecode = errors.New("decode failed")

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "png", "":
		return ModePNG, nil
	case "raw", "rgb":
		return ModeRaw, nil
	}
	return ModePNG, errors.Errorf("unknown mode %q", s)
}

func (m Mode) String() string {
	if m == ModeRaw {
		return "raw"
	}
	return "png"
}

// Path is the fixed file each mode reads.
func (m Mode) Path() string {
	if m == ModeRaw {
		return loader.PathRaw
	}
	return loader.PathPNG
}

// Target is the framebuffer a pipeline writes into.
type Target interface {
	bitmap.PixelSink
	Pix() []byte
}

// Image is a loaded file and, once decoded, its picture.
type Image struct {
	Data    []byte
	Picture proto.Picture
}

// Free releases the picture and the file contents.
func (img *Image) Free() {
	if img.Picture != nil {
		img.Picture.Free()
		img.Picture = nil
	}
	img.Data = nil
}

func New(
	mode Mode,
	ld *loader.Loader,
	dec proto.Decoder,
	rd *render.Renderer,
	keys proto.Keypad,
	console *status.Console,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		mode:     mode,
		loader:   ld,
		decoder:  dec,
		renderer: rd,
		keys:     keys,
		console:  console,
		logger:   logger.With(zap.String("via", "pipeline"), zap.Stringer("mode", mode)),
	}
}

type Pipeline struct {
	mode     Mode
	loader   *loader.Loader
	decoder  proto.Decoder
	renderer *render.Renderer
	keys     proto.Keypad
	console  *status.Console
	logger   *zap.Logger
}

func (p *Pipeline) Mode() Mode {
	return p.mode
}

// Run shows the open file f on target according to the pipeline's mode.
func (p *Pipeline) Run(ctx context.Context, f proto.File, target Target) error {
	if p.mode == ModeRaw {
		return p.Raw(ctx, f, target)
	}

	img, err := p.Decode(ctx, f)
	if err != nil {
		return err
	}
	return p.Show(target, img)
}

// Decode loads f, checks the container header and decodes it, gating the
// decode and the hand-off to Show on a key press each. Decoder failures are
// reported on the console and wait for a key before returning.
func (p *Pipeline) Decode(ctx context.Context, f proto.File) (*Image, error) {
	data, err := p.loader.ReadAll(f)
	if err != nil {
		return nil, err
	}
	img := &Image{Data: data}

	pic, err := p.decoder.Open(data)
	if err != nil {
		img.Free()
		return nil, p.decodeFailed(ctx, err)
	}
	img.Picture = pic

	p.console.Line("Press any key to decode.")
	if err := p.keys.Wait(ctx); err != nil {
		img.Free()
		return nil, err
	}

	if err := pic.Decode(); err != nil {
		img.Free()
		return nil, p.decodeFailed(ctx, err)
	}

	p.console.Linef("size: %dx%dx%d (%d)", pic.Width(), pic.Height(), pic.BitsPerPixel(), pic.Size())
	p.console.Linef("depth: %d", pic.BitsPerPixel()/8)
	p.console.Linef("format: %d", pic.Format())

	p.console.Line("Press any key to show.")
	if err := p.keys.Wait(ctx); err != nil {
		img.Free()
		return nil, err
	}

	return img, nil
}

// Show renders a decoded image and frees it.
func (p *Pipeline) Show(sink bitmap.PixelSink, img *Image) error {
	defer img.Free()
	return p.renderer.Render(sink, img.Picture)
}

// Raw reads f straight into the framebuffer cells after a key press. At most
// one frame is written however large the file is.
func (p *Pipeline) Raw(ctx context.Context, f proto.File, target Target) error {
	p.console.Line("Press any key to show.")
	if err := p.keys.Wait(ctx); err != nil {
		return err
	}

	pix := target.Pix()
	if len(pix) > bitmap.FrameBytes {
		pix = pix[:bitmap.FrameBytes]
	}

	n, err := p.loader.ReadInto(f, pix)
	if err != nil {
		return err
	}

	if uint64(f.Size()) > uint64(len(pix)) {
		p.logger.With(zap.Uint32("size", f.Size()), zap.Int("kept", n)).Info("raw image larger than frame")
	}
	return nil
}

func (p *Pipeline) decodeFailed(ctx context.Context, err error) error {
	code, line := proto.DecodeMalformed, 0

	var de *proto.DecodeError
	if errors.As(err, &de) {
		code, line = de.Code, de.Line
	}

	p.console.Linef("error: %d %d", code, line)
	p.logger.With(zap.Error(err)).Debug("decode failed")

	if werr := p.keys.Wait(ctx); werr != nil {
		p.logger.With(zap.Error(werr)).Debug("key wait interrupted")
	}
	return fmt.Errorf("%w: %w", ErrDecode, err)
}
