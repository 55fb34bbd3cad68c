// Package decoder is the host image decoder service. It accepts any container
// imaging can read (PNG first of all) and always hands back 8-bit RGB
// samples, which is the only layout the renderer understands.
package decoder

import (
	"bytes"
	"image"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/proto"
)

// MaxPixels bounds the decoded picture so a corrupt header cannot ask for an
// absurd allocation.
const MaxPixels = 4096 * 4096

var (
	errEmpty    = errors.New("no data")
	errTooLarge = errors.New("picture too large")
	errFreed    = errors.New("picture already freed")
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// fail records the line of its caller, the way the decoder reports where in
// the decode an error was raised.
func fail(code proto.ErrorCode, err error) *proto.DecodeError {
	_, _, line, _ := runtime.Caller(1)
	return &proto.DecodeError{Code: code, Line: line, Err: err}
}

func New(logger *zap.Logger) *Decoder {
	return &Decoder{logger: logger.With(zap.String("via", "decoder"))}
}

type Decoder struct {
	logger *zap.Logger
}

// Open validates the container header and reads the picture dimensions.
func (d *Decoder) Open(data []byte) (proto.Picture, error) {
	if len(data) == 0 {
		return nil, fail(proto.DecodeNotFound, errEmpty)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fail(proto.DecodeNotPNG, err)
		}
		return nil, fail(proto.DecodeMalformed, err)
	}

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fail(proto.DecodeMalformed, errors.Errorf("bad dimensions %dx%d", cfg.Width, cfg.Height))
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, fail(proto.DecodeNoMemory, errors.Wrapf(errTooLarge, "%dx%d", cfg.Width, cfg.Height))
	}

	d.logger.With(
		zap.String("format", format),
		zap.Bool("png", bytes.HasPrefix(data, pngSignature)),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
	).Debug("header ok")

	return &Picture{data: data, width: cfg.Width, height: cfg.Height, logger: d.logger}, nil
}

// Picture is a decoded (or about to be decoded) image held as packed RGB8.
type Picture struct {
	data   []byte
	width  int
	height int
	buf    []byte
	freed  bool
	logger *zap.Logger
}

// Decode decodes the whole picture. Transparent pixels are composited over
// black.
func (p *Picture) Decode() error {
	if p.freed {
		return fail(proto.DecodeParam, errFreed)
	}

	img, err := imaging.Decode(bytes.NewReader(p.data))
	if err != nil {
		return fail(proto.DecodeMalformed, err)
	}

	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	if b.Dx() != p.width || b.Dy() != p.height {
		return fail(proto.DecodeMalformed, errors.Errorf("decoded %dx%d, header said %dx%d", b.Dx(), b.Dy(), p.width, p.height))
	}

	buf := make([]byte, 0, 3*p.width*p.height)
	for y := 0; y < p.height; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*p.width]
		for x := 0; x < len(row); x += 4 {
			a := uint16(row[x+3])
			buf = append(buf,
				byte(uint16(row[x])*a/0xFF),
				byte(uint16(row[x+1])*a/0xFF),
				byte(uint16(row[x+2])*a/0xFF),
			)
		}
	}
	p.buf = buf

	p.logger.With(zap.Int("bytes", len(buf))).Debug("decoded")
	return nil
}

func (p *Picture) Width() int {
	return p.width
}

func (p *Picture) Height() int {
	return p.height
}

func (p *Picture) BitsPerPixel() int {
	return 24
}

func (p *Picture) Format() proto.Format {
	return proto.FormatRGB8
}

// Size is the decoded buffer length, zero before Decode.
func (p *Picture) Size() int {
	return len(p.buf)
}

func (p *Picture) Buffer() []byte {
	return p.buf
}

func (p *Picture) Free() {
	p.buf = nil
	p.data = nil
	p.freed = true
}
