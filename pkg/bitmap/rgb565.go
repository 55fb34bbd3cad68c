package bitmap

import (
	"image"
	"image/color"
)

const (
	Width  = 320
	Height = 240

	FrameBytes = Width * Height * 2
)

// PixelSink writes one RGB565 cell at a linear framebuffer position.
type PixelSink interface {
	SetPixel(position int, c uint16)
}

// Color565 keeps the top 5 bits of red, 6 of green and 5 of blue.
func Color565(r, g, b uint8) uint16 {
	return (uint16(r)&0xF8)<<8 | (uint16(g)&0xFC)<<3 | uint16(b)>>3
}

func NewFramebuffer() *Framebuffer {
	return newRGB565(image.Rect(0, 0, Width, Height))
}

func newRGB565(r image.Rectangle) *Framebuffer {
	return &Framebuffer{
		pixels: make([]byte, 2*r.Dx()*r.Dy()),
		stride: 2 * r.Dx(),
		bounds: r,
	}
}

// Framebuffer is an RGB565 pixel grid addressed by linear position
// (row*width + col). It implements draw.Image so host presenters can treat
// it as a regular image.
type Framebuffer struct {
	pixels []byte
	stride int
	bounds image.Rectangle
}

// SetPixel implements PixelSink. Positions outside the grid are dropped.
func (f *Framebuffer) SetPixel(position int, c uint16) {
	if position < 0 || 2*position+1 >= len(f.pixels) {
		return
	}
	i := 2 * position
	// cells are little endian, low byte first
	f.pixels[i] = byte(c)
	f.pixels[i+1] = byte(c >> 8)
}

// Pixel returns the cell at position, or 0 outside the grid.
func (f *Framebuffer) Pixel(position int) uint16 {
	if position < 0 || 2*position+1 >= len(f.pixels) {
		return 0
	}
	i := 2 * position
	return uint16(f.pixels[i+1])<<8 | uint16(f.pixels[i])
}

func (f *Framebuffer) Fill(c uint16) {
	for i := 0; i+1 < len(f.pixels); i += 2 {
		f.pixels[i] = byte(c)
		f.pixels[i+1] = byte(c >> 8)
	}
}

// Pix returns the backing cell memory.
func (f *Framebuffer) Pix() []byte {
	return f.pixels
}

// Bounds implements the image.Image (and draw.Image) interface.
func (f *Framebuffer) Bounds() image.Rectangle {
	return f.bounds
}

// ColorModel implements the image.Image (and draw.Image) interface.
func (f *Framebuffer) ColorModel() color.Model {
	return rgb565Color{}
}

// At implements the image.Image (and draw.Image) interface.
func (f *Framebuffer) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}).In(f.bounds) {
		return rgb565(0)
	}
	i := (y-f.bounds.Min.Y)*f.stride + 2*(x-f.bounds.Min.X)
	return rgb565(f.pixels[i+1])<<8 | rgb565(f.pixels[i])
}

// Set implements the draw.Image interface. Fully transparent colors are
// skipped.
func (f *Framebuffer) Set(x, y int, c color.Color) {
	if !(image.Point{X: x, Y: y}).In(f.bounds) {
		return
	}
	r, g, b, a := c.RGBA()
	if a == 0 {
		return
	}
	rgb := toRGB565(r, g, b)
	i := (y-f.bounds.Min.Y)*f.stride + 2*(x-f.bounds.Min.X)
	f.pixels[i] = byte(rgb)
	f.pixels[i+1] = byte(rgb >> 8)
}

// This shows the memory layout of a pixel:
//
//	bit 76543210  76543210
//	    RRRRRGGG  GGGBBBBB
//	   high byte  low byte
type rgb565Color struct{}

func (rgb565Color) Convert(c color.Color) color.Color {
	r, g, b, _ := c.RGBA()
	return toRGB565(r, g, b)
}

// toRGB565 takes 16-bit channels as returned by color.Color.RGBA.
func toRGB565(r, g, b uint32) rgb565 {
	return rgb565((r & 0xF800) |
		((g & 0xFC00) >> 5) |
		((b & 0xF800) >> 11))
}

type rgb565 uint16

// RGBA implements the color.Color interface. Each short channel is widened
// by repeating its bit pattern so 0 and the channel maximum map to 0 and
// 0xFFFF.
func (c rgb565) RGBA() (r, g, b, a uint32) {
	rBits := uint32(c & 0xF800) // RRRRR00000000000
	gBits := uint32(c & 0x7E0)  // 00000GGGGGG00000
	bBits := uint32(c & 0x1F)   // 00000000000BBBBB
	r = rBits | rBits>>5 | rBits>>10 | rBits>>15
	g = gBits<<5 | gBits>>1 | gBits>>7
	b = bBits<<11 | bBits<<6 | bBits<<1 | bBits>>4
	a = 0xFFFF
	return
}
