package bitmap

import (
	"image"
)

// Encode converts src into little-endian RGB565 cells, row-major, the layout
// of a raw framebuffer image.
func Encode(src image.Image) []byte {
	b := src.Bounds()
	dst := newRGB565(image.Rect(0, 0, b.Dx(), b.Dy()))

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, src.At(x, y))
		}
	}

	return dst.pixels
}
