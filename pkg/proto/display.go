package proto

import "image"

// Frame is a complete framebuffer image together with its raw cell memory.
type Frame interface {
	image.Image
	Pix() []byte
}

// Presenter makes a rendered frame visible on a host display.
type Presenter interface {
	Present(frame Frame) error
}
