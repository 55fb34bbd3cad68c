package mixer

import "image"

// Effect splits a frame into the tiles drawn one after another.
type Effect interface {
	Name() string
	// Tiles covers bounds exactly once.
	Tiles(bounds image.Rectangle) []image.Rectangle
}
