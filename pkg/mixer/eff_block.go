package mixer

import (
	"image"
	"math/rand"

	"github.com/samber/lo"
)

// EffectBlock draws square blocks of a random size in random order.
func EffectBlock() Effect {
	return &block{
		size: 32,
		rand: true,
	}
}

// EffectGrid draws size×size blocks row by row.
func EffectGrid(size int) Effect {
	return &block{size: size}
}

type block struct {
	size int
	rand bool
}

func (e *block) Name() string {
	return "block"
}

func (e *block) Tiles(r image.Rectangle) []image.Rectangle {
	size := e.size
	if e.rand {
		size = rand.Intn(32) + 8
	}
	if size <= 0 {
		return []image.Rectangle{r}
	}

	var tiles []image.Rectangle
	for y := r.Min.Y; y < r.Max.Y; y += size {
		for x := r.Min.X; x < r.Max.X; x += size {
			tiles = append(tiles, image.Rect(x, y, x+size, y+size).Intersect(r))
		}
	}

	if e.rand {
		tiles = lo.Shuffle(tiles)
	}
	return tiles
}
