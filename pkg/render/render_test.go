package render

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/proto"
)

type picture struct {
	width, height int
	buf           []byte
}

func (p *picture) Decode() error { return nil }
func (p *picture) Width() int { return p.width }
func (p *picture) Height() int { return p.height }
func (p *picture) BitsPerPixel() int { return 24 }
func (p *picture) Format() proto.Format { return proto.FormatRGB8 }
func (p *picture) Size() int { return len(p.buf) }
func (p *picture) Buffer() []byte { return p.buf }
func (p *picture) Free() {}

type recorder struct {
	writes map[int]uint16
	order  []int
}

func (r *recorder) SetPixel(position int, c uint16) {
	if r.writes == nil {
		r.writes = map[int]uint16{}
	}
	r.writes[position] = c
	r.order = append(r.order, position)
}

func TestPosition(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		i, width, want int
	}{
		{0, 1, 0},
		{1, 1, 320},
		{2, 3, 2},
		{3, 3, 320},
		{7, 3, 641},
		{319, 320, 319},
		{320, 320, 320},
		{5, 400, 5},
		{401, 400, 321},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, Position(tc.i, tc.width), "i=%d width=%d", tc.i, tc.width)
	}
}

func TestRender_TwoByTwo(t *testing.T) {
	t.Parallel()

	pic := &picture{width: 2, height: 2, buf: []byte{
		0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00,
		0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF,
	}}
	fb := bitmap.NewFramebuffer()

	require.NoError(t, New(zap.NewNop()).Render(fb, pic))

	assert.Equal(t, uint16(0xF800), fb.Pixel(0))
	assert.Equal(t, uint16(0x07E0), fb.Pixel(1))
	assert.Equal(t, uint16(0x001F), fb.Pixel(320))
	assert.Equal(t, uint16(0xFFFF), fb.Pixel(321))
	assert.Equal(t, uint16(0), fb.Pixel(2))
}

func TestRender_NonSquareRowMajor(t *testing.T) {
	t.Parallel()

	const w, h = 3, 2
	buf := make([]byte, 3*w*h)
	for i := 0; i < w*h; i++ {
		// red channel carries the pixel index in its top five bits
		buf[3*i] = byte(i << 3)
	}
	rec := &recorder{}

	require.NoError(t, New(zap.NewNop()).Render(rec, &picture{width: w, height: h, buf: buf}))

	assert.Equal(t, []int{0, 1, 2, 320, 321, 322}, rec.order)
	for i, pos := range rec.order {
		assert.Equal(t, uint16(i)<<11, rec.writes[pos])
	}
}

func TestRender_ZeroWidth(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	err := New(zap.NewNop()).Render(rec, &picture{width: 0, height: 4})

	require.ErrorIs(t, err, ErrNoWidth)
	assert.Empty(t, rec.order)
}

func TestRender_ShortBuffer(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	err := New(zap.NewNop()).Render(rec, &picture{width: 2, height: 2, buf: make([]byte, 11)})

	require.ErrorIs(t, err, ErrShortBuffer)
	assert.Empty(t, rec.order)
}

func TestRender_TallImageDropsOffscreenRows(t *testing.T) {
	t.Parallel()

	const h = bitmap.Height + 2
	buf := make([]byte, 3*h)
	for i := range buf {
		buf[i] = 0xFF
	}
	fb := bitmap.NewFramebuffer()

	require.NoError(t, New(zap.NewNop()).Render(fb, &picture{width: 1, height: h, buf: buf}))
	assert.Equal(t, uint16(0xFFFF), fb.Pixel((bitmap.Height-1)*bitmap.Width))
}

func TestSelfTest_FillsEachColor(t *testing.T) {
	t.Parallel()

	fb := bitmap.NewFramebuffer()
	var seen []uint16
	show := func() error {
		seen = append(seen, fb.Pixel(0))
		assert.Equal(t, fb.Pixel(0), fb.Pixel(bitmap.Width*bitmap.Height-1))
		return nil
	}

	require.NoError(t, New(zap.NewNop()).SelfTest(context.Background(), fb, show, 0))
	assert.Equal(t, Pattern, seen)
}

func TestSelfTest_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(zap.NewNop()).SelfTest(ctx, bitmap.NewFramebuffer(), nil, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
