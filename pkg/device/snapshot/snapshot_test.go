package snapshot

import (
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
)

func TestSnapshot_Present(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	s := New(fs, "/out/frame.png", zap.NewNop())
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	fb := bitmap.NewFramebuffer()
	fb.SetPixel(0, 0xF800)
	fb.SetPixel(bitmap.Width+1, 0x07E0)

	require.NoError(t, s.Present(fb))
	require.NoError(t, s.Present(fb))
	assert.Equal(t, 2, s.Count())

	f, err := fs.Open("/out/frame.png")
	require.NoError(t, err)
	defer f.Close()

	img, err := imaging.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, fb.Bounds(), img.Bounds())

	assert.Equal(t, color.NRGBA{R: 0xFF, A: 0xFF}, color.NRGBAModel.Convert(img.At(0, 0)))
	assert.Equal(t, color.NRGBA{G: 0xFF, A: 0xFF}, color.NRGBAModel.Convert(img.At(1, 1)))
	assert.Equal(t, color.NRGBA{A: 0xFF}, color.NRGBAModel.Convert(img.At(2, 2)))
}

func TestSnapshot_UnknownExtension(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	s := New(fs, "/frame.xyz", zap.NewNop())

	require.Error(t, s.Present(bitmap.NewFramebuffer()))
	assert.Zero(t, s.Count())

	_, err := fs.Stat("/frame.xyz")
	assert.Error(t, err)
}
