package fbdev

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbview/pkg/bitmap"
)

func sysfs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, SysfsRoot+"/fb0/"+name, []byte(content), 0o444))
	}
	return fs
}

func TestReadGeometry(t *testing.T) {
	t.Parallel()

	fs := sysfs(t, map[string]string{
		"virtual_size":   "800,480\n",
		"bits_per_pixel": "32\n",
		"stride":         "3328\n",
	})

	g, err := ReadGeometry(fs, SysfsRoot, "fb0")

	require.NoError(t, err)
	assert.Equal(t, Geometry{Width: 800, Height: 480, Depth: 32, Stride: 3328}, g)
	assert.Equal(t, 3328*480, g.Size())
}

func TestReadGeometry_NoStride(t *testing.T) {
	t.Parallel()

	fs := sysfs(t, map[string]string{
		"virtual_size":   "320,240",
		"bits_per_pixel": "16",
	})

	g, err := ReadGeometry(fs, SysfsRoot, "fb0")

	require.NoError(t, err)
	assert.Equal(t, 640, g.Stride)
}

func TestReadGeometry_Errors(t *testing.T) {
	t.Parallel()

	_, err := ReadGeometry(afero.NewMemMapFs(), SysfsRoot, "fb0")
	require.Error(t, err)

	_, err = ReadGeometry(sysfs(t, map[string]string{"virtual_size": "320x240", "bits_per_pixel": "16"}), SysfsRoot, "fb0")
	require.Error(t, err)

	_, err = ReadGeometry(sysfs(t, map[string]string{"virtual_size": "320,240", "bits_per_pixel": "24"}), SysfsRoot, "fb0")
	require.ErrorIs(t, err, ErrDepth)
}

func TestBlit_16bppCentred(t *testing.T) {
	t.Parallel()

	fb := bitmap.NewFramebuffer()
	fb.SetPixel(0, 0xF800)
	fb.SetPixel(bitmap.Width*bitmap.Height-1, 0x001F)

	g := Geometry{Width: 340, Height: 250, Depth: 16, Stride: 700}
	mem := make([]byte, g.Size())

	Blit(mem, g, fb)

	// top-left of the frame lands at (10,5)
	first := 5*g.Stride + 10*2
	assert.Equal(t, []byte{0x00, 0xF8}, mem[first:first+2])
	last := (5+239)*g.Stride + (10+319)*2
	assert.Equal(t, []byte{0x1F, 0x00}, mem[last:last+2])
	assert.Equal(t, []byte{0, 0}, mem[0:2])
}

func TestBlit_32bppClipped(t *testing.T) {
	t.Parallel()

	fb := bitmap.NewFramebuffer()
	// centre pixel of the frame
	fb.SetPixel(120*bitmap.Width+160, 0x07E0)

	g := Geometry{Width: 2, Height: 2, Depth: 32, Stride: 8}
	mem := make([]byte, g.Size())

	Blit(mem, g, fb)

	// the 2x2 window starts at frame (159,119); the green pixel is its bottom right
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0xFF}, mem[0:4])
	assert.Equal(t, []byte{0x00, 0xFF, 0x00, 0xFF}, mem[12:16])
}
