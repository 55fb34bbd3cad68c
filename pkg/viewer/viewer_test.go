package viewer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/bringup"
	"usbview/pkg/decoder"
	"usbview/pkg/device/virtual"
	"usbview/pkg/pipeline"
	"usbview/pkg/proto"
	"usbview/pkg/status"
	"usbview/pkg/storage"
)

type journal struct {
	entries []string
}

func (j *journal) add(s string) {
	j.entries = append(j.entries, s)
}

type memFile struct {
	data []byte
}

func (f *memFile) Size() uint32 {
	return uint32(len(f.data))
}

func (f *memFile) Read(blocks uint32, dst []byte) (int, error) {
	n := int(blocks) * 512
	if n > len(f.data) {
		n = len(f.data)
	}
	copy(dst, f.data[:n])
	return int(blocks), nil
}

type fakeVolume struct {
	j     *journal
	files map[string][]byte
}

func (v *fakeVolume) OpenFile(path string, _ proto.OpenFlags) (proto.File, error) {
	data, ok := v.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return &memFile{data: data}, nil
}

func (v *fakeVolume) Close() error {
	v.j.add("close fat")
	return nil
}

type fakeFS struct {
	j   *journal
	vol *fakeVolume
}

func (f *fakeFS) Open(_ proto.BlockDevice, baseLBA uint32) (proto.Volume, error) {
	f.j.add("open fat")
	return f.vol, nil
}

type fakeStorage struct {
	proto.Storage
	j     *journal
	parts int
}

func (s *fakeStorage) FindPartitions(table []proto.Partition) int {
	for i := 0; i < s.parts; i++ {
		table[i] = proto.Partition{FirstLBA: uint32(2048 * (i + 1))}
	}
	return s.parts
}

func (s *fakeStorage) Close() error {
	s.j.add("close msd")
	return nil
}

type fakeMSD struct {
	j      *journal
	st     *fakeStorage
	opened int
}

func (m *fakeMSD) Open(proto.Device) (proto.Storage, error) {
	m.opened++
	m.j.add("open msd")
	return m.st, nil
}

type fakePresenter struct {
	frames int
}

func (p *fakePresenter) Present(proto.Frame) error {
	p.frames++
	return nil
}

type rig struct {
	j         *journal
	usb       *virtual.USB
	keys      *virtual.Keys
	msd       *fakeMSD
	vol       *fakeVolume
	fb        *bitmap.Framebuffer
	presenter *fakePresenter
	out       *bytes.Buffer
}

func newRig(keys *virtual.Keys, files map[string][]byte, parts int) *rig {
	j := &journal{}
	return &rig{
		j:         j,
		usb:       virtual.NewUSB(virtual.NewDevice("stick", ""), zap.NewNop()),
		keys:      keys,
		msd:       &fakeMSD{j: j, st: &fakeStorage{j: j, parts: parts}},
		vol:       &fakeVolume{j: j, files: files},
		fb:        bitmap.NewFramebuffer(),
		presenter: &fakePresenter{},
		out:       &bytes.Buffer{},
	}
}

func (r *rig) viewer(mode pipeline.Mode, opts ...Option) *Viewer {
	logger := zap.NewNop()
	svc := Services{
		USB:        r.usb,
		Keys:       r.keys,
		Storage:    r.msd,
		Filesystem: &fakeFS{j: r.j, vol: r.vol},
		Decoder:    decoder.New(logger),
	}
	opts = append([]Option{WithPresenter(r.presenter)}, opts...)
	return New(mode, svc, r.fb, newConsole(r.out), logger, opts...)
}

func newConsole(w *bytes.Buffer) *status.Console {
	return status.New(w, zap.NewNop())
}

func pngFixture(t *testing.T) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 0xFF, A: 0xFF})
	img.Set(1, 0, color.NRGBA{G: 0xFF, A: 0xFF})
	img.Set(0, 1, color.NRGBA{B: 0xFF, A: 0xFF})
	img.Set(1, 1, color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF})

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func TestViewer_PNG(t *testing.T) {
	t.Parallel()

	r := newRig(virtual.NewKeys(0), map[string][]byte{"/TEST.PNG": pngFixture(t)}, 1)
	v := r.viewer(pipeline.ModePNG)

	require.NoError(t, v.Run(context.Background()))

	assert.Equal(t, []string{"open msd", "open fat", "close fat", "close msd"}, r.j.entries)
	assert.Equal(t, []string{"fat", "msd", "usb"}, v.Released())
	assert.Equal(t, "cleanup", r.usb.Calls()[len(r.usb.Calls())-1])
	assert.Equal(t, 1, r.presenter.frames)
	assert.Equal(t, 3, r.keys.Waits(), "decode, show and exit")
	assert.Equal(t, uint16(0xF800), r.fb.Pixel(0))
	assert.Equal(t, uint16(0xFFFF), r.fb.Pixel(321))

	out := r.out.String()
	assert.Contains(t, out, "opened msd\nopened fat partition 0\nread file: /TEST.PNG\n")
}

func TestViewer_CancelledNeverOpensStorage(t *testing.T) {
	t.Parallel()

	r := newRig(virtual.NewKeys(2), nil, 1)
	v := r.viewer(pipeline.ModePNG)

	err := v.Run(context.Background())

	require.ErrorIs(t, err, bringup.ErrCancelled)
	assert.Zero(t, r.msd.opened)
	assert.Empty(t, r.j.entries)
	assert.Equal(t, []string{"usb"}, v.Released())
	assert.Equal(t, 1, r.keys.Waits())
	assert.Zero(t, r.presenter.frames)
	assert.True(t, strings.HasSuffix(r.out.String(), "exiting demo, press a key\n"))
}

func TestViewer_DecoderErrorSkipsRender(t *testing.T) {
	t.Parallel()

	r := newRig(virtual.NewKeys(0), map[string][]byte{"/TEST.PNG": []byte("not a png")}, 1)
	v := r.viewer(pipeline.ModePNG)

	err := v.Run(context.Background())

	require.ErrorIs(t, err, pipeline.ErrDecode)
	assert.Equal(t, []string{"fat", "msd", "usb"}, v.Released())
	assert.Equal(t, make([]byte, bitmap.FrameBytes), r.fb.Pix())
	assert.Zero(t, r.presenter.frames)
	assert.Contains(t, r.out.String(), "\nerror: 3 ")
}

func TestViewer_NoPartitions(t *testing.T) {
	t.Parallel()

	r := newRig(virtual.NewKeys(0), nil, 0)
	v := r.viewer(pipeline.ModePNG)

	err := v.Run(context.Background())

	require.ErrorIs(t, err, storage.ErrNoPartitions)
	assert.Equal(t, []string{"open msd", "close msd"}, r.j.entries)
	assert.Equal(t, []string{"msd", "usb"}, v.Released())
}

func TestViewer_MissingFile(t *testing.T) {
	t.Parallel()

	r := newRig(virtual.NewKeys(0), map[string][]byte{"/OTHER.PNG": nil}, 2)
	v := r.viewer(pipeline.ModePNG)

	err := v.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, r.out.String(), "could not open file!\n")
	assert.Equal(t, []string{"fat", "msd", "usb"}, v.Released())
	assert.Equal(t, 1, r.keys.Waits())
}

func TestViewer_Raw(t *testing.T) {
	t.Parallel()

	frame := make([]byte, bitmap.FrameBytes)
	frame[0], frame[1] = 0xE0, 0x07

	r := newRig(virtual.NewKeys(0), map[string][]byte{"/TEST.RGB": frame}, 1)
	v := r.viewer(pipeline.ModeRaw)

	require.NoError(t, v.Run(context.Background()))

	assert.Equal(t, uint16(0x07E0), r.fb.Pixel(0))
	assert.Equal(t, 1, r.presenter.frames)
	assert.Equal(t, 2, r.keys.Waits())
}

func TestViewer_SelfTest(t *testing.T) {
	t.Parallel()

	r := newRig(virtual.NewKeys(2), nil, 1)
	v := r.viewer(pipeline.ModePNG, WithSelfTest(0))

	_ = v.Run(context.Background())

	assert.Equal(t, 3, r.presenter.frames)
}

func TestViewer_BadCapacity(t *testing.T) {
	t.Parallel()

	r := newRig(virtual.NewKeys(0), nil, 1)
	v := r.viewer(pipeline.ModePNG, WithCapacity(storage.MaxPartitions+1))

	err := v.Run(context.Background())

	require.ErrorIs(t, err, storage.ErrCapacity)
	assert.Empty(t, r.usb.Calls())
	assert.Empty(t, v.Released())
}

func TestTeardown_ReverseOrder(t *testing.T) {
	t.Parallel()

	var order []string
	td := &teardown{logger: zap.NewNop()}
	for _, name := range []string{"a", "b", "c"} {
		name := name
		td.push(name, func() error {
			order = append(order, name)
			if name == "b" {
				return errors.New("stuck")
			}
			return nil
		})
	}

	assert.Equal(t, []string{"c", "b", "a"}, td.run())
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Empty(t, td.run())
}
