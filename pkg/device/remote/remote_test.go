package remote

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/proto"
)

type screen struct {
	frames [][]byte
	light  uint8
}

func (s *screen) Present(frame proto.Frame) error {
	s.frames = append(s.frames, append([]byte(nil), frame.Pix()...))
	return nil
}

func (s *screen) SetLight(light uint8) error {
	s.light = light
	return nil
}

func dial(t *testing.T, dev proto.Presenter) *Client {
	t.Helper()

	handler, err := Handler(NewService(dev, zap.NewNop()))
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := Dial(strings.TrimPrefix(srv.URL, "http://"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Present(t *testing.T) {
	t.Parallel()

	dev := &screen{}
	c := dial(t, dev)

	fb := bitmap.NewFramebuffer()
	fb.SetPixel(0, 0xF800)
	fb.SetPixel(1, 0x07E0)
	fb.SetPixel(bitmap.Width, 0x001F)

	require.NoError(t, c.Present(fb))
	require.Len(t, dev.frames, 1)
	assert.Equal(t, fb.Pix(), dev.frames[0])
}

func TestClient_SetLight(t *testing.T) {
	t.Parallel()

	dev := &screen{}
	c := dial(t, dev)

	require.NoError(t, c.SetLight(42))
	assert.Equal(t, uint8(42), dev.light)
}

func TestService_UnknownCommand(t *testing.T) {
	t.Parallel()

	svc := NewService(&screen{}, zap.NewNop())
	require.ErrorIs(t, svc.Command(&CommandRequest{Name: "reboot"}, &Empty{}), ErrUnknownCommand)
}

func TestService_RejectsGarbage(t *testing.T) {
	t.Parallel()

	dev := &screen{}
	svc := NewService(dev, zap.NewNop())

	require.Error(t, svc.Present(&PresentRequest{Frame: []byte("nope")}, &Empty{}))
	assert.Empty(t, dev.frames)
}
