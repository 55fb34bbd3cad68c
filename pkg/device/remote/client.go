// Package remote presents frames on a screen attached to another host. The
// host runs Serve in front of its local presenter; Dial returns a presenter
// that forwards frames to it over net/rpc.
package remote

import (
	"bytes"
	"net/rpc"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/proto"
)

func Dial(addr string, logger *zap.Logger) (*Client, error) {
	client, err := rpc.DialHTTP("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewClient(client, logger.With(zap.String("addr", addr))), nil
}

func NewClient(client *rpc.Client, logger *zap.Logger) *Client {
	return &Client{rpc: client, logger: logger.With(zap.String("via", "remote"))}
}

type Client struct {
	rpc    *rpc.Client
	logger *zap.Logger
}

func (c *Client) Present(frame proto.Frame) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.PNG); err != nil {
		return errors.Wrap(err, "encode frame")
	}

	c.logger.With(zap.Int("bytes", buf.Len())).Debug("present")
	return c.rpc.Call("Service.Present", &PresentRequest{Frame: buf.Bytes()}, &Empty{})
}

// SetLight changes the remote backlight, when the remote screen has one.
func (c *Client) SetLight(light uint8) error {
	return c.rpc.Call("Service.Command", &CommandRequest{Name: "light", Value: light}, &Empty{})
}

func (c *Client) Close() error {
	return c.rpc.Close()
}
