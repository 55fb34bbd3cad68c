package remote

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/rpc"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/proto"
)

var ErrUnknownCommand = errors.New("unknown command")

// Light is implemented by screens with a backlight.
type Light interface {
	SetLight(light uint8) error
}

func NewService(dev proto.Presenter, logger *zap.Logger) *Service {
	return &Service{dev: dev, logger: logger.With(zap.String("via", "remote"))}
}

type Service struct {
	dev    proto.Presenter
	logger *zap.Logger
}

// Present decodes the frame and shows it on the local presenter. Frames of
// any size are converted to RGB565 first.
func (s *Service) Present(req *PresentRequest, _ *Empty) error {
	img, err := imaging.Decode(bytes.NewReader(req.Frame))
	if err != nil {
		return errors.Wrap(err, "decode frame")
	}

	fb := bitmap.NewFramebuffer()
	if img.Bounds().Size() != fb.Bounds().Size() {
		img = imaging.Fill(img, bitmap.Width, bitmap.Height, imaging.Center, imaging.Lanczos)
	}
	copy(fb.Pix(), bitmap.Encode(img))

	s.logger.Debug("present")
	return s.dev.Present(fb)
}

func (s *Service) Command(req *CommandRequest, _ *Empty) error {
	switch req.Name {
	case "light":
		if l, ok := s.dev.(Light); ok {
			return l.SetLight(req.Value)
		}
		return nil
	}
	return errors.Wrap(ErrUnknownCommand, req.Name)
}

// Handler serves svc the way rpc.DialHTTP expects.
func Handler(svc *Service) (http.Handler, error) {
	srv := rpc.NewServer()
	if err := srv.Register(svc); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, srv)
	return mux, nil
}

// Serve runs svc on srv for the lifetime of the application.
func Serve(svc *Service, srv *http.Server, lifecycle fx.Lifecycle, logger *zap.Logger) error {
	handler, err := Handler(svc)
	if err != nil {
		return err
	}
	srv.Handler = handler

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return errors.Wrapf(err, "listen %s", srv.Addr)
			}
			logger.With(zap.String("addr", ln.Addr().String())).Info("serving")
			go func() {
				if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					logger.With(zap.Error(err)).Error("serve failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})

	return nil
}
