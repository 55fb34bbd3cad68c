package main

import (
	"context"
	"net/http"

	flag "github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"usbview/pkg/device/inch35"
	"usbview/pkg/device/remote"
	"usbview/pkg/proto"
)

var serial = flag.String("serial", "ttyACM0", "serial name")
var light = flag.Uint8("light", 100, "set light")
var listen = flag.String("listen", ":9123", "listen addr")
var debug = flag.Bool("debug", false, "set debug")

func main() {
	flag.Parse()

	fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),
		fx.Provide(
			newLogger,
			func() *http.Server {
				return &http.Server{Addr: *listen}
			},
			newScreen,
			remote.NewService,
		),
		fx.Invoke(
			remote.Serve,
		),
	).Run()
}

func newLogger() (*zap.Logger, error) {
	if *debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newScreen renders remote frames on the local 3.5" screen.
func newScreen(lc fx.Lifecycle, logger *zap.Logger) (proto.Presenter, error) {
	screen, err := inch35.Open(proto.NewSerial(*serial), *light, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return screen.Close()
		},
	})
	return screen, nil
}
