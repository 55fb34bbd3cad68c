package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/xid"
	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/config"
	"usbview/pkg/decoder"
	"usbview/pkg/device/blockdev"
	"usbview/pkg/device/fatfs"
	"usbview/pkg/device/fbdev"
	"usbview/pkg/device/hotplug"
	"usbview/pkg/device/inch35"
	"usbview/pkg/device/keypad"
	"usbview/pkg/device/remote"
	"usbview/pkg/device/snapshot"
	"usbview/pkg/device/virtual"
	"usbview/pkg/mixer"
	"usbview/pkg/proto"
	"usbview/pkg/status"
	"usbview/pkg/viewer"
)

// terminal pairs the keypad with the writer the status lines go to.
type terminal struct {
	keys *keypad.Keypad
	out  io.Writer
}

// interrupt cancels the run when the user presses Ctrl-C.
type interrupt struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	cfg, err := config.Load(afero.NewOsFs(), config.DefaultEnvFile, os.Args[1:])
	if err != nil {
		// the viewer always exits cleanly; there is nobody to report a status to
		fmt.Fprintln(os.Stderr, err)
		return
	}

	fx.New(
		fx.Supply(cfg),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.With(zap.String("via", "fx"))}
		}),
		fx.Provide(
			afero.NewOsFs,
			newLogger,
			newInterrupt,
			newTerminal,
			newConsole,
			newServices,
			newPresenter,
			bitmap.NewFramebuffer,
			newViewer,
		),
		fx.Invoke(run),
	).Run()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("run", xid.New().String())), nil
}

func newInterrupt(lc fx.Lifecycle) *interrupt {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return &interrupt{ctx: ctx, cancel: cancel}
}

// newTerminal opens the keypad and the status output next to it: the
// terminal on stdin and stdout, or a serial console carrying both.
func newTerminal(cfg *config.Config, intr *interrupt, lc fx.Lifecycle, logger *zap.Logger) (*terminal, error) {
	var keys *keypad.Keypad
	var out io.Writer
	var err error

	if cfg.Console == config.ConsoleStdout {
		keys, err = keypad.Terminal(os.Stdin, logger, keypad.WithInterrupt(intr.cancel))
		out = os.Stdout
	} else {
		port := proto.NewSerial(cfg.Console)
		keys, err = keypad.Serial(port, logger, keypad.WithInterrupt(intr.cancel))
		out = port
	}
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return keys.Close()
		},
	})
	return &terminal{keys: keys, out: keys.Output(out)}, nil
}

func newConsole(t *terminal, logger *zap.Logger) *status.Console {
	return status.New(t.out, logger)
}

func newServices(cfg *config.Config, fs afero.Fs, t *terminal, logger *zap.Logger) viewer.Services {
	var usb proto.USB
	if cfg.Source == config.SourceVirtual {
		dev := virtual.NewDevice(filepath.Base(cfg.Image), cfg.Image)
		usb = virtual.NewUSB(dev, logger)
	} else {
		usb = hotplug.New(fs, cfg.DevDir, cfg.Match, logger)
	}

	var opts []fatfs.Option
	if cfg.Progress {
		opts = append(opts, fatfs.WithProgress(os.Stderr))
	}

	return viewer.Services{
		USB:        usb,
		Keys:       t.keys,
		Storage:    blockdev.New(fs, logger),
		Filesystem: fatfs.New(logger, opts...),
		Decoder:    decoder.New(logger),
	}
}

type closer interface {
	Close() error
}

// newPresenter opens the configured host display. A display that cannot be
// opened is logged and skipped; the run goes on without it.
func newPresenter(cfg *config.Config, fs afero.Fs, lc fx.Lifecycle, logger *zap.Logger) proto.Presenter {
	var p proto.Presenter
	var err error

	switch cfg.Present {
	case config.PresentFbdev:
		p, err = fbdev.Open(fs, cfg.Fbdev, logger)
	case config.PresentInch35:
		var screen *inch35.Screen
		screen, err = inch35.Open(proto.NewSerial(cfg.Screen), cfg.Light, logger)
		if err == nil {
			p = screen
			if cfg.Effect == config.EffectBlock {
				p = mixer.New(screen, logger, mixer.WithEffect(mixer.EffectBlock()))
			}
		}
	case config.PresentSnapshot:
		p = snapshot.New(fs, cfg.Snapshot, logger)
	case config.PresentRemote:
		p, err = remote.Dial(cfg.Remote, logger)
	}
	if err != nil {
		logger.With(zap.String("present", cfg.Present), zap.Error(err)).Warn("presenter unavailable")
		return nil
	}

	if c, ok := p.(closer); ok {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return c.Close()
			},
		})
	}
	return p
}

func newViewer(cfg *config.Config, svc viewer.Services, fb *bitmap.Framebuffer, console *status.Console, presenter proto.Presenter, logger *zap.Logger) *viewer.Viewer {
	var opts []viewer.Option
	if presenter != nil {
		opts = append(opts, viewer.WithPresenter(presenter))
	}
	if cfg.SelfTest {
		opts = append(opts, viewer.WithSelfTest(cfg.Pause))
	}
	return viewer.New(cfg.Mode, svc, fb, console, logger, opts...)
}

func run(v *viewer.Viewer, cfg *config.Config, intr *interrupt, lc fx.Lifecycle, shutdowner fx.Shutdowner, logger *zap.Logger) {
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.With(zap.Stringer("mode", cfg.Mode), zap.String("source", cfg.Source)).Info("start")
			go func() {
				defer close(done)
				if err := v.Run(intr.ctx); err != nil {
					logger.With(zap.Error(err)).Debug("run stopped")
				}
				logger.With(zap.Strings("released", v.Released())).Info("exit")
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			intr.cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
