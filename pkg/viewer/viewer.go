// Package viewer runs the whole show: USB bring-up, mass storage, volume,
// file, image pipeline and presentation, and releases everything it acquired
// in reverse order however the run ends.
package viewer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"usbview/pkg/bitmap"
	"usbview/pkg/bringup"
	"usbview/pkg/loader"
	"usbview/pkg/pipeline"
	"usbview/pkg/proto"
	"usbview/pkg/render"
	"usbview/pkg/status"
	"usbview/pkg/storage"
)

// Services are the external collaborators a run drives.
type Services struct {
	USB        proto.USB
	Keys       proto.Keypad
	Storage    proto.MassStorage
	Filesystem proto.Filesystem
	Decoder    proto.Decoder
}

func New(mode pipeline.Mode, svc Services, fb *bitmap.Framebuffer, console *status.Console, logger *zap.Logger, opts ...Option) *Viewer {
	rd := render.New(logger)

	v := &Viewer{
		usb:      svc.USB,
		keys:     svc.Keys,
		fb:       fb,
		console:  console,
		logger:   logger.With(zap.String("via", "viewer")),
		bringup:  bringup.New(svc.USB, svc.Keys, console, logger),
		mounter:  storage.NewMounter(svc.Storage, console, logger),
		opener:   storage.NewVolumeOpener(svc.Filesystem, console, logger),
		loader:   loader.New(console, logger),
		renderer: rd,
		// options
		capacity: storage.MaxPartitions,
		pause:    time.Second,
	}
	v.pipeline = pipeline.New(mode, v.loader, svc.Decoder, rd, svc.Keys, console, logger)

	for _, opt := range opts {
		opt(v)
	}

	return v
}

type Viewer struct {
	usb     proto.USB
	keys    proto.Keypad
	fb      *bitmap.Framebuffer
	console *status.Console
	logger  *zap.Logger

	bringup  *bringup.Bringup
	mounter  *storage.Mounter
	opener   *storage.VolumeOpener
	loader   *loader.Loader
	renderer *render.Renderer
	pipeline *pipeline.Pipeline

	// options
	presenter proto.Presenter
	selfTest  bool
	pause     time.Duration
	capacity  int

	released []string
}

// Released names the resources freed by the last Run, in release order.
func (v *Viewer) Released() []string {
	return v.released
}

// Run performs one complete run and waits for a final key press. The returned
// error describes why the run stopped early; it never changes the process
// outcome.
func (v *Viewer) Run(ctx context.Context) error {
	td := &teardown{logger: v.logger}

	err := v.run(ctx, td)
	v.released = td.run()

	if err != nil {
		v.logger.With(zap.Error(err)).Info("run ended early")
	} else {
		v.logger.Info("run complete")
	}

	if werr := v.keys.Wait(ctx); werr != nil {
		v.logger.With(zap.Error(werr)).Debug("final key wait interrupted")
	}

	return err
}

func (v *Viewer) run(ctx context.Context, td *teardown) error {
	table, err := storage.NewPartitionTable(v.capacity)
	if err != nil {
		return err
	}

	if v.selfTest {
		if err := v.renderer.SelfTest(ctx, v.fb, v.present, v.pause); err != nil {
			return err
		}
	}

	td.push("usb", func() error {
		v.usb.Cleanup()
		return nil
	})

	sess := &bringup.Session{}
	outcome, err := v.bringup.Run(ctx, sess)
	v.logger.With(zap.Stringer("outcome", outcome), zap.Int("retries", v.bringup.Retries())).Debug("bring-up done")
	if err != nil {
		return err
	}

	td.push("msd", sess.CloseStorage)
	if _, err := v.mounter.Mount(sess, table); err != nil {
		return err
	}

	vol, _, err := v.opener.Open(sess.Storage(), table)
	if err != nil {
		return err
	}
	td.push("fat", vol.Close)

	f, err := v.loader.Open(vol, v.pipeline.Mode().Path())
	if err != nil {
		return err
	}

	if err := v.pipeline.Run(ctx, f, v.fb); err != nil {
		return err
	}

	return v.present()
}

func (v *Viewer) present() error {
	if v.presenter == nil {
		return nil
	}
	return v.presenter.Present(v.fb)
}
