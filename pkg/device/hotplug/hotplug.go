// Package hotplug is a host USB service that reports USB mass-storage devices
// as they appear in and vanish from a device directory such as
// /dev/disk/by-id.
package hotplug

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"usbview/pkg/proto"
)

const DefaultDir = "/dev/disk/by-id"

var (
	ErrNotInitialized = errors.New("usb service not initialized")
	ErrNotDir         = errors.New("device directory is not a directory")
	ErrUnknownDevice  = errors.New("unknown device")
)

// Device is a whole-disk node found in the device directory.
type Device struct {
	name string
	path string
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Path() string {
	return d.path
}

type Option func(u *USB)

// WithInterval sets how often the device directory is rescanned. It also
// bounds how long WaitForInterrupt blocks without delivering anything.
func WithInterval(d time.Duration) Option {
	return func(u *USB) {
		u.interval = d
	}
}

// New watches dir for entries named usb-* that contain match (case
// insensitive). An empty match accepts every USB disk. Partition nodes are
// ignored. On the OS filesystem the directory is also watched with inotify so
// a plugged stick is seen before the next rescan.
func New(fs afero.Fs, dir, match string, logger *zap.Logger, opts ...Option) *USB {
	u := &USB{
		fs:       fs,
		dir:      dir,
		match:    strings.ToLower(match),
		logger:   logger.With(zap.String("via", "hotplug")),
		interval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type USB struct {
	fs       afero.Fs
	dir      string
	match    string
	logger   *zap.Logger
	interval time.Duration

	handler proto.EventHandler
	known   map[string]*Device
	pending []pendingEvent
	ticker  *time.Ticker
	watcher *fsnotify.Watcher
}

type pendingEvent struct {
	event proto.Event
	dev   *Device
}

func (u *USB) Init(handler proto.EventHandler, _ proto.InitFlags) error {
	fi, err := u.fs.Stat(u.dir)
	if err != nil {
		return errors.Wrapf(err, "stat %s", u.dir)
	}
	if !fi.IsDir() {
		return errors.Wrap(ErrNotDir, u.dir)
	}

	u.stop()
	u.handler = handler
	u.known = map[string]*Device{}
	u.pending = nil
	u.ticker = time.NewTicker(u.interval)
	u.watcher = u.watch()

	u.logger.With(
		zap.String("dir", u.dir),
		zap.String("match", u.match),
		zap.Bool("inotify", u.watcher != nil),
	).Debug("init")
	return nil
}

// watch returns nil when fs is not the OS filesystem or inotify is
// unavailable; the ticker alone drives rescans then.
func (u *USB) watch() *fsnotify.Watcher {
	if _, ok := u.fs.(*afero.OsFs); !ok {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		u.logger.With(zap.Error(err)).Warn("inotify unavailable")
		return nil
	}
	if err := w.Add(u.dir); err != nil {
		u.logger.With(zap.Error(err)).Warn("inotify unavailable")
		_ = w.Close()
		return nil
	}
	return w
}

// ResetDevice checks the device node can be opened and queues an enabled or
// disabled event. The result is delivered by the next WaitForInterrupt, not
// before the next tick.
func (u *USB) ResetDevice(dev proto.Device) error {
	if u.handler == nil {
		return ErrNotInitialized
	}

	d, ok := u.known[dev.Name()]
	if !ok {
		return errors.Wrap(ErrUnknownDevice, dev.Name())
	}

	event := proto.EventEnabled
	f, err := u.fs.OpenFile(d.path, os.O_RDONLY, 0)
	if err != nil {
		u.logger.With(zap.String("device", d.name), zap.Error(err)).Info("device not usable")
		event = proto.EventDisabled
	} else {
		_ = f.Close()
	}

	u.pending = append(u.pending, pendingEvent{event: event, dev: d})
	return nil
}

// WaitForInterrupt waits for the next tick or directory change, rescans the
// device directory and delivers whatever is queued. It returns after one
// interval at most, with or without events, so callers can poll other inputs
// between calls.
func (u *USB) WaitForInterrupt(ctx context.Context) error {
	if u.handler == nil {
		return ErrNotInitialized
	}

	var changes <-chan fsnotify.Event
	var failures <-chan error
	if u.watcher != nil {
		changes = u.watcher.Events
		failures = u.watcher.Errors
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-u.ticker.C:
	case ev := <-changes:
		u.logger.With(zap.Stringer("change", ev)).Debug("inotify")
	case err := <-failures:
		u.logger.With(zap.Error(err)).Warn("inotify")
	}

	if err := u.scan(); err != nil {
		return err
	}
	return u.deliver()
}

func (u *USB) deliver() error {
	events := u.pending
	u.pending = nil

	for _, p := range events {
		u.logger.With(zap.Stringer("event", p.event), zap.String("device", p.dev.name)).Debug("deliver")
		if err := u.handler(p.event, p.dev); err != nil {
			return err
		}
	}
	return nil
}

func (u *USB) scan() error {
	names, err := afero.ReadDir(u.fs, u.dir)
	if err != nil {
		return errors.Wrapf(err, "read %s", u.dir)
	}

	present := lo.Filter(lo.Map(names, func(fi os.FileInfo, _ int) string {
		return fi.Name()
	}), func(name string, _ int) bool {
		return u.matches(name)
	})
	sort.Strings(present)

	seen := map[string]bool{}
	for _, name := range present {
		seen[name] = true
		if _, ok := u.known[name]; ok {
			continue
		}
		d := &Device{name: name, path: filepath.Join(u.dir, name)}
		u.known[name] = d
		u.pending = append(u.pending, pendingEvent{event: proto.EventConnected, dev: d})
	}

	gone := lo.Filter(lo.Keys(u.known), func(name string, _ int) bool {
		return !seen[name]
	})
	sort.Strings(gone)
	for _, name := range gone {
		u.pending = append(u.pending, pendingEvent{event: proto.EventDisconnected, dev: u.known[name]})
		delete(u.known, name)
	}

	return nil
}

func (u *USB) matches(name string) bool {
	lower := strings.ToLower(name)
	if !strings.HasPrefix(lower, "usb-") || strings.Contains(lower, "-part") {
		return false
	}
	return u.match == "" || strings.Contains(lower, u.match)
}

func (u *USB) Cleanup() {
	u.stop()
	u.handler = nil
	u.known = nil
	u.pending = nil
	u.logger.Debug("cleanup")
}

func (u *USB) stop() {
	if u.ticker != nil {
		u.ticker.Stop()
		u.ticker = nil
	}
	if u.watcher != nil {
		_ = u.watcher.Close()
		u.watcher = nil
	}
}
