// Package keypad turns a byte stream (a raw terminal or a serial console)
// into key presses.
package keypad

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/term"

	"usbview/pkg/proto"
)

const ctrlC = 0x03

var ErrClosed = errors.New("keypad input closed")

type Option func(k *Keypad)

// WithInterrupt calls cancel when Ctrl-C arrives instead of reporting a key.
func WithInterrupt(cancel context.CancelFunc) Option {
	return func(k *Keypad) {
		k.interrupt = cancel
	}
}

// New reads r on its own goroutine until it fails. Every byte is one key
// press.
func New(r io.Reader, logger *zap.Logger, opts ...Option) *Keypad {
	k := &Keypad{
		presses: make(chan byte, 16),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("via", "keypad")),
	}
	for _, opt := range opts {
		opt(k)
	}

	go k.read(r)
	return k
}

type Keypad struct {
	presses   chan byte
	done      chan struct{}
	logger    *zap.Logger
	interrupt context.CancelFunc
	// raw inputs come with an output that needs explicit carriage returns
	raw bool

	closeOnce sync.Once
	closers   []func() error
}

func (k *Keypad) read(r io.Reader) {
	defer close(k.done)

	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == ctrlC && k.interrupt != nil {
				k.logger.Info("interrupt")
				k.interrupt()
				continue
			}
			select {
			case k.presses <- b:
			default:
				// nobody is waiting; the press is dropped
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				k.logger.With(zap.Error(err)).Info("read failed")
			}
			return
		}
	}
}

// Pressed consumes one pending key press without blocking.
func (k *Keypad) Pressed() bool {
	select {
	case <-k.presses:
		return true
	default:
		return false
	}
}

// Wait blocks until a key is pressed. Once the input has ended and no presses
// are left it returns ErrClosed.
func (k *Keypad) Wait(ctx context.Context) error {
	select {
	case <-k.presses:
		return nil
	default:
	}

	select {
	case <-k.presses:
		return nil
	case <-k.done:
		select {
		case <-k.presses:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the input. A reader goroutine blocked on a terminal keeps
// running until the process exits.
func (k *Keypad) Close() error {
	var err error
	k.closeOnce.Do(func() {
		for i := len(k.closers) - 1; i >= 0; i-- {
			if cerr := k.closers[i](); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// Terminal reads key presses from f, switching it to raw mode when it is a
// terminal so single keys arrive without Enter. Close restores the mode.
func Terminal(f *os.File, logger *zap.Logger, opts ...Option) (*Keypad, error) {
	var restore func() error

	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, errors.Wrap(err, "raw terminal")
		}
		restore = func() error {
			return term.Restore(fd, state)
		}
	}

	k := New(f, logger, opts...)
	if restore != nil {
		k.raw = true
		k.closers = append(k.closers, restore)
	}
	return k, nil
}

// Serial reads key presses from a serial console.
func Serial(s *proto.Serial, logger *zap.Logger, opts ...Option) (*Keypad, error) {
	if err := s.Open(&proto.Options{BaudRate: 115200, ReadTimeout: 100 * time.Millisecond}); err != nil {
		return nil, err
	}

	k := New(timeoutReader{s}, logger.With(zap.String("port", s.Path())), opts...)
	k.raw = true
	k.closers = append(k.closers, s.Close)
	return k, nil
}

// Output returns the writer to pair with this keypad: w itself, or w with
// every line break preceded by a carriage return when the input side is raw.
func (k *Keypad) Output(w io.Writer) io.Writer {
	if !k.raw {
		return w
	}
	return crlfWriter{w}
}

type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// timeoutReader hides the empty reads a serial port returns when its read
// timeout expires.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	for {
		n, err := t.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
