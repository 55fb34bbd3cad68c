package proto

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.bug.st/serial"
)

var ErrPortNotFound = errors.New("serial port not found")

type Options struct {
	DTR         bool
	RTS         bool
	BaudRate    int
	ReadTimeout time.Duration
}

// NewSerial returns a Serial that opens the first port whose name contains
// name.
func NewSerial(name string) *Serial {
	return &Serial{name: name}
}

type Serial struct {
	name string
	path string
	port serial.Port
}

func (s *Serial) Ports() ([]string, error) {
	return serial.GetPortsList()
}

func (s *Serial) Path() string {
	return s.path
}

func (s *Serial) Open(opts *Options) error {
	ports, err := s.Ports()
	if err != nil {
		return errors.Wrap(err, "list serial ports")
	}

	matched := lo.Filter(ports, func(p string, _ int) bool {
		return strings.Contains(p, s.name)
	})
	if len(matched) == 0 {
		return errors.Wrapf(ErrPortNotFound, "match %q", s.name)
	}

	port, err := serial.Open(matched[0], &serial.Mode{BaudRate: opts.BaudRate})
	if err != nil {
		return errors.Wrapf(err, "open %s", matched[0])
	}

	if err := port.SetDTR(opts.DTR); err != nil {
		_ = port.Close()
		return err
	}

	if err := port.SetRTS(opts.RTS); err != nil {
		_ = port.Close()
		return err
	}

	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			_ = port.Close()
			return err
		}
	}

	s.path = matched[0]
	s.port = port
	return nil
}

func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}

func (s *Serial) Read(p []byte) (n int, err error) {
	return s.port.Read(p)
}

func (s *Serial) Write(p []byte) (n int, err error) {
	return s.port.Write(p)
}
