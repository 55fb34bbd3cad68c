// Package virtual provides scripted stand-ins for the USB host controller and
// the keypad, for demos without hardware and for tests.
package virtual

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"usbview/pkg/proto"
)

func NewDevice(name, path string) *Device {
	return &Device{name: name, path: path}
}

// Device is a virtual USB mass-storage device backed by a disk image path.
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

// Round scripts one Init..Cleanup cycle of the virtual controller.
type Round struct {
	InitErr error
	// Interrupts are delivered one batch per WaitForInterrupt call.
	Interrupts [][]proto.Event
	ResetErr   error
	// OnReset is delivered with the interrupt following a successful reset.
	OnReset proto.Event
}

// PlugIn is the round of a device that is present and enables after reset.
func PlugIn() Round {
	return Round{
		Interrupts: [][]proto.Event{{proto.EventConnected}},
		OnReset:    proto.EventEnabled,
	}
}

func NewUSB(dev proto.Device, logger *zap.Logger, rounds ...Round) *USB {
	if len(rounds) == 0 {
		rounds = []Round{PlugIn()}
	}
	return &USB{dev: dev, l: logger.With(zap.String("via", "virtual-usb")), rounds: rounds, round: -1}
}

type USB struct {
	mu     sync.Mutex
	dev    proto.Device
	l      *zap.Logger
	rounds []Round
	round  int
	batch  int
	reset  proto.Event

	handler proto.EventHandler
	calls   []string
}

// Calls returns the sequence of service calls made so far.
func (u *USB) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func (u *USB) record(call string) {
	u.mu.Lock()
	u.calls = append(u.calls, call)
	u.mu.Unlock()
	u.l.Debug(call)
}

func (u *USB) current() Round {
	if u.round < len(u.rounds) {
		return u.rounds[u.round]
	}
	return u.rounds[len(u.rounds)-1]
}

func (u *USB) Init(handler proto.EventHandler, _ proto.InitFlags) error {
	u.record("init")
	u.round++
	u.batch = 0
	u.reset = 0

	r := u.current()
	if r.InitErr != nil {
		return r.InitErr
	}

	u.handler = handler
	return nil
}

func (u *USB) ResetDevice(dev proto.Device) error {
	u.record("reset")

	r := u.current()
	if r.ResetErr != nil {
		return r.ResetErr
	}

	u.reset = r.OnReset
	return nil
}

func (u *USB) WaitForInterrupt(ctx context.Context) error {
	u.record("wait")

	if u.reset != 0 {
		e := u.reset
		u.reset = 0
		return u.handler(e, u.dev)
	}

	r := u.current()
	if u.batch >= len(r.Interrupts) {
		<-ctx.Done()
		return ctx.Err()
	}

	events := r.Interrupts[u.batch]
	u.batch++
	for _, e := range events {
		if err := u.handler(e, u.dev); err != nil {
			return err
		}
	}

	return nil
}

func (u *USB) Cleanup() {
	u.record("cleanup")
	u.handler = nil
}
