package proto

import (
	"context"
	"fmt"
)

// Event is a notification delivered by the USB service to the handler
// registered with Init.
type Event int

const (
	EventConnected Event = iota + 1
	EventDisconnected
	EventEnabled
	EventDisabled
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventEnabled:
		return "enabled"
	case EventDisabled:
		return "disabled"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Device is an opaque handle to an attached USB device.
type Device interface {
	Name() string
}

// PathDevice is a Device that is reachable through a node on the host, such
// as /dev/sda or a disk image file.
type PathDevice interface {
	Device
	Path() string
}

// EventHandler receives USB events. It is invoked on the goroutine that
// called Init or WaitForInterrupt.
type EventHandler func(event Event, dev Device) error

type InitFlags uint32

const DefaultInitFlags InitFlags = 0

type USB interface {
	Init(handler EventHandler, flags InitFlags) error
	ResetDevice(dev Device) error
	// WaitForInterrupt delivers pending events to the handler. It may return
	// without delivering any, after a bounded wait, so callers can check
	// other inputs between calls. It returns ctx.Err() once ctx is done.
	WaitForInterrupt(ctx context.Context) error
	Cleanup()
}
