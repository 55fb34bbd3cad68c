// Package bringup drives USB enumeration until one device is enabled.
//
// Events from the USB service are queued by the registered handler and
// applied one at a time through Transition by a single loop, so the session
// is only ever mutated from the caller's goroutine.
package bringup

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"usbview/pkg/proto"
	"usbview/pkg/status"
)

type Outcome int

const (
	OutcomeEnabled Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEnabled:
		return "enabled"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "failed"
}

var (
	ErrInit      = errors.New("usb init failed")
	ErrEnable    = errors.New("usb enable failed")
	ErrCancelled = errors.New("cancelled by user")
)

type pending struct {
	event proto.Event
	dev   proto.Device
}

func New(usb proto.USB, keys proto.Keypad, console *status.Console, logger *zap.Logger) *Bringup {
	return &Bringup{
		usb:     usb,
		keys:    keys,
		console: console,
		logger:  logger.With(zap.String("via", "bringup")),
	}
}

type Bringup struct {
	usb     proto.USB
	keys    proto.Keypad
	console *status.Console
	logger  *zap.Logger

	state   State
	queue   []pending
	retries int
}

func (b *Bringup) State() State {
	return b.state
}

// Retries returns how many times a disabled device restarted bring-up.
func (b *Bringup) Retries() int {
	return b.retries
}

func (b *Bringup) handle(event proto.Event, dev proto.Device) error {
	b.queue = append(b.queue, pending{event: event, dev: dev})
	return nil
}

// Run brings the USB link up and records the enabled device in sess. There is
// no retry limit on disabled devices; only a key press, a driver error or ctx
// ends an unsuccessful run. The caller owns USB cleanup on every outcome.
func (b *Bringup) Run(ctx context.Context, sess *Session) (Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			b.enter(StateFailed)
			return OutcomeFailed, err
		}

		b.enter(StateIdle)
		sess.Device = nil
		b.queue = b.queue[:0]

		b.enter(StateInitializing)
		if err := b.usb.Init(b.handle, proto.DefaultInitFlags); err != nil {
			b.enter(StateFailed)
			b.console.Line("usb init error.")
			return OutcomeFailed, fmt.Errorf("%w: %w", ErrInit, err)
		}

		b.enter(StateWaitingForDevice)
		b.console.Line("waiting for usb device")

		outcome, retry, err := b.wait(ctx, sess)
		if !retry {
			return outcome, err
		}

		b.retries++
		b.logger.With(zap.Int("retries", b.retries)).Debug("restarting")
		b.usb.Cleanup()
	}
}

func (b *Bringup) wait(ctx context.Context, sess *Session) (Outcome, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			b.enter(StateFailed)
			return OutcomeFailed, false, err
		}

		for len(b.queue) > 0 {
			p := b.queue[0]
			b.queue = b.queue[1:]

			retry, err := b.dispatch(p, sess)
			if err != nil {
				b.enter(StateFailed)
				b.console.Line("usb enable error.")
				return OutcomeFailed, false, fmt.Errorf("%w: %w", ErrEnable, err)
			}
			if retry {
				return OutcomeFailed, true, nil
			}
		}

		if sess.Device != nil {
			return OutcomeEnabled, false, nil
		}

		if b.keys.Pressed() {
			b.enter(StateCancelled)
			b.console.Line("exiting demo, press a key")
			return OutcomeCancelled, false, ErrCancelled
		}

		if err := b.usb.WaitForInterrupt(ctx); err != nil {
			b.enter(StateFailed)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return OutcomeFailed, false, ctxErr
			}
			b.console.Line("usb enable error.")
			return OutcomeFailed, false, fmt.Errorf("%w: %w", ErrEnable, err)
		}
	}
}

func (b *Bringup) dispatch(p pending, sess *Session) (bool, error) {
	next, action := Transition(b.state, p.event)

	b.logger.With(
		zap.Stringer("event", p.event),
		zap.Stringer("from", b.state),
		zap.Stringer("to", next),
		zap.Stringer("action", action),
	).Debug("transition")

	b.state = next

	switch action {
	case ActionReset:
		b.console.Line("usb device connected")
		return false, b.usb.ResetDevice(p.dev)
	case ActionAttach:
		sess.Device = p.dev
		b.console.Line("usb device enabled")
	case ActionDetach:
		b.console.Line("usb device disconnected")
		if err := sess.Detach(); err != nil {
			b.logger.With(zap.Error(err)).Info("close storage on disconnect failed")
		}
	case ActionRetry:
		b.console.Line("usb device disabled")
		return true, nil
	}

	return false, nil
}

func (b *Bringup) enter(s State) {
	b.state = s
}
