package bringup

import (
	"fmt"

	"usbview/pkg/proto"
)

type State int

const (
	StateIdle State = iota
	StateInitializing
	StateWaitingForDevice
	StateEnabled
	StateDisconnected
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateInitializing:     "initializing",
	StateWaitingForDevice: "waiting",
	StateEnabled:          "enabled",
	StateDisconnected:     "disconnected",
	StateFailed:           "failed",
	StateCancelled:        "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// listening reports whether the machine reacts to USB events in s.
func (s State) listening() bool {
	return s == StateWaitingForDevice || s == StateDisconnected || s == StateEnabled
}

// Action is the side effect the loop must perform after a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionReset asks the USB service to reset the event's device.
	ActionReset
	// ActionAttach records the event's device in the session.
	ActionAttach
	// ActionDetach closes any open storage and clears the session's device.
	ActionDetach
	// ActionRetry tears the USB service down and starts again from Idle.
	ActionRetry
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionReset:
		return "reset"
	case ActionAttach:
		return "attach"
	case ActionDetach:
		return "detach"
	case ActionRetry:
		return "retry"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Transition is the pure event step of the bring-up machine. A connect only
// requests a reset; it never changes state.
func Transition(s State, e proto.Event) (State, Action) {
	if !s.listening() {
		return s, ActionNone
	}

	switch e {
	case proto.EventConnected:
		return s, ActionReset
	case proto.EventEnabled:
		return StateEnabled, ActionAttach
	case proto.EventDisabled:
		return StateIdle, ActionRetry
	case proto.EventDisconnected:
		return StateDisconnected, ActionDetach
	}

	return s, ActionNone
}
