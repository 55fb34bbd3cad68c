package proto

import "context"

// Keypad reports user key presses.
type Keypad interface {
	// Pressed consumes a pending key press, if any, without blocking.
	Pressed() bool
	// Wait blocks until a key is pressed.
	Wait(ctx context.Context) error
}
