package virtual

import (
	"context"
	"sync"
)

// NewKeys returns a keypad that reports a press on the pressAt'th poll
// (1-based). Zero or less never presses during polling. Wait always returns
// at once, as if the user pressed a key immediately.
func NewKeys(pressAt int) *Keys {
	return &Keys{pressAt: pressAt}
}

type Keys struct {
	mu      sync.Mutex
	pressAt int
	polls   int
	waits   int
}

func (k *Keys) Pressed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.polls++
	return k.pressAt > 0 && k.polls == k.pressAt
}

func (k *Keys) Wait(ctx context.Context) error {
	k.mu.Lock()
	k.waits++
	k.mu.Unlock()
	return ctx.Err()
}

// Waits returns how many times Wait was called.
func (k *Keys) Waits() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.waits
}
