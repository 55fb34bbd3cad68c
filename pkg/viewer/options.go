package viewer

import (
	"time"

	"usbview/pkg/proto"
)

type Option func(v *Viewer)

// WithPresenter shows the frame on a host display after it is rendered.
func WithPresenter(p proto.Presenter) Option {
	return func(v *Viewer) {
		v.presenter = p
	}
}

// WithSelfTest runs the color fill pattern before bring-up, holding each
// color for pause.
func WithSelfTest(pause time.Duration) Option {
	return func(v *Viewer) {
		v.selfTest = true
		v.pause = pause
	}
}

// WithCapacity sets the partition table capacity.
func WithCapacity(capacity int) Option {
	return func(v *Viewer) {
		v.capacity = capacity
	}
}
