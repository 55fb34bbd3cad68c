package viewer

import (
	"go.uber.org/zap"
)

type undo struct {
	name string
	fn   func() error
}

// teardown releases acquired resources in reverse acquisition order.
type teardown struct {
	steps  []undo
	logger *zap.Logger
}

func (t *teardown) push(name string, fn func() error) {
	t.steps = append(t.steps, undo{name: name, fn: fn})
}

// run unwinds every step once. Failures are logged and do not stop the
// unwinding.
func (t *teardown) run() []string {
	done := make([]string, 0, len(t.steps))
	for i := len(t.steps) - 1; i >= 0; i-- {
		s := t.steps[i]
		if err := s.fn(); err != nil {
			t.logger.With(zap.String("step", s.name), zap.Error(err)).Info("teardown step failed")
		} else {
			t.logger.With(zap.String("step", s.name)).Debug("released")
		}
		done = append(done, s.name)
	}
	t.steps = nil
	return done
}
