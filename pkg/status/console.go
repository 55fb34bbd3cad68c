// Package status writes the one-line-per-event status protocol shown to the
// user on the device's display surface.
package status

import (
	"fmt"
	"io"

	"go.uber.org/zap"
)

// MaxLineLength bounds a single status line, excluding the line break.
const MaxLineLength = 212

type Console struct {
	w      io.Writer
	logger *zap.Logger
}

func New(w io.Writer, logger *zap.Logger) *Console {
	return &Console{w: w, logger: logger.With(zap.String("via", "status"))}
}

// Line writes msg followed by a line break, truncated to MaxLineLength.
func (c *Console) Line(msg string) {
	if len(msg) > MaxLineLength {
		msg = msg[:MaxLineLength]
	}
	c.logger.Debug(msg)
	// the display surface has nowhere to report its own failures
	_, _ = io.WriteString(c.w, msg+"\n")
}

func (c *Console) Linef(format string, args ...interface{}) {
	c.Line(fmt.Sprintf(format, args...))
}
