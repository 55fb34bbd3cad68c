package status

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestConsole_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := New(&buf, zap.NewNop())

	c.Line("opened msd")
	c.Linef("file size: %d", 512)

	assert.Equal(t, "opened msd\nfile size: 512\n", buf.String())
}

func TestConsole_Line_Truncates(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := New(&buf, zap.NewNop())

	c.Line(strings.Repeat("x", MaxLineLength+40))

	assert.Equal(t, strings.Repeat("x", MaxLineLength)+"\n", buf.String())
}
