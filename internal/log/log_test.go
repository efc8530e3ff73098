package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer, level logrus.Level) Logger {
	l := logrus.New()
	l.SetFormatter(&formatter{
		pattern: "%time [%level] %field %msg\n",
		time:    "15:04:05.000",
	})
	l.SetLevel(level)
	l.SetOutput(buf)
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}

func TestGetLoggerWithoutInit(t *testing.T) {
	l := GetLogger()
	require.NotNil(t, l)
	// Derived loggers share the same backend.
	assert.NotNil(t, l.WithField("component", "test"))
}

func TestFormatterPattern(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, logrus.InfoLevel)

	l.WithField("component", "rtp").Info("packet parsed")

	out := buf.String()
	assert.Contains(t, out, "[info]")
	assert.Contains(t, out, "component=rtp")
	assert.Contains(t, out, "packet parsed")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, logrus.WarnLevel)

	l.Debug("hidden")
	l.Info("also hidden")
	l.Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.False(t, l.IsDebugEnabled())
	assert.False(t, l.IsInfoEnabled())
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, logrus.InfoLevel)

	l.WithError(assert.AnError).Warn("operation failed")
	assert.Contains(t, buf.String(), "error=")
}

func TestMultiWriterFansOut(t *testing.T) {
	var a, b bytes.Buffer
	w := NewMultiWriter().Add(&a).Add(&b)

	n, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "line\n", a.String())
	assert.Equal(t, "line\n", b.String())
}
