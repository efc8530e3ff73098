package log

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// MultiWriter fans every log line out to all registered appenders.
// A failing appender does not stop delivery to the others; the last
// error is reported.
type MultiWriter struct {
	writers []io.Writer
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{}
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(w io.Writer) *MultiWriter {
	m.writers = append(m.writers, w)
	return m
}

// FileAppenderOpt configures the rotating log file. Sizes are in
// megabytes, ages in days.
type FileAppenderOpt struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AddFileAppender attaches a size-rotated file target.
func (m *MultiWriter) AddFileAppender(opt FileAppenderOpt) *MultiWriter {
	return m.Add(&lumberjack.Logger{
		Filename:   opt.Filename,
		MaxSize:    opt.MaxSize,
		MaxBackups: opt.MaxBackups,
		MaxAge:     opt.MaxAge,
		Compress:   opt.Compress,
	})
}
