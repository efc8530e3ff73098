// Package log provides the process-wide structured logger. The concrete
// backend is logrus with a pattern-based formatter and optional rotating
// file output.
package log

import (
	"sync"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	once   sync.Once
	logger Logger
)

// GetLogger returns the global logger. Packages may call it before Init;
// in that case a stdout logger with default settings is created.
func GetLogger() Logger {
	once.Do(func() {
		if logger == nil {
			if err := initByConfig(DefaultConfig()); err != nil {
				panic(err)
			}
		}
	})
	return logger
}

// Init configures the global logger. Only the first call has effect.
func Init(cfg *LoggerConfig) {
	once.Do(func() {
		if err := initByConfig(cfg); err != nil {
			panic(err)
		}
	})
}
