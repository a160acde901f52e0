// Package logger provides a process-wide structured logger. Components call
// the package-level functions rather than threading a *zap.SugaredLogger
// through every constructor; the underlying logger is swappable for tests.
package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	l, _ := zap.NewProduction()
	singleton.Store(l.Sugar())
}

// Initialize installs a fresh production logger. Safe to call multiple
// times; later calls replace the singleton.
func Initialize() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	singleton.Store(l.Sugar())
}

// SetForTest installs a caller-provided logger, for use by test helpers
// that want to assert on captured output.
func SetForTest(l *zap.SugaredLogger) {
	singleton.Store(l)
}

func get() *zap.SugaredLogger {
	l := singleton.Load()
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	return l
}

// Debug logs at debug level.
func Debug(args ...any) { get().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(template string, args ...any) { get().Debugf(template, args...) }

// Debugw logs a message with structured key/value pairs at debug level.
func Debugw(msg string, kv ...any) { get().Debugw(msg, kv...) }

// Info logs at info level.
func Info(args ...any) { get().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(template string, args ...any) { get().Infof(template, args...) }

// Infow logs a message with structured key/value pairs at info level.
func Infow(msg string, kv ...any) { get().Infow(msg, kv...) }

// Warn logs at warn level.
func Warn(args ...any) { get().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(template string, args ...any) { get().Warnf(template, args...) }

// Warnw logs a message with structured key/value pairs at warn level.
func Warnw(msg string, kv ...any) { get().Warnw(msg, kv...) }

// Error logs at error level.
func Error(args ...any) { get().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(template string, args ...any) { get().Errorf(template, args...) }

// Errorw logs a message with structured key/value pairs at error level.
func Errorw(msg string, kv ...any) { get().Errorw(msg, kv...) }

// Fatalf logs a formatted message at fatal level and exits the process.
func Fatalf(template string, args ...any) { get().Fatalf(template, args...) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error { return get().Sync() }
