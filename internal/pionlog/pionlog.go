// Package pionlog adapts log/slog to pion's logging interfaces.
//
// Domain components take a logging.LoggerFactory at construction. The relay
// and client binaries pass NewFactory(slogLogger) so that pion internals and
// our own components share the process logger.
package pionlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog's debug level; pion's trace output is very chatty.
const LevelTrace = slog.LevelDebug - 4

// Factory implements logging.LoggerFactory on top of a *slog.Logger.
type Factory struct {
	base *slog.Logger
}

func NewFactory(base *slog.Logger) *Factory {
	if base == nil {
		base = slog.Default()
	}
	return &Factory{base: base}
}

func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	return &leveled{log: f.base.With("scope", scope)}
}

type leveled struct {
	log *slog.Logger
}

func (l *leveled) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *leveled) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *leveled) Trace(msg string)                          { l.emit(LevelTrace, msg) }
func (l *leveled) Tracef(format string, args ...interface{}) { l.emitf(LevelTrace, format, args...) }
func (l *leveled) Debug(msg string)                          { l.emit(slog.LevelDebug, msg) }
func (l *leveled) Debugf(format string, args ...interface{}) { l.emitf(slog.LevelDebug, format, args...) }
func (l *leveled) Info(msg string)                           { l.emit(slog.LevelInfo, msg) }
func (l *leveled) Infof(format string, args ...interface{})  { l.emitf(slog.LevelInfo, format, args...) }
func (l *leveled) Warn(msg string)                           { l.emit(slog.LevelWarn, msg) }
func (l *leveled) Warnf(format string, args ...interface{})  { l.emitf(slog.LevelWarn, format, args...) }
func (l *leveled) Error(msg string)                          { l.emit(slog.LevelError, msg) }
func (l *leveled) Errorf(format string, args ...interface{}) { l.emitf(slog.LevelError, format, args...) }

// OrDefault returns f, or pion's default factory when f is nil.
func OrDefault(f logging.LoggerFactory) logging.LoggerFactory {
	if f == nil {
		return logging.NewDefaultLoggerFactory()
	}
	return f
}
