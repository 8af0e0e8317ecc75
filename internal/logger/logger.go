// Package logger provides the narrow logging interface used across hlsdl's
// collaborators, backed by the standard library's structured logger.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logger is the interface every collaborator in this module depends on.
// Nothing downstream of the processor ever takes a concrete logger.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	// With returns a derived logger that attaches key/value pairs to every
	// subsequent call, e.g. a per-worker logger tagged with its index.
	With(args ...any) Logger
}

// SlogLogger wraps slog.Logger to satisfy Logger.
type SlogLogger struct {
	*slog.Logger
}

// NewLogger creates a logger at the given level ("debug", "info", "warn",
// "error"; anything else falls back to "info"), writing JSON lines to stdout.
func NewLogger(level string) Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})

	return &SlogLogger{slog.New(handler)}
}

func (l *SlogLogger) Debugf(format string, v ...interface{}) {
	l.Debug(fmt.Sprintf(format, v...))
}

func (l *SlogLogger) Infof(format string, v ...interface{}) {
	l.Info(fmt.Sprintf(format, v...))
}

func (l *SlogLogger) Warnf(format string, v ...interface{}) {
	l.Warn(fmt.Sprintf(format, v...))
}

func (l *SlogLogger) Errorf(format string, v ...interface{}) {
	l.Error(fmt.Sprintf(format, v...))
}

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{l.Logger.With(args...)}
}

// Nop is a logger that discards everything, for tests and library callers
// that don't want any output.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}
func (Nop) With(...any) Logger            { return Nop{} }
