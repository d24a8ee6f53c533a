// Package applog wraps charmbracelet/log into the leveled taxonomy spec
// for this system: error, warning, info, verbose, debug. No
// package-level global sink is kept; a Logger is constructed once by
// main and passed down to every component that needs one.
package applog

import (
	"io"
	"os"

	charm "github.com/charmbracelet/log"
)

// Logger is the sink injected into session/transceiver/stream
// constructors. Verbose maps onto charm's Debug level tagged with a
// "verbose" field so it can be told apart from Debug in output; Debug
// additionally turns on caller reporting.
type Logger struct {
	l *charm.Logger
}

// New builds a Logger writing to w at the given level ("error",
// "warning", "info", "verbose", "debug"). An empty level defaults to
// "info".
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := charm.Options{
		ReportTimestamp: true,
	}

	l := charm.NewWithOptions(w, opts)

	switch level {
	case "error":
		l.SetLevel(charm.ErrorLevel)
	case "warning":
		l.SetLevel(charm.WarnLevel)
	case "info", "":
		l.SetLevel(charm.InfoLevel)
	case "verbose":
		l.SetLevel(charm.DebugLevel)
	case "debug":
		l.SetLevel(charm.DebugLevel)
		l.SetReportCaller(true)
	default:
		l.SetLevel(charm.InfoLevel)
	}

	return &Logger{l: l}
}

// Discard builds a Logger that only surfaces errors, used for
// --disable-log.
func Discard() *Logger {
	l := charm.NewWithOptions(os.Stderr, charm.Options{})
	l.SetLevel(charm.ErrorLevel)
	return &Logger{l: l}
}

func (lg *Logger) Error(msg string, kv ...any)   { lg.l.Error(msg, kv...) }
func (lg *Logger) Warning(msg string, kv ...any) { lg.l.Warn(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)    { lg.l.Info(msg, kv...) }

// Verbose logs at Debug level with a discriminating field, per spec
// §9's five-level taxonomy (error, warning, info, verbose, debug).
func (lg *Logger) Verbose(msg string, kv ...any) {
	lg.l.Debug(msg, append([]any{"tier", "verbose"}, kv...)...)
}

func (lg *Logger) Debug(msg string, kv ...any) {
	lg.l.Debug(msg, append([]any{"tier", "debug"}, kv...)...)
}

// With returns a child logger with the given key/value pairs attached to
// every subsequent line, mirroring charm's own With.
func (lg *Logger) With(kv ...any) *Logger {
	return &Logger{l: lg.l.With(kv...)}
}
