// Package logging builds the structured logger shared by the server and CLI.
package logging

import (
	"io"
	stdlog "log"
	"os"

	"github.com/charmbracelet/log"
)

// New creates a [log.Logger] writing to w with timestamps enabled.
// The writer defaults to [os.Stderr]; unknown levels fall back to info.
func New(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewWithOptions(w, log.Options{ReportTimestamp: true})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// ParseLevel converts a textual level ("debug", "warn", ...) to a [log.Level].
func ParseLevel(level string) log.Level {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Discard returns a logger that drops everything. Used as the default for
// components that were not handed a logger.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// Standard adapts l to the stdlib logger interface expected by third-party
// middleware such as chi's request logger.
func Standard(l *log.Logger) *stdlog.Logger {
	return l.StandardLog(log.StandardLogOptions{ForceLevel: log.InfoLevel})
}
