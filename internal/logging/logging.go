// Package logging builds the slog loggers used by the exepack binaries.
//
// When stderr is a terminal the output is slog's text format; when it is
// piped or redirected it is JSON, so build systems can parse it. The
// level defaults per binary and can be overridden by an environment
// variable.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// EnvLogLevel overrides the level of every exepack binary.
const EnvLogLevel = "EXEPACK_LOG_LEVEL"

// New returns a logger writing to stderr at level.
func New(level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stderr, isTerminal(os.Stderr), level)
}

// NewWithWriter returns a logger writing to w, in text form when text is
// set and JSON otherwise.
func NewWithWriter(w io.Writer, text bool, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if text {
		handler = slog.NewTextHandler(w, options)
	} else {
		handler = slog.NewJSONHandler(w, options)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// LevelFromEnv returns the level named by EnvLogLevel, or fallback when
// the variable is unset or unparseable.
func LevelFromEnv(fallback slog.Level) slog.Level {
	if level, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		return level
	}
	return fallback
}

// ParseLevel parses a level name. The second result is false for empty
// or unknown names.
func ParseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace", "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "off", "none", "disabled":
		return slog.LevelError + 1, true
	default:
		return slog.LevelInfo, false
	}
}

// IsTruthy reports whether an environment value means "enabled".
func IsTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "1", "on":
		return true
	default:
		return false
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
