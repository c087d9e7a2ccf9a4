// Package logging provides small helpers for dependency-injected
// structured logging.
//
// Design principles:
//   - Logging is dependency-injected, never global.
//   - Each component owns its own scoped logger, created once at
//     construction time via .With("component", ...).
//   - If no logger is provided, a discard logger is used.
//   - Global configuration (output format, level, destination) belongs
//     only in main().
package logging

import (
	"context"
	"fmt"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// LevelFromName maps the CLI log-level names
// (DEBUG|INFO|WARNING|ERROR) to an slog.Level.
func LevelFromName(name string) (slog.Level, error) {
	switch name {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown log level %q", name)
	}
}
