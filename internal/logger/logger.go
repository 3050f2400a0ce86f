// Package logger provides structured logging setup using slog.
package logger

import (
	"log/slog"
	"os"
)

// New creates a new structured JSON logger at the given level.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// ForComponent returns a child logger tagged with the subsystem name.
func ForComponent(base *slog.Logger, component string) *slog.Logger {
	return base.With("component", component)
}

// ForBuilder returns a child logger tagged with the builder a scan
// cycle is operating on.
func ForBuilder(base *slog.Logger, name string) *slog.Logger {
	return base.With("builder", name)
}
