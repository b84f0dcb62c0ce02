// Package logging sets up the process-wide structured logger. Grounded in
// cmd/nightcrier's setupLogging: a single slog.Handler installed once at
// startup, never a per-package logger instance.
package logging

import (
	"log/slog"
	"os"
)

// Setup installs a text-handler slog.Logger as the package default,
// filtered at the given level ("debug", "info", "warn", "error"; anything
// else falls back to info).
func Setup(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
