// Package logger provides logging utilities for the ego-cse service.
// It includes structured logging setup and configuration.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured JSON logger on stdout. The level comes
// from the LOG_LEVEL environment variable.
func NewLogger() *slog.Logger {
	return New(os.Getenv("LOG_LEVEL"), os.Stdout)
}

// New creates a structured JSON logger writing to w at the named level and
// installs it as the default logger.
func New(levelName string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(levelName),
		AddSource: true,
	}

	logger := slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
