package app

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates a JSON structured logger with an explicit log level.
// Every record carries a "service" attribute so parley lines are filterable
// when logs from several processes land in one stream.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	})

	log := slog.New(h).With("service", "parley")
	slog.SetDefault(log)
	return log
}

// parseLogLevel maps a config string to a slog level, defaulting to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
