// Package logging sets up the process-wide structured logger. It generalizes
// the teacher's "INFO: "/"WARN: "/"ERROR: " log.Printf prefixing convention
// into log/slog levels and key=value attributes, keyed per subsystem.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger writing text-formatted records to stderr at the
// given level, with a "component" attribute pre-bound for the subsystem.
func New(level string, component string) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h).With("component", component)
}

func parseLevel(level string) slog.Level {
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
