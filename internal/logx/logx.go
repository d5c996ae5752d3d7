// Package logx builds the library's slog loggers. Verbosity is
// controlled by the TICKETING_LOG environment variable, which accepts
// the standard severity names (DEBUG, INFO, WARN, ERROR, any case).
// Absent or unrecognized values fall back to INFO.
package logx

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// EnvVar is the single environment variable the library recognizes.
const EnvVar = "TICKETING_LOG"

var (
	once    sync.Once
	handler slog.Handler
)

// New returns a logger tagged with the backend tool name.
func New(tool string) *slog.Logger {
	once.Do(func() {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: levelFromEnv(os.Getenv(EnvVar)),
		})
	})
	return slog.New(handler).With("tool", tool)
}

func levelFromEnv(v string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
