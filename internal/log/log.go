// Package log configures the process-wide structured logger.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup initializes the global logger. Format is "console" or "json";
// level is any zerolog level name (empty means info).
func Setup(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}

// ForAgent returns a child logger tagged with the agent name.
func ForAgent(base zerolog.Logger, agent string) zerolog.Logger {
	return base.With().Str("agent", agent).Logger()
}

// Nop returns a disabled logger for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
