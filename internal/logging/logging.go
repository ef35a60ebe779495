// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// EnvLogLevel overrides the level selected by the verbosity flag.
const EnvLogLevel = "POOLBOOT_LOG_LEVEL"

// Setup returns a console logger on stderr. verbose selects debug level;
// POOLBOOT_LOG_LEVEL wins over the flag when set.
func Setup(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	if env := strings.TrimSpace(os.Getenv(EnvLogLevel)); env != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(env)); err == nil {
			level = parsed
		}
	}

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
