package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger on stdout tagged with component.
// LUBA_LOG_LEVEL sets the level (default info); LUBA_LOG_FORMAT=console
// switches to the human-readable writer for local runs.
func NewLogger(component string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if os.Getenv("LUBA_LOG_FORMAT") == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).
		Level(parseLogLevel(os.Getenv("LUBA_LOG_LEVEL"))).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
