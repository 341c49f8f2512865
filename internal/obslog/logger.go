// Package obslog configures the structured logger used across the queue,
// following the same component-scoped zerolog wrapper the rest of the
// retrieved corpus uses for its services.
package obslog

import (
	"os"

	"github.com/rs/zerolog"
)

// Init configures the global zerolog defaults. level follows zerolog's own
// level names ("debug", "info", "warn", ...); an unrecognized level falls
// back to info. pretty switches to a human-readable console writer, meant
// for local development rather than production log collection.
func Init(level string, pretty bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	var w zerolog.ConsoleWriter
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
		base = zerolog.New(w).With().Timestamp().Logger()
		return
	}

	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Component returns a logger scoped to the given component name, e.g.
// "segment", "producer", "consumer", "queue", "retention".
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
