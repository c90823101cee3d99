// Package logging builds the structured loggers shared by every server and
// provides the failure-isolation wrapper around user callbacks.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a logger.
type Options struct {
	// Level: debug, info, warn, error.
	Level string
	// Format: json (default) or pretty for development consoles.
	Format string
	// Service is stamped on every line so MultiServer logs stay attributable.
	Service string
}

// New creates a structured logger.
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout
	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	var level zerolog.Level
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", opts.Service).
		Logger()
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// RecoverPanic logs a panic with its stack and swallows it. Deferred around
// every user-provided callback: a broken hook must not take down the server
// loop, and the triggering message counts as delivered.
func RecoverPanic(logger zerolog.Logger, operation string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("operation", operation).
			Str("stack", string(debug.Stack())).
			Msg("Recovered panic in callback")
	}
}
