// Package log builds the broker's zerolog loggers. One base logger is
// configured per process; subsystems derive tagged children from it so
// a session's output can be filtered by component, module, or rank.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the process-wide base logger.
type Options struct {
	// Level is a zerolog level name (debug, info, warn, error).
	// Unrecognized or empty values fall back to info.
	Level string
	// JSON emits structured records instead of the human console form.
	JSON bool
	// Output defaults to stderr, keeping stdout clean for runlevel
	// subprocess plumbing.
	Output io.Writer
}

// The zero-value base logs nothing until Setup runs; early constructor
// calls in tests and tools stay quiet rather than misconfigured.
var base = zerolog.Nop()

// Setup installs the process-wide base logger and returns it. Called
// once from the CLI entry point before any broker state exists.
func Setup(opts Options) zerolog.Logger {
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}
	var out io.Writer = w
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return base
}

// Component derives a logger tagged with a broker subsystem name
// (router, overlay, runlevel, ...).
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Module derives a logger tagged with a loaded module's name.
func Module(name string) zerolog.Logger {
	return base.With().Str("module", name).Logger()
}

// Rank derives a logger tagged with a broker's tree position, for code
// paths that outlive a single component.
func Rank(rank uint32) zerolog.Logger {
	return base.With().Uint32("rank", rank).Logger()
}
