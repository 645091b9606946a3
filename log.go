package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// VerboseMode enables debug tracing of every encoded table
var VerboseMode = false

// logger is the package logger. It stays quiet unless verbose mode is on.
var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
	Level(zerolog.WarnLevel).
	With().Timestamp().Logger()

// SetupLogging points the package logger at w and picks the level from verbose
func SetupLogging(w io.Writer, verbose, noColor bool) {
	VerboseMode = verbose
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: noColor}).
		Level(level).
		With().Timestamp().Logger()
}
