package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Console output outside production, JSON in
// production. Components receive the logger by value; nothing reads a global.
func New(environment, service string) zerolog.Logger {
	level := zerolog.InfoLevel
	if environment != "production" {
		level = zerolog.DebugLevel
	}

	if environment == "production" {
		return zerolog.New(os.Stdout).Level(level).With().
			Timestamp().
			Str("service", service).
			Logger()
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}
