// Package logging builds the structured zerolog logger used across the
// service, in the teacher's style (JSON by default, pretty console under
// debug, timestamp + service fields attached once at construction).
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a logger. In debug mode it switches to a human-readable
// console writer and lowers the level to debug regardless of levelName.
func New(levelName string, debug bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stdout
	logger := zerolog.New(writerFor(debug, writer)).
		With().
		Timestamp().
		Str("service", "link-server").
		Logger()

	return logger
}

func writerFor(debug bool, out *os.File) zerolog.LevelWriter {
	if debug {
		return zerolog.MultiLevelWriter(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		})
	}
	return zerolog.MultiLevelWriter(out)
}
