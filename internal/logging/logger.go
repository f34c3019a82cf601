package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	RoverField     = "rover"
	TaskField      = "task"
	TaskKindField  = "task_kind"
	ComponentField = "component"
	CoordField     = "coord"
)

// New builds the process logger and installs it as the zerolog global.
// A nil out writes to stderr.
func New(level string, console bool, out io.Writer) (zerolog.Logger, error) {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if out == nil {
		out = os.Stderr
	}
	zerolog.SetGlobalLevel(l)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str(ComponentField, name).Logger()
}
