package telemetry

import (
	"io"
	"log"
)

// Logger is the minimal logging surface the engine needs. *log.Logger
// satisfies it, and tests pass a discard logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return log.New(io.Discard, "", 0)
}
