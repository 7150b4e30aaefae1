// Package tlblog supplies the explicit logger handle threaded through every
// constructor in the translation core, rather than a process-wide tracer
// singleton: callers construct a Logger once and pass it down.
package tlblog

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is satisfied by *logrus.Logger and *logrus.Entry alike, matching
// the Logger = logrus.FieldLogger alias convention used elsewhere for
// structured loggers that may or may not already carry fields.
type Logger = logrus.FieldLogger

// New builds a Logger at the given level ("trace", "debug", "info", "warn",
// "error"). An unrecognized level falls back to "info".
func New(level string) Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Nop returns a Logger that discards everything. The constructors that take
// a Logger (translationcache.New, tlbsystem.New, integrator.New) substitute
// Nop() when given nil.
func Nop() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
