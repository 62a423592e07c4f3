// Package nslog provides the structured logging used across nsfs,
// built on logrus the same way the teacher corpus wires its own
// logging (rclone's go.mod pins github.com/sirupsen/logrus).
package nslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// base is the process-wide logger. It is not exported mutable global
// state beyond its level, which SetVerbosity adjusts once at startup
// from the CLI's -v/-q flags, per spec.md §9's "no mutable global
// registry path" guidance applied to logging configuration too.
var base = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}()

// SetVerbosity maps the CLI's -v/--verbose and -q/--quiet flags onto a
// log level: verbose wins if both are set.
func SetVerbosity(verbose, quiet bool) {
	switch {
	case verbose:
		base.SetLevel(logrus.DebugLevel)
	case quiet:
		base.SetLevel(logrus.ErrorLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}
}

// For returns a logger tagged with a "component" field, the way each
// nsfs package identifies its own log lines.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
