// Package blog is the broker's logging convention: a small,
// object-keyed leveled logger in the Logf(obj, format, args...),
// Debugf, Errorf, Infof shape, backed by logrus.
package blog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var logger = logrus.StandardLogger()

// SetLevel adjusts the process-wide log level; called once at startup
// from cmd/vfsbrokerd off a --log-level flag.
func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// Stringer is satisfied by anything nameable in a log line: triplets,
// nodes, descriptors, mount entries.
type Stringer interface {
	String() string
}

func entry(obj any) *logrus.Entry {
	if obj == nil {
		return logrus.NewEntry(logger)
	}
	if s, ok := obj.(Stringer); ok {
		return logger.WithField("obj", s.String())
	}
	return logger.WithField("obj", fmt.Sprintf("%v", obj))
}

// Debugf logs fine-grained tracing, off by default.
func Debugf(obj any, format string, args ...any) {
	entry(obj).Debugf(format, args...)
}

// Logf logs routine, always-on operational lines.
func Logf(obj any, format string, args ...any) {
	entry(obj).Infof(format, args...)
}

// Infof logs a notable but non-error event.
func Infof(obj any, format string, args ...any) {
	entry(obj).Infof(format, args...)
}

// Errorf logs a failure that surfaced to the caller as an error.
func Errorf(obj any, format string, args ...any) {
	entry(obj).Errorf(format, args...)
}
