// Package bvlog provides the leveled logging surface used throughout the
// supervisor. Every subsystem logs through here instead of fmt.Println so
// that an embedding application can redirect or silence supervisor output.
package bvlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component depends on. It is deliberately a
// small subset of *logrus.Entry so that test doubles are trivial to write.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) Debugf(format string, args ...any)   { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)    { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warningf(format string, args ...any) { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any)   { l.entry.Errorf(format, args...) }

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the global verbosity. Accepted values mirror logrus's own
// names ("debug", "info", "warning", "error").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// ForSandbox returns a Logger scoped to one sandbox UID, so that multiple
// supervisors sharing a process produce distinguishable log lines.
func ForSandbox(uid string) Logger {
	return &logrusLogger{entry: base.WithField("sandbox", uid)}
}

// ForComponent further scopes a sandbox logger to a named subsystem
// ("bootstrap", "dispatcher", "overlay", ...).
func ForComponent(uid, component string) Logger {
	return &logrusLogger{entry: base.WithField("sandbox", uid).WithField("component", component)}
}

// Discard is a Logger that drops everything; useful in unit tests that don't
// want log noise.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Debugf(string, ...any)   {}
func (discardLogger) Infof(string, ...any)    {}
func (discardLogger) Warningf(string, ...any) {}
func (discardLogger) Errorf(string, ...any)   {}
