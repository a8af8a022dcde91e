// Package brufslog is the ambient logging layer threaded through a
// Filesystem: allocator refills, tree splits, and checksum
// failures are logged at a level matching their severity, the same
// granularity pkg/elog applies to vorteil's build pipeline, built on the
// same logrus/fatih-color stack rather than a bespoke logger.
package brufslog

import (
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger is the interface Filesystem and its subsystems log through. The
// components that hold a Logger treat a nil one as Nop.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// Nop is a Logger that discards everything, used whenever a caller does
// not supply one of its own.
var Nop Logger = nopLogger{}

// Logrus adapts a *logrus.Logger to the Logger interface, coloring
// warnings and errors the way the CLI-facing loggers in the corpus do.
type Logrus struct {
	L             *logrus.Logger
	DisableColors bool
}

// New builds a Logrus logger writing to the default logrus output at Info
// level.
func New() *Logrus {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return &Logrus{L: l}
}

func (lg *Logrus) Debugf(format string, args ...interface{}) {
	lg.L.Debugf(format, args...)
}

func (lg *Logrus) Infof(format string, args ...interface{}) {
	lg.L.Infof(format, args...)
}

func (lg *Logrus) Warnf(format string, args ...interface{}) {
	if lg.DisableColors {
		lg.L.Warnf(format, args...)
		return
	}
	lg.L.Warn(color.New(color.FgYellow).Sprintf(format, args...))
}

func (lg *Logrus) Errorf(format string, args ...interface{}) {
	if lg.DisableColors {
		lg.L.Errorf(format, args...)
		return
	}
	lg.L.Error(color.New(color.FgRed).Sprintf(format, args...))
}
