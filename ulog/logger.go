package ulog

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the narrow logging surface the update log depends on:
// Debugf/Infof/Warnf/Errorf, plus SetWriter/Writer for temporarily
// discarding output during noisy recovery.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// SetWriter redirects log output, returning the previous writer.
	SetWriter(w io.Writer) io.Writer
	// Writer returns the current output destination.
	Writer() io.Writer
	// Silent suppresses all output when true.
	Silent(bool)
}

type logrusLogger struct {
	l *logrus.Logger
}

// NewLogger returns a Logger backed by logrus at debug level.
func NewLogger() Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return &logrusLogger{l: l}
}

func (g *logrusLogger) Debugf(format string, args ...interface{}) { g.l.Debugf(format, args...) }
func (g *logrusLogger) Infof(format string, args ...interface{})  { g.l.Infof(format, args...) }
func (g *logrusLogger) Warnf(format string, args ...interface{})  { g.l.Warnf(format, args...) }
func (g *logrusLogger) Errorf(format string, args ...interface{}) { g.l.Errorf(format, args...) }

func (g *logrusLogger) SetWriter(w io.Writer) io.Writer {
	prev := g.l.Out
	g.l.SetOutput(w)
	return prev
}

func (g *logrusLogger) Writer() io.Writer { return g.l.Out }

func (g *logrusLogger) Silent(silent bool) {
	if silent {
		g.l.SetLevel(logrus.PanicLevel)
	} else {
		g.l.SetLevel(logrus.DebugLevel)
	}
}
