// Package logger provides named component loggers for the platform.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry bound to a named component. Services receive a
// *Logger at construction time and must not reach for a global logger.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger writing to the provided logrus instance.
func New(base *logrus.Logger, component string) *Logger {
	if base == nil {
		base = newBase()
	}
	return &Logger{entry: base.WithField("component", component)}
}

// NewDefault creates a logger with default formatting for the component.
// Level is taken from LOG_LEVEL (debug|info|warn|error), defaulting to info.
func NewDefault(component string) *Logger {
	return New(newBase(), component)
}

// NewWithLevel creates a named logger at an explicit level, overriding
// LOG_LEVEL. Used when the level comes from parsed configuration.
func NewWithLevel(component, level string) *Logger {
	base := newBase()
	base.SetLevel(parseLevel(level))
	return New(base, component)
}

func newBase() *logrus.Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	base.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	return base
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// WithField returns a logger with an additional structured field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with additional structured fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
