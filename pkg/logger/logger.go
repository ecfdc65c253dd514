// Package logger provides component-tagged structured logging on top of
// logrus. Every call site names the component it logs for, so operators can
// filter one subsystem (eventbus, cache, platform) without a debugger.
package logger

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

var root = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339Nano,
		FullTimestamp:   true,
	}
	return l
}

// Configure applies the logging section of the config. Unknown levels fall
// back to info rather than failing startup.
func Configure(level, format string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	root.SetLevel(parsed)

	switch format {
	case "json":
		root.Formatter = &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			TimestampFormat: time.RFC3339Nano,
		}
	default:
		root.Formatter = &logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
		}
	}
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

func entry(component string, fields map[string]any) *logrus.Entry {
	e := root.WithField("component", component)
	if len(fields) > 0 {
		e = e.WithFields(logrus.Fields(fields))
	}
	return e
}

// DebugCF logs a debug message for a component with structured fields.
func DebugCF(component, msg string, fields map[string]any) {
	entry(component, fields).Debug(msg)
}

// InfoCF logs an info message for a component with structured fields.
func InfoCF(component, msg string, fields map[string]any) {
	entry(component, fields).Info(msg)
}

// WarnCF logs a warning for a component with structured fields.
func WarnCF(component, msg string, fields map[string]any) {
	entry(component, fields).Warn(msg)
}

// ErrorCF logs an error for a component with structured fields.
func ErrorCF(component, msg string, fields map[string]any) {
	entry(component, fields).Error(msg)
}
