// Package logging holds the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Logger is the global logger instance. It writes to stderr until Init is
// called with a different destination.
var Logger = newLogger(os.Stderr, log.InfoLevel)

func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
	})
}

// Init replaces the global logger. level is one of debug, info, warn, error;
// anything else falls back to info.
func Init(w io.Writer, level string) {
	if w == nil {
		w = os.Stderr
	}
	Logger = newLogger(w, ParseLevel(level))
}

// ParseLevel maps a config string to a log level.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// WithPrefix returns a child logger tagged with a component name.
func WithPrefix(prefix string) *log.Logger {
	return Logger.WithPrefix(prefix)
}

func Info(msg string, keyvals ...any)  { Logger.Info(msg, keyvals...) }
func Debug(msg string, keyvals ...any) { Logger.Debug(msg, keyvals...) }
func Warn(msg string, keyvals ...any)  { Logger.Warn(msg, keyvals...) }
func Error(msg string, keyvals ...any) { Logger.Error(msg, keyvals...) }
