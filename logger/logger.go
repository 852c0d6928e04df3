// Package logger provides the shared slog-based logger for the Loom runtime.
// Components obtain loggers through Get or the package-level helpers so that
// output format and level stay consistent across the process.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu            sync.RWMutex
	defaultLogger = slog.New(newTextHandler(os.Stderr, slog.LevelInfo, "simple"))
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, nil
	}
}

// Init initializes the logger with the specified level and format.
// format: "simple" (level + message), "verbose" (timestamp + level + message),
// "json" (structured JSON records).
func Init(level slog.Level, output io.Writer, format string) {
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	} else {
		handler = newTextHandler(output, level, format)
	}

	mu.Lock()
	defaultLogger = slog.New(handler)
	mu.Unlock()
}

func newTextHandler(output io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "simple" || format == "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}
	return slog.NewTextHandler(output, opts)
}

// Get returns the current default logger.
func Get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// With returns a logger with the given attributes attached.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// OpenLogFile opens (creating if needed) a log file for appending and returns
// a cleanup function that closes it.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

// Debug logs at debug level using the default logger.
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

// Info logs at info level using the default logger.
func Info(msg string, args ...any) { Get().Info(msg, args...) }

// Warn logs at warn level using the default logger.
func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

// Error logs at error level using the default logger.
func Error(msg string, args ...any) { Get().Error(msg, args...) }
