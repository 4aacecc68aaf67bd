package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	logger *slog.Logger
}

// Setup installs the process-wide slog handler. format is "text" or "json".
func Setup(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// NewLogger creates a new logger with a component prefix
func NewLogger(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		logger: slog.Default().With("component", prefix),
	}
}

// With returns a child logger carrying the given key-value pairs on every line
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		prefix: l.prefix,
		logger: l.logger.With(keysAndValues...),
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

// AsynqAdapter satisfies asynq.Logger so the queue server logs through slog
// instead of its internal logger.
type AsynqAdapter struct {
	L *Logger
}

func (a AsynqAdapter) Debug(args ...interface{}) { a.L.Debug(fmt.Sprint(args...)) }
func (a AsynqAdapter) Info(args ...interface{})  { a.L.Info(fmt.Sprint(args...)) }
func (a AsynqAdapter) Warn(args ...interface{})  { a.L.Warn(fmt.Sprint(args...)) }
func (a AsynqAdapter) Error(args ...interface{}) { a.L.Error(fmt.Sprint(args...)) }

func (a AsynqAdapter) Fatal(args ...interface{}) {
	a.L.Error(fmt.Sprint(args...))
	os.Exit(1)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
