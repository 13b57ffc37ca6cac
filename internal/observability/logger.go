package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	log *slog.Logger
}

// NewLogger writes JSON lines to stdout and, when logPath is set, to a
// size-rotated file.
func NewLogger(logPath, logLevel string) *Logger {
	var w io.Writer = os.Stdout
	if logPath != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return NewLoggerTo(w, logLevel)
}

func NewLoggerTo(w io.Writer, logLevel string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(logLevel)})
	return &Logger{log: slog.New(handler)}
}

// Nop discards everything. Handy in tests.
func Nop() *Logger {
	return NewLoggerTo(io.Discard, "error")
}

func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{log: l.log.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.log.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.log.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.log.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.log.Error(msg, fields...)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
