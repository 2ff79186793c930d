package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

// Logger interface defines the logging methods
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	// With returns a child logger that adds fields to every entry.
	With(fields ...interface{}) Logger
}

// logger implementation
type loggerImpl struct {
	zl zerolog.Logger
}

// New creates a new logger instance writing at level or above to writers
func New(level zerolog.Level, writers ...io.Writer) Logger {
	multi := io.MultiWriter(writers...)
	zl := zerolog.New(multi).Level(level).With().Timestamp().Logger()
	return &loggerImpl{zl: zl}
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return &loggerImpl{zl: zerolog.Nop()}
}

// ParseLogLevel maps a config value to a zerolog level, defaulting to info
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ConsoleWriter returns a console writer
func ConsoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

// FileWriter returns a file writer with rotation
func FileWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
}

// Info logs an info message
func (l *loggerImpl) Info(msg string, fields ...interface{}) {
	logWithFields(l.zl.Info(), msg, fields...)
}

// Warn logs a warning message
func (l *loggerImpl) Warn(msg string, fields ...interface{}) {
	logWithFields(l.zl.Warn(), msg, fields...)
}

// Error logs an error message
func (l *loggerImpl) Error(msg string, fields ...interface{}) {
	logWithFields(l.zl.Error(), msg, fields...)
}

// Debug logs a debug message
func (l *loggerImpl) Debug(msg string, fields ...interface{}) {
	logWithFields(l.zl.Debug(), msg, fields...)
}

// Fatal logs a fatal message and exits
func (l *loggerImpl) Fatal(msg string, fields ...interface{}) {
	logWithFields(l.zl.Fatal(), msg, fields...)
}

func (l *loggerImpl) With(fields ...interface{}) Logger {
	return &loggerImpl{zl: l.zl.With().Fields(FieldsToMap(fields...)).Logger()}
}

// logWithFields adds structured fields to the event
func logWithFields(event *zerolog.Event, msg string, fields ...interface{}) {
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			event.Fields(m).Msg(msg)
			return
		}
	}
	// fallback: treat as key-value pairs
	if len(fields)%2 == 0 {
		for i := 0; i < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			// Special handling for error types
			if key == "error" {
				if err, ok := fields[i+1].(error); ok && err != nil {
					event = event.Err(err)
				} else {
					event = event.Interface(key, fields[i+1])
				}
			} else {
				event = event.Interface(key, fields[i+1])
			}
		}
	}
	event.Msg(msg)
}

// FieldsToMap converts key/value pairs or a single map into a field map.
// Errors are rendered as their message.
func FieldsToMap(fields ...interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			for k, v := range m {
				out[k] = v
			}
			return out
		}
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if err, ok := fields[i+1].(error); ok && err != nil {
			out[key] = err.Error()
			continue
		}
		out[key] = fields[i+1]
	}
	return out
}

// Notifier receives copies of error and fatal entries.
type Notifier interface {
	SendLogMessage(level, message string, fields map[string]interface{}) error
}

type notifyingLogger struct {
	Logger
	notifier Notifier
}

// WithDiscord forwards Error and Fatal entries to n in addition to l.
// A nil notifier returns l unchanged.
func WithDiscord(l Logger, n Notifier) Logger {
	if n == nil {
		return l
	}
	return &notifyingLogger{Logger: l, notifier: n}
}

func (l *notifyingLogger) Error(msg string, fields ...interface{}) {
	l.Logger.Error(msg, fields...)
	l.notify("ERROR", msg, fields...)
}

func (l *notifyingLogger) Fatal(msg string, fields ...interface{}) {
	l.notify("FATAL", msg, fields...)
	l.Logger.Fatal(msg, fields...)
}

func (l *notifyingLogger) With(fields ...interface{}) Logger {
	return &notifyingLogger{Logger: l.Logger.With(fields...), notifier: l.notifier}
}

func (l *notifyingLogger) notify(level, msg string, fields ...interface{}) {
	if err := l.notifier.SendLogMessage(level, msg, FieldsToMap(fields...)); err != nil {
		l.Logger.Warn("Failed to forward log entry", "error", fmt.Errorf("discord: %w", err))
	}
}
