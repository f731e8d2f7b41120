package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Level(0), fmt.Errorf("unsupported log level %q", s)
	}
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "text", "":
		return Text, nil
	default:
		return Format(0), fmt.Errorf("unsupported log format %q", s)
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Default returns the process-wide logger.
func Default() Logger {
	if defaultLogger == nil {
		defaultLogger = New(Info, Text, os.Stderr)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Discard returns a logger that drops every entry.
func Discard() Logger {
	return New(Error+1, Text, io.Discard)
}

var defaultLogger Logger

type charmLogger struct {
	underlying *charmlog.Logger
}

// New constructs a Logger with the given level, format, and output writer.
func New(level Level, format Format, out io.Writer) Logger {
	opts := charmlog.Options{
		Level:           toCharmLevel(level),
		ReportTimestamp: true,
	}
	if format == JSON {
		opts.Formatter = charmlog.JSONFormatter
	}
	return &charmLogger{underlying: charmlog.NewWithOptions(out, opts)}
}

func toCharmLevel(l Level) charmlog.Level {
	switch l {
	case Debug:
		return charmlog.DebugLevel
	case Info:
		return charmlog.InfoLevel
	case Warn:
		return charmlog.WarnLevel
	case Error:
		return charmlog.ErrorLevel
	default:
		return charmlog.FatalLevel
	}
}

func (l *charmLogger) With(fields ...Field) Logger {
	return &charmLogger{underlying: l.underlying.With(keyvals(fields)...)}
}

func (l *charmLogger) Debug(msg string, fields ...Field) { l.underlying.Debug(msg, keyvals(fields)...) }
func (l *charmLogger) Info(msg string, fields ...Field)  { l.underlying.Info(msg, keyvals(fields)...) }
func (l *charmLogger) Warn(msg string, fields ...Field)  { l.underlying.Warn(msg, keyvals(fields)...) }
func (l *charmLogger) Error(msg string, fields ...Field) { l.underlying.Error(msg, keyvals(fields)...) }

func keyvals(fields []Field) []any {
	kv := make([]any, 0, 2*len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}
