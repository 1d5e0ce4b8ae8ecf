// Package observability defines shared logging and metrics primitives.
package observability

import (
	"io"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// String builds a string-valued log field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an int-valued log field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Err builds a log field carrying an error message.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// JSONLogger writes one JSON object per log line.
type JSONLogger struct {
	mu    sync.Mutex
	out   io.Writer
	debug bool
}

// NewJSONLogger constructs a JSON line logger writing to out.
func NewJSONLogger(out io.Writer, debug bool) *JSONLogger {
	if out == nil {
		out = os.Stdout
	}
	return &JSONLogger{out: out, debug: debug}
}

// Debug logs at debug level when debug logging is enabled.
func (l *JSONLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("debug", msg, fields)
}

// Info logs at info level.
func (l *JSONLogger) Info(msg string, fields ...Field) { l.write("info", msg, fields) }

// Warn logs at warn level.
func (l *JSONLogger) Warn(msg string, fields ...Field) { l.write("warn", msg, fields) }

// Error logs at error level.
func (l *JSONLogger) Error(msg string, fields ...Field) { l.write("error", msg, fields) }

func (l *JSONLogger) write(level, msg string, fields []Field) {
	entry := make(map[string]any, len(fields)+3)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		entry[f.Key] = f.Value
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return
	}
	buf = append(buf, '\n')
	l.mu.Lock()
	_, _ = l.out.Write(buf)
	l.mu.Unlock()
}
