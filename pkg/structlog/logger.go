// Package structlog provides JSON-lines structured logging with
// correlation-ID support for the cloudguard binaries.
package structlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level; unknown names default to info.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return LevelInfo
	}
}

type ctxKeyCorrID struct{}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger writes one JSON object per log line.
type Logger struct {
	service string
	level   Level
	output  io.Writer
	mu      sync.Mutex
	fields  Fields // base fields attached to every line
}

// NewLogger creates a structured logger for a service
func NewLogger(serviceName string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		service: serviceName,
		level:   level,
		output:  output,
		fields:  Fields{},
	}
}

// WithFields returns a logger with additional base fields
func (l *Logger) WithFields(fields Fields) *Logger {
	nl := &Logger{
		service: l.service,
		level:   l.level,
		output:  l.output,
		fields:  make(Fields, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for k, v := range fields {
		nl.fields[k] = v
	}
	return nl
}

// WithContext attaches the correlation ID from ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return l.WithFields(Fields{"correlation_id": corrID})
	}
	return l
}

func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields Fields)  { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields Fields)  { l.log(LevelWarn, message, fields) }
func (l *Logger) Error(message string, fields Fields) { l.log(LevelError, message, fields) }

// Fatal logs the message and exits the process.
func (l *Logger) Fatal(message string, fields Fields) {
	l.log(LevelFatal, message, fields)
	os.Exit(1)
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	all := make(Fields, len(l.fields)+len(fields)+5)
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}

	all["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	all["level"] = level.String()
	all["service"] = l.service
	all["message"] = message

	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			all["caller"] = fmt.Sprintf("%s:%d", file, line)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := json.NewEncoder(l.output).Encode(all); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: failed to encode log: %v\n", err)
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Correlation ID helpers

// ContextWithCorrelationID returns a context carrying corrID.
func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

// GetCorrelationID extracts the correlation ID from ctx, or "".
func GetCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}
