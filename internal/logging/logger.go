// Package logging provides structured JSON logging with component scoping
// and per-turn trace ids.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	DebugContext(ctx context.Context, msg string, fields ...interface{})
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})

	WithComponent(component string) Logger
	WithTraceID(traceID string) Logger
}

// Level is a logging severity level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel parses a level name, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

type contextKey string

// TraceIDKey carries the per-turn trace id in a context.
const TraceIDKey contextKey = "trace_id"

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// jsonLogger writes one JSON object per line to stdout.
type jsonLogger struct {
	level     Level
	component string
	traceID   string
	useJSON   bool
}

// New creates a logger at the given level. When json is false, entries are
// rendered as space-separated text for local development.
func New(level Level, json bool) Logger {
	return &jsonLogger{level: level, useJSON: json}
}

// WithComponent returns a logger scoped to a component name.
func (l *jsonLogger) WithComponent(component string) Logger {
	c := *l
	c.component = component
	return &c
}

// WithTraceID returns a logger carrying a fixed trace id.
func (l *jsonLogger) WithTraceID(traceID string) Logger {
	c := *l
	c.traceID = traceID
	return &c
}

func (l *jsonLogger) Debug(msg string, fields ...interface{}) { l.log(DebugLevel, "", msg, fields) }
func (l *jsonLogger) Info(msg string, fields ...interface{})  { l.log(InfoLevel, "", msg, fields) }
func (l *jsonLogger) Warn(msg string, fields ...interface{})  { l.log(WarnLevel, "", msg, fields) }
func (l *jsonLogger) Error(msg string, fields ...interface{}) { l.log(ErrorLevel, "", msg, fields) }

func (l *jsonLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(DebugLevel, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(InfoLevel, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(WarnLevel, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ErrorLevel, TraceID(ctx), msg, fields)
}

func (l *jsonLogger) log(level Level, ctxTraceID, msg string, fields []interface{}) {
	if level < l.level {
		return
	}
	traceID := l.traceID
	if ctxTraceID != "" {
		traceID = ctxTraceID
	}

	fieldMap := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		fieldMap[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     levelName(level),
		Message:   msg,
		Component: l.component,
		TraceID:   traceID,
		Fields:    fieldMap,
	}

	if l.useJSON {
		if data, err := json.Marshal(e); err == nil {
			fmt.Println(string(data))
		}
		return
	}

	parts := []string{e.Timestamp, "[" + e.Level + "]"}
	if e.Component != "" {
		parts = append(parts, "component="+e.Component)
	}
	if e.TraceID != "" {
		parts = append(parts, "trace="+e.TraceID)
	}
	parts = append(parts, e.Message)
	for k, v := range fieldMap {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	fmt.Println(strings.Join(parts, " "))
}

func levelName(l Level) string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

var defaultLogger Logger = New(InfoLevel, true)

// SetDefault replaces the package default logger.
func SetDefault(l Logger) { defaultLogger = l }

// Default returns the package default logger.
func Default() Logger { return defaultLogger }

// WithComponent returns the default logger scoped to a component.
func WithComponent(component string) Logger { return defaultLogger.WithComponent(component) }

// NewTraceID generates a fresh trace id.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID attaches a trace id to the context, generating one if empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// TraceID extracts the trace id from a context, if present.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

var discard Logger = &nopLogger{}

// Discard returns a logger that drops everything; used in tests.
func Discard() Logger { return discard }

type nopLogger struct{}

func (*nopLogger) Debug(string, ...interface{})                         {}
func (*nopLogger) Info(string, ...interface{})                          {}
func (*nopLogger) Warn(string, ...interface{})                          {}
func (*nopLogger) Error(string, ...interface{})                         {}
func (*nopLogger) DebugContext(context.Context, string, ...interface{}) {}
func (*nopLogger) InfoContext(context.Context, string, ...interface{})  {}
func (*nopLogger) WarnContext(context.Context, string, ...interface{})  {}
func (*nopLogger) ErrorContext(context.Context, string, ...interface{}) {}
func (n *nopLogger) WithComponent(string) Logger                        { return n }
func (n *nopLogger) WithTraceID(string) Logger                          { return n }
