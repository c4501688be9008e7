// Package logging provides structured logging for the transcript manager.
// It wraps zerolog behind a small interface: JSON output for deployed servers and
// console output for local CLI use.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey type for context values to avoid collisions.
type ContextKey string

// Context keys picked up by WithContext.
const (
	TraceIDKey   ContextKey = "trace_id"
	RequestIDKey ContextKey = "request_id"
	SyncRunIDKey ContextKey = "sync_run_id"
)

// Level represents logging severity levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a case-insensitive level name. Unknown names map to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Config holds logger configuration.
type Config struct {
	Level       Level
	ServiceName string
	Environment string
	// JSONFormat selects JSON lines; otherwise output is human-readable.
	JSONFormat bool
	// Output defaults to os.Stderr so command output on stdout stays clean.
	Output io.Writer
}

// DefaultConfig returns a Config suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "ftm",
		Environment: "development",
		Output:      os.Stderr,
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger with fields attached to every entry.
	With(fields ...Field) Logger

	// WithContext returns a Logger carrying the trace, request and sync run IDs found in ctx.
	WithContext(ctx context.Context) Logger

	// Zerolog exposes the underlying logger for libraries that take one directly.
	Zerolog() zerolog.Logger
}

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates a Field for an error.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type logger struct {
	zl zerolog.Logger
}

// NewLogger creates a Logger from cfg. A nil cfg uses DefaultConfig.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(output).
		Level(toZerolog(cfg.Level)).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	return &logger{zl: zl}
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *logger) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *logger) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *logger) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *logger) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }

func (l *logger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = addFieldToContext(ctx, f)
	}
	return &logger{zl: ctx.Logger()}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	zctx := l.zl.With()
	for _, key := range []ContextKey{TraceIDKey, RequestIDKey, SyncRunIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			zctx = zctx.Str(string(key), v)
		}
	}
	return &logger{zl: zctx.Logger()}
}

// emit writes fields onto event. A disabled level yields a nil event, which zerolog
// treats as a no-op.
func emit(event *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case float64:
			event = event.Float64(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}

func addFieldToContext(ctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return ctx.Str(f.Key, v)
	case int:
		return ctx.Int(f.Key, v)
	case int64:
		return ctx.Int64(f.Key, v)
	case bool:
		return ctx.Bool(f.Key, v)
	case error:
		return ctx.AnErr(f.Key, v)
	case time.Duration:
		return ctx.Dur(f.Key, v)
	default:
		return ctx.Interface(f.Key, v)
	}
}

// ContextWithSyncRun returns a context whose loggers carry the sync run ID.
func ContextWithSyncRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, SyncRunIDKey, runID)
}

// ContextWithRequestID returns a context whose loggers carry the request ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

var global Logger

// SetGlobal sets the process-wide logger used by MustGlobal.
func SetGlobal(l Logger) {
	global = l
}

// MustGlobal returns the global logger, initializing it with defaults if unset.
func MustGlobal() Logger {
	if global == nil {
		global = NewLogger(DefaultConfig())
	}
	return global
}

type nopLogger struct{}

func (n *nopLogger) Debug(string, ...Field)             {}
func (n *nopLogger) Info(string, ...Field)              {}
func (n *nopLogger) Warn(string, ...Field)              {}
func (n *nopLogger) Error(string, ...Field)             {}
func (n *nopLogger) With(...Field) Logger               { return n }
func (n *nopLogger) WithContext(context.Context) Logger { return n }
func (n *nopLogger) Zerolog() zerolog.Logger            { return zerolog.Nop() }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return &nopLogger{}
}
