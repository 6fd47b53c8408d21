// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context, an optional rotating
// file sink, and trace ID propagation through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// FileSink configures the rotating log file. An empty Path disables it.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Option func(*options)

type options struct {
	out  io.Writer
	file FileSink
}

// WithFile tees log output into a lumberjack-rotated file.
func WithFile(f FileSink) Option {
	return func(o *options) { o.file = f }
}

// WithOutput replaces stdout as the primary writer.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout (and the file sink, when configured)
// with the service name embedded, and is installed as the slog default.
func Init(service string, level slog.Level, opts ...Option) *slog.Logger {
	o := options{out: os.Stdout}
	for _, fn := range opts {
		fn(&o)
	}

	w := o.out
	if o.file.Path != "" {
		if err := os.MkdirAll(filepath.Dir(o.file.Path), 0o755); err == nil {
			w = io.MultiWriter(o.out, &lumberjack.Logger{
				Filename:   o.file.Path,
				MaxSize:    defaultInt(o.file.MaxSizeMB, 100),
				MaxBackups: defaultInt(o.file.MaxBackups, 7),
				MaxAge:     defaultInt(o.file.MaxAgeDays, 30),
				Compress:   true,
			})
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseLevel maps LOG_LEVEL values to slog levels; unknown values are info.
func ParseLevel(s string) slog.Level {
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

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID from a request label and timestamp.
// Format: "{label}-{unixNano}".
func GenerateTraceID(label string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", label, ts.UnixNano())
}

// NewTraceID returns a random trace ID for an inbound request.
func NewTraceID() string {
	return uuid.NewString()
}

// LogWithTrace returns slog attributes including the trace ID from context.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trace_id", tid)}
}
