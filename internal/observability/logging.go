package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// LogLevelEnv overrides the default log level when no flag is given.
const LogLevelEnv = "SUBSTRATE_LOG_LEVEL"

// NewLogger creates a structured JSON logger writing to stdout.
func NewLogger(component string, level slog.Level) *slog.Logger {
	return NewLoggerTo(os.Stdout, component, level)
}

// NewLoggerTo creates a structured JSON logger writing to w.
func NewLoggerTo(w io.Writer, component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With("component", component)
}

type appletKey struct{}

// ContextWithApplet returns a context carrying the applet handle so that
// log records emitted during the invocation are attributed to it.
func ContextWithApplet(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, appletKey{}, handle)
}

// AppletFromContext returns the applet handle stored by ContextWithApplet.
func AppletFromContext(ctx context.Context) (string, bool) {
	handle, ok := ctx.Value(appletKey{}).(string)
	return handle, ok
}

// TraceLogger wraps a logger to add trace and applet context.
type TraceLogger struct {
	logger *slog.Logger
}

// NewTraceLogger creates a TraceLogger.
func NewTraceLogger(logger *slog.Logger) *TraceLogger {
	return &TraceLogger{logger: logger}
}

// WithContext returns a logger with trace_id and span_id attributes when a
// valid span exists in ctx, and an applet attribute when ctx carries one.
func (l *TraceLogger) WithContext(ctx context.Context) *slog.Logger {
	logger := l.logger
	if handle, ok := AppletFromContext(ctx); ok {
		logger = logger.With("applet", handle)
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return logger
	}
	return logger.With(
		"trace_id", span.SpanContext().TraceID().String(),
		"span_id", span.SpanContext().SpanID().String(),
	)
}

// Debug logs at debug level with context.
func (l *TraceLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// Info logs at info level with context.
func (l *TraceLogger) Info(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// Warn logs at warn level with context.
func (l *TraceLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// Error logs at error level with context.
func (l *TraceLogger) Error(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}

// ParseLogLevel parses debug, info, warn or error (case-insensitive).
// Returns LevelInfo for anything else.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogLevel returns the effective log level. The flag value takes
// precedence over SUBSTRATE_LOG_LEVEL.
func GetLogLevel(flagLevel string) slog.Level {
	if flagLevel != "" {
		return ParseLogLevel(flagLevel)
	}
	if envLevel := os.Getenv(LogLevelEnv); envLevel != "" {
		return ParseLogLevel(envLevel)
	}
	return slog.LevelInfo
}
