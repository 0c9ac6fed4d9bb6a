// Package observability holds the request-scoped logger and the OpenTelemetry
// counters the gateway records for decisions, claims and token operations.
package observability

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Field represents a structured log field.
type Field = zap.Field

// Logger wraps a zap logger and tags entries with the chi request id found in ctx.
type Logger struct {
	base *zap.Logger
}

// NewLogger creates a context-aware logger
func NewLogger(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base}
}

// For returns the underlying logger with request fields from ctx attached
func (l *Logger) For(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return l.base
	}
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		return l.base.With(zap.String("request_id", reqID))
	}
	return l.base
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.For(ctx).Debug(msg, fields...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.For(ctx).Info(msg, fields...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.For(ctx).Warn(msg, fields...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.For(ctx).Error(msg, fields...)
}

// Named returns a logger for a sub-component
func (l *Logger) Named(name string) *Logger {
	return &Logger{base: l.base.Named(name)}
}
