// Package logging provides slog helpers shared by every component:
// context carriage for request-scoped loggers, uniform error/operation
// logging, and safe closing of resources with error reporting.
package logging

import (
	"context"
	"io"
	"log/slog"
)

type contextKey struct{}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger carried by ctx, or slog.Default()
// when none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// LogError logs err at error level with a human message and any
// additional attributes.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.Any("error", err))
	args = append(args, attrs...)
	logger.Error(msg, args...)
}

// LogOperation logs a named operation at info level. Operation names are
// snake_case so they group cleanly in log aggregators.
func LogOperation(logger *slog.Logger, operation string, attrs ...any) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("operation", operation))
	args = append(args, attrs...)
	logger.Info("operation", args...)
}

// LogHTTPRequest logs one served HTTP request at info level.
func LogHTTPRequest(logger *slog.Logger, method, path string, status int, durationMs float64, attrs ...any) {
	args := make([]any, 0, len(attrs)+4)
	args = append(args,
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", durationMs))
	args = append(args, attrs...)
	logger.Info("http_request", args...)
}

// SafeCloseWithLogging closes c and logs a failure instead of returning
// it. Use for response bodies and other cleanup paths where the close
// error cannot change the outcome.
func SafeCloseWithLogging(c io.Closer, logger *slog.Logger, resource string) {
	if err := c.Close(); err != nil {
		logger.Warn("failed to close resource",
			slog.String("resource", resource),
			slog.Any("error", err))
	}
}
