// Package logctx provides context-based logger injection and extraction.
//
// Callers inject enriched loggers carrying contextual fields (run_id,
// worker, chunk) that propagate through the call stack without threading a
// logger argument everywhere.
package logctx

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrhaubrich/devslice/pkg/logging"
)

// loggerKey is the private key type for storing loggers in context.
type loggerKey struct{}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context, falling back to the
// process-wide logger. Never returns a zero-value logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return *logging.L()
	}
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return *logging.L()
}

// NewRun returns a context whose logger carries a fresh run_id, and the id
// itself for reporting.
func NewRun(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	logger := FromContext(ctx).With().Str("run_id", id).Logger()
	return WithLogger(ctx, logger), id
}

// WithStr returns a new context with a string field added to its logger.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithInt returns a new context with an int field added to its logger.
func WithInt(ctx context.Context, key string, value int) context.Context {
	logger := FromContext(ctx).With().Int(key, value).Logger()
	return WithLogger(ctx, logger)
}
