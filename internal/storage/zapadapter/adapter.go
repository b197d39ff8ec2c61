// Package zapadapter provides a pgx logger that writes to a go.uber.org/zap.Logger and
// carries request and connection identifiers stored in context.
package zapadapter

import (
	"context"

	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type key int

const (
	requestIDKey key = iota
	connectionIDKey
)

type Logger struct {
	logger *zap.Logger
}

// NewContextWithID returns ctx carrying HTTP request id
func NewContextWithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// IDFromContext returns HTTP request id stored by NewContextWithID
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// NewContextWithConnectionID returns ctx carrying websocket connection id
func NewContextWithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey, id)
}

func ConnectionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connectionIDKey).(string)
	return id, ok
}

// Fields returns zap fields for identifiers found in ctx
func Fields(ctx context.Context) []zapcore.Field {
	var fields []zapcore.Field
	if id, ok := IDFromContext(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, ok := ConnectionIDFromContext(ctx); ok {
		fields = append(fields, zap.String("connection_id", id))
	}
	return fields
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (pl *Logger) Log(ctx context.Context, level pgx.LogLevel, msg string, data map[string]interface{}) {
	fields := Fields(ctx)
	for k, v := range data {
		fields = append(fields, zap.Reflect(k, v))
	}

	switch level {
	case pgx.LogLevelTrace:
		pl.logger.Debug(msg, append(fields, zap.Stringer("PGX_LOG_LEVEL", level))...)
	case pgx.LogLevelDebug:
		pl.logger.Debug(msg, fields...)
	case pgx.LogLevelInfo:
		pl.logger.Info(msg, fields...)
	case pgx.LogLevelWarn:
		pl.logger.Warn(msg, fields...)
	case pgx.LogLevelError:
		pl.logger.Error(msg, fields...)
	default:
		pl.logger.Error(msg, append(fields, zap.Stringer("PGX_LOG_LEVEL", level))...)
	}
}
