package campusflow

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey ContextKey = "logger"
	ThreadContextKey ContextKey = "thread_id"
	StepContextKey   ContextKey = "step"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithThread(ctx context.Context, threadID string, step int) context.Context {
	ctx = context.WithValue(ctx, ThreadContextKey, threadID)
	return context.WithValue(ctx, StepContextKey, step)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

// LoggerFromContext returns the context logger or a logger that discards
// everything. Workers use it to log under the executor's thread attributes.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok {
		return logger
	}
	return NewNopLogger()
}

func GetThreadFromContext(ctx context.Context) (string, int, bool) {
	threadID, ok := ctx.Value(ThreadContextKey).(string)
	if !ok {
		return "", 0, false
	}
	step, _ := ctx.Value(StepContextKey).(int)
	return threadID, step, true
}
