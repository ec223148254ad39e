// Package logger provides the structured logger used across the job store.
package logger

import (
	"context"
)

// Logger is a leveled, structured logger. Every method takes a message
// followed by alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds the pairs to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the worker identity stored
	// in ctx, if any.
	WithContext(ctx context.Context) Logger
}

type contextKey int

const workerIDKey contextKey = iota

// ContextWithWorkerID stores the worker identity so WithContext can tag log entries with it.
func ContextWithWorkerID(ctx context.Context, workerID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, workerIDKey, workerID)
}

// WorkerIDFromContext returns the worker identity stored by ContextWithWorkerID.
func WorkerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	workerID, _ := ctx.Value(workerIDKey).(string)
	return workerID
}
