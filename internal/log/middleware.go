package log

import (
	"context"
	"log/slog"
	"net/http"
)

// ContextKey type for context keys
type ContextKey string

const (
	// LoggerContextKey is the context key for the logger
	LoggerContextKey ContextKey = "logger"
)

// Middleware creates HTTP middleware that adds a logger to the request context
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), LoggerContextKey, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext extracts a logger from the request context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	return &Logger{
		Logger:    slog.Default(),
		component: "unknown",
	}
}

// StructuredLogger provides structured logging methods with context awareness
type StructuredLogger struct {
	logger *Logger
}

func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{
		logger: logger,
	}
}

// LogHTTPEnd logs the completion of an HTTP request
func (sl *StructuredLogger) LogHTTPEnd(ctx context.Context, r *http.Request, statusCode int, durationMs int64, clientIP string) {
	level := slog.LevelInfo
	if statusCode >= 400 && statusCode < 500 {
		level = slog.LevelWarn
	} else if statusCode >= 500 {
		level = slog.LevelError
	}

	fields := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent")).
		WithHTTPResponse(statusCode, durationMs, statusCode < 400).
		WithClientIP(clientIP).
		WithComponent(ComponentHTTP)

	sl.logger.Logger.Log(ctx, level, "HTTP request completed", fields.ToSlice()...)
}

// LogEntityChange logs a local mutation made through the API or CLI.
func (sl *StructuredLogger) LogEntityChange(ctx context.Context, op, ownerID, kind, entityID string) {
	fields := NewFields().
		WithEntity(ownerID, kind, entityID).
		WithOperation(op).
		WithComponent(ComponentStorage)

	sl.logger.Logger.InfoContext(ctx, "Entity changed locally", fields.ToSlice()...)
}

// LogSyncRun logs the outcome of a full sync that reached the remote.
func (sl *StructuredLogger) LogSyncRun(ctx context.Context, ownerID, status string, changes, errs, pending int) {
	level := slog.LevelInfo
	if errs > 0 {
		level = slog.LevelWarn
	}
	fields := NewFields().
		WithOperation(OpSync).
		WithComponent(ComponentSync)
	fields[FieldOwnerID] = ownerID
	fields[FieldStatus] = status
	fields[FieldChanges] = changes
	fields[FieldPending] = pending
	fields[FieldErrorCount] = errs

	sl.logger.Logger.Log(ctx, level, "Sync run recorded", fields.ToSlice()...)
}

// LogError logs an error with structured context
func (sl *StructuredLogger) LogError(ctx context.Context, msg string, err error, component string, operation string, fields LogFields) {
	if fields == nil {
		fields = NewFields()
	}
	allFields := fields.
		WithError(err).
		WithOperation(operation).
		WithComponent(component)

	sl.logger.Logger.ErrorContext(ctx, msg, allFields.ToSlice()...)
}
