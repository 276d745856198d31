package shared

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CorrelationHeader carries the correlation id on HTTP requests and responses.
const CorrelationHeader = "X-Correlation-ID"

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the context's correlation ID, or a fresh one.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// CorrelationMiddleware tags every request with a correlation ID, reusing
// the caller's header when present, and echoes it back.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), id)))
	})
}

// LogWithContext logs a message with correlation ID from context
func LogWithContext(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	fields = append(fields, zap.String("correlation_id", GetCorrelationID(ctx)))
	logger.Info(msg, fields...)
}

// LogErrorWithContext logs an error with correlation ID from context
func LogErrorWithContext(ctx context.Context, logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	if logger == nil {
		return
	}
	fields = append(fields, zap.String("correlation_id", GetCorrelationID(ctx)), zap.Error(err))
	logger.Error(msg, fields...)
}
