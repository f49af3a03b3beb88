package middleware

import (
	"context"
	"time"

	"chanrpc/message"
	"go.uber.org/zap"
)

// LoggingMiddleware logs every dispatched call with its duration, and its error if it failed.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			start := time.Now()
			result := next(ctx, call)

			fields := []zap.Field{
				zap.String("method", call.Method),
				zap.String("caller", call.Caller),
				zap.Duration("duration", time.Since(start)),
			}
			if result.Failed() {
				fields = append(fields, zap.String("error", result.Error.Message))
				if errorType := result.Error.Type(); errorType != "" {
					fields = append(fields, zap.String("errorType", errorType))
				}
				logger.Warn("Call failed", fields...)
			} else {
				logger.Debug("Call handled", fields...)
			}
			return result
		}
	}
}
