package middleware

import (
	"context"
	"encoding/json"
	"time"

	"chanrpc/message"
	"go.uber.org/zap"
)

// ErrorTypeTimeout is the error data type of calls cut off by TimeoutMiddleware.
const ErrorTypeTimeout = "DispatchTimeout"

// TimeoutMiddleware answers calls still running after timeout with a DispatchTimeout error.
// The handler goes on with a cancelled context; when it finally returns, its discarded
// result is logged.
func TimeoutMiddleware(logger *zap.Logger, timeout time.Duration) Middleware {
	logger = logger.Named("timeout")

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			start := time.Now()

			done := make(chan *message.Result, 1)
			go func() {
				defer cancel()
				done <- next(callCtx, call)
			}()

			select {
			case result := <-done:
				return result
			case <-callCtx.Done():
			}

			go func() {
				result := <-done
				fields := []zap.Field{
					zap.String("method", call.Method),
					zap.String("caller", call.Caller),
					zap.Duration("duration", time.Since(start)),
				}
				if result.Failed() {
					fields = append(fields, zap.String("error", result.Error.Message))
				}
				logger.Warn("Abandoned call returned", fields...)
			}()

			return timedOut(call, timeout)
		}
	}
}

func timedOut(call *message.Call, timeout time.Duration) *message.Result {
	data, _ := json.Marshal(map[string]string{
		"type":    ErrorTypeTimeout,
		"timeout": timeout.String(),
	})
	return &message.Result{Error: &message.ErrorInfo{
		Message: "Method timed out: " + call.Method,
		Data:    data,
	}}
}
