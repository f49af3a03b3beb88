package middleware

import (
	"context"
	"time"

	"chanrpc/message"
	"chanrpc/metrics"
)

// MetricsMiddleware counts dispatched calls by outcome and observes their duration.
func MetricsMiddleware(recorder *metrics.Recorder) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			start := time.Now()
			result := next(ctx, call)

			outcome := metrics.OutcomeSuccess
			switch {
			case !result.Failed():
			case result.Error.Type() == ErrorTypeTimeout:
				outcome = metrics.OutcomeTimeout
			default:
				outcome = metrics.OutcomeError
			}
			recorder.ObserveDispatch(call.Method, outcome, time.Since(start))
			return result
		}
	}
}
