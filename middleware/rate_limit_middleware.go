package middleware

import (
	"context"

	"chanrpc/message"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects calls beyond r per second with a token bucket of size burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			if !limiter.Allow() {
				return message.Fail("Rate limit exceeded")
			}
			return next(ctx, call)
		}
	}
}
