// Package middleware wraps method dispatch. Middlewares see every incoming call and its
// result; they never see outgoing requests.
package middleware

import (
	"context"

	"chanrpc/message"
)

// HandlerFunc dispatches one call. It always returns a result, errors travel inside it.
type HandlerFunc func(ctx context.Context, call *message.Call) *message.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one given runs outermost:
//
//	Chain(A, B, C)(handler) == A(B(C(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
