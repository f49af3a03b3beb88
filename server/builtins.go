package server

import (
	"context"
	"strings"

	"chanrpc/message"
)

// Methods every service exposes.
const (
	MethodPing        = "ping"
	MethodDoc         = "doc"
	MethodGetMetadata = "get_service_metadata"
	MethodTest        = "test"
)

func (r *Registry) registerBuiltins() {
	r.Register(MethodPing, func(ctx context.Context, call *message.Call) (any, error) {
		return map[string]string{
			"message": "pong",
			"service": r.service,
		}, nil
	})

	r.Register(MethodDoc, func(ctx context.Context, call *message.Call) (any, error) {
		return map[string]string{
			"methods": strings.Join(r.Methods(), ", "),
		}, nil
	})

	r.Register(MethodGetMetadata, func(ctx context.Context, call *message.Call) (any, error) {
		return r.Metadata(), nil
	})

	r.Register(MethodTest, func(ctx context.Context, call *message.Call) (any, error) {
		return map[string]string{
			"method":  MethodTest,
			"service": r.service,
		}, nil
	})
}
