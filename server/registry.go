// Package server holds the method registry of a service: the table of methods other
// services may call, and the dispatch path incoming calls go through.
//
// Dispatch pipeline:
//
//	Dispatch → middleware chain → lookup → result cache → handler (panics recovered) → Result
//
// Every outcome is a *message.Result. Handler errors, panics and unknown methods become
// error results, nothing escapes to the caller of Dispatch.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chanrpc/cache"
	"chanrpc/message"
	"chanrpc/middleware"
	"go.uber.org/zap"
)

// Handler executes one call. The returned value is encoded as the JSON result.
type Handler func(ctx context.Context, call *message.Call) (any, error)

// CacheKeyFunc computes the result cache key of a call.
type CacheKeyFunc func(call *message.Call) (string, error)

type method struct {
	name         string
	handler      Handler
	cacheTimeout time.Duration
	cacheKey     CacheKeyFunc
}

// MethodOption configures a registered method.
type MethodOption func(*method)

// WithCache caches successful results of the method for timeout.
func WithCache(timeout time.Duration) MethodOption {
	return func(m *method) {
		m.cacheTimeout = timeout
	}
}

// WithCacheKey replaces the default cache key of the method.
func WithCacheKey(keyFunc CacheKeyFunc) MethodOption {
	return func(m *method) {
		m.cacheKey = keyFunc
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetadata sets what get_service_metadata returns.
func WithMetadata(metadata map[string]any) Option {
	return func(r *Registry) {
		for key, value := range metadata {
			r.metadata[key] = value
		}
	}
}

// WithResultCache sets the cache behind methods registered WithCache. Without one, such
// methods run uncached.
func WithResultCache(resultCache cache.Cache) Option {
	return func(r *Registry) {
		r.cache = resultCache
	}
}

// Registry maps method names to handlers. One registry serves one service.
type Registry struct {
	logger   *zap.Logger
	service  string
	metadata map[string]any
	cache    cache.Cache

	mu      sync.RWMutex
	methods map[string]*method
	order   []string

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	buildOnce   sync.Once
	built       bool
}

// NewRegistry creates a registry with the built-in methods already registered.
func NewRegistry(parentLogger *zap.Logger, service string, options ...Option) *Registry {
	r := &Registry{
		logger:   parentLogger.Named("server"),
		service:  service,
		metadata: make(map[string]any),
		methods:  make(map[string]*method),
	}

	for _, option := range options {
		option(r)
	}

	r.registerBuiltins()
	return r
}

// Service returns the name of the service the registry serves.
func (r *Registry) Service() string {
	return r.service
}

// Register exposes handler under name. Registering a name again replaces the handler and
// keeps the name's original position in Methods.
func (r *Registry) Register(name string, handler Handler, options ...MethodOption) {
	m := &method{
		name:    name,
		handler: handler,
	}
	for _, option := range options {
		option(m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[name]; exists {
		r.logger.Debug("Replacing method", zap.String("method", name))
	} else {
		r.order = append(r.order, name)
	}
	r.methods[name] = m
}

// Methods returns the registered names in registration order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Metadata returns a copy of the service metadata.
func (r *Registry) Metadata() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metadata := make(map[string]any, len(r.metadata))
	for key, value := range r.metadata {
		metadata[key] = value
	}
	return metadata
}

// Use adds a middleware. Middlewares run in the order added and must be added before the
// first Dispatch.
func (r *Registry) Use(mw middleware.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.built {
		r.logger.Warn("Ignoring middleware added after the chain was built")
		return
	}
	r.middlewares = append(r.middlewares, mw)
}

// Build composes the middleware chain. Dispatch builds it on first use if needed.
func (r *Registry) Build() {
	r.buildOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.handler = middleware.Chain(r.middlewares...)(r.dispatch)
		r.built = true
	})
}

// Dispatch runs the call through the middleware chain and the method.
func (r *Registry) Dispatch(ctx context.Context, call *message.Call) *message.Result {
	r.Build()

	result := r.handler(ctx, call)
	if result == nil {
		return message.OK(nil)
	}
	return result
}

func (r *Registry) dispatch(ctx context.Context, call *message.Call) *message.Result {
	r.mu.RLock()
	m, found := r.methods[call.Method]
	r.mu.RUnlock()

	if !found {
		return message.Fail("Method not found: " + call.Method)
	}

	if m.cacheTimeout <= 0 || r.cache == nil {
		return r.execute(ctx, m, call)
	}

	key, err := r.cacheKey(m, call)
	if err != nil {
		r.logger.Warn("Failed to compute cache key", zap.String("method", call.Method), zap.Error(err))
		return r.execute(ctx, m, call)
	}

	cached, hit, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("Failed to read result cache", zap.String("key", key), zap.Error(err))
	}
	if hit {
		r.logger.Debug("Result cache hit", zap.String("key", key))
		return message.OK(cached)
	}

	result := r.execute(ctx, m, call)
	if !result.Failed() {
		if err := r.cache.Set(ctx, key, result.Value, m.cacheTimeout); err != nil {
			r.logger.Warn("Failed to write result cache", zap.String("key", key), zap.Error(err))
		}
	}
	return result
}

func (r *Registry) execute(ctx context.Context, m *method, call *message.Call) (result *message.Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("Method panicked",
				zap.String("method", call.Method),
				zap.Any("panic", recovered),
				zap.Stack("stack"))
			result = message.Fail(fmt.Sprint(recovered))
		}
	}()

	value, err := m.handler(ctx, call)
	if err != nil {
		var info *message.ErrorInfo
		if errors.As(err, &info) {
			return &message.Result{Error: info}
		}
		return message.Fail(err.Error())
	}

	encoded, err := encodeValue(value)
	if err != nil {
		return message.Fail("Failed to encode result of " + call.Method + ": " + err.Error())
	}
	return message.OK(encoded)
}

func (r *Registry) cacheKey(m *method, call *message.Call) (string, error) {
	if m.cacheKey != nil {
		return m.cacheKey(call)
	}
	return cache.Key(r.service, call.Method, call.Params, message.CallerParam)
}

func encodeValue(value any) (json.RawMessage, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return typed, nil
	default:
		return json.Marshal(value)
	}
}
