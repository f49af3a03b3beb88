// Package client is the calling side of a service: it checks targets against the allow-list
// of registered services and serves repeated calls from the call-site cache.
package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"chanrpc/cache"
	"chanrpc/message"
	"chanrpc/metrics"
	"chanrpc/registry"
	"github.com/nuclio/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTimeout applies to cached calls that do not set their own timeout.
const DefaultCacheTimeout = 60 * time.Second

// Requester sends calls to other services. *transport.Connection implements it.
type Requester interface {
	Request(ctx context.Context, target string, method string, params message.Params, timeout time.Duration) (json.RawMessage, error)
	Push(ctx context.Context, target string, method string, params message.Params) error
}

// RegisteredServicesLoader reinstalls the allow-list, typically from the discovery service.
type RegisteredServicesLoader func(ctx context.Context) error

// reloadingKey marks the context of a running reload so the loader's own calls never
// trigger another one
type reloadingKey struct{}

// Config configures a Client.
type Config struct {

	// Cache backs the call-site cache. Without one, calls are never cached.
	Cache cache.Cache

	// CacheByDefault caches calls that do not say otherwise
	CacheByDefault bool

	DefaultCacheTimeout time.Duration
	Metrics             *metrics.Recorder
}

type Client struct {
	logger              *zap.Logger
	requester           Requester
	cache               cache.Cache
	cacheByDefault      bool
	defaultCacheTimeout time.Duration
	metrics             *metrics.Recorder

	mu                 sync.RWMutex
	registeredServices map[string]struct{}
	loader             RegisteredServicesLoader
	reloads            singleflight.Group
}

// NewClient creates a client sending through requester. Every service is callable until
// SetRegisteredServices installs an allow-list.
func NewClient(parentLogger *zap.Logger, requester Requester, config Config) *Client {
	if config.DefaultCacheTimeout <= 0 {
		config.DefaultCacheTimeout = DefaultCacheTimeout
	}

	return &Client{
		logger:              parentLogger.Named("client"),
		requester:           requester,
		cache:               config.Cache,
		cacheByDefault:      config.CacheByDefault,
		defaultCacheTimeout: config.DefaultCacheTimeout,
		metrics:             config.Metrics,
	}
}

// SetRegisteredServices installs the allow-list. Nil removes it.
func (c *Client) SetRegisteredServices(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if names == nil {
		c.registeredServices = nil
		return
	}

	c.registeredServices = make(map[string]struct{}, len(names))
	for _, name := range names {
		c.registeredServices[name] = struct{}{}
	}
}

// SetRegisteredServicesLoader makes a target missing from the allow-list reload it once
// before the call fails.
func (c *Client) SetRegisteredServicesLoader(loader RegisteredServicesLoader) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loader = loader
}

// RegisteredServices returns the sorted allow-list, nil when there is none.
func (c *Client) RegisteredServices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.registeredServices == nil {
		return nil
	}

	names := make([]string, 0, len(c.registeredServices))
	for name := range c.registeredServices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckService returns *registry.ServiceDoesNotExistError when an allow-list is installed
// and does not hold name.
func (c *Client) CheckService(name string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.registeredServices == nil {
		return nil
	}
	if _, ok := c.registeredServices[name]; !ok {
		return &registry.ServiceDoesNotExistError{Name: name}
	}
	return nil
}

// checkService is CheckService, reloading the allow-list on a miss. Concurrent misses share
// one reload.
func (c *Client) checkService(ctx context.Context, name string) error {
	err := c.CheckService(name)
	if err == nil || ctx.Value(reloadingKey{}) != nil {
		return err
	}

	c.mu.RLock()
	loader := c.loader
	c.mu.RUnlock()
	if loader == nil {
		return err
	}

	if _, reloadErr, _ := c.reloads.Do("registered_services", func() (any, error) {
		return nil, loader(context.WithValue(ctx, reloadingKey{}, true))
	}); reloadErr != nil {
		c.logger.Debug("Failed to reload registered services",
			zap.String("service", name),
			zap.Error(reloadErr))
		return err
	}

	return c.CheckService(name)
}

// Request calls method on service and returns the raw JSON result.
func (c *Client) Request(ctx context.Context,
	service string,
	method string,
	params message.Params,
	options ...RequestOption) (json.RawMessage, error) {

	if err := c.checkService(ctx, service); err != nil {
		return nil, err
	}

	requestOptions := c.requestOptions(options)
	if !requestOptions.cache || c.cache == nil {
		return c.requester.Request(ctx, service, method, params, requestOptions.timeout)
	}

	key, err := c.cacheKey(service, method, params)
	if err != nil {
		return nil, err
	}

	cached, hit, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Failed to read call cache", zap.String("key", key), zap.Error(err))
	}
	if hit {
		c.logger.Debug("Call cache hit", zap.String("key", key))
		c.metrics.ObserveRequest(service, method, metrics.OutcomeCached, 0)
		return cached, nil
	}

	result, err := c.requester.Request(ctx, service, method, params, requestOptions.timeout)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, result, requestOptions.cacheTimeout); err != nil {
		c.logger.Warn("Failed to write call cache", zap.String("key", key), zap.Error(err))
	}
	return result, nil
}

// RequestInto calls method on service and decodes the result into out.
func (c *Client) RequestInto(ctx context.Context,
	out any,
	service string,
	method string,
	params message.Params,
	options ...RequestOption) error {

	result, err := c.Request(ctx, service, method, params, options...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return errors.Wrapf(err, "Failed to decode result of %s.%s", service, method)
	}
	return nil
}

// Push calls method on service without waiting for a reply.
func (c *Client) Push(ctx context.Context, service string, method string, params message.Params) error {
	if err := c.checkService(ctx, service); err != nil {
		return err
	}
	return c.requester.Push(ctx, service, method, params)
}

func (c *Client) cacheKey(service string, method string, params message.Params) (string, error) {

	// the caller is left out so every service shares the entry
	encoded, err := params.Encode("")
	if err != nil {
		return "", err
	}
	return cache.Key(service, method, encoded, message.CallerParam)
}
