package client

import (
	"time"
)

type requestOptions struct {
	timeout      time.Duration
	cache        bool
	cacheTimeout time.Duration
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

// WithTimeout overrides the connection's default request timeout.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}

// WithCache serves the call from the call-site cache when possible.
func WithCache() RequestOption {
	return func(o *requestOptions) {
		o.cache = true
	}
}

// WithoutCache always sends the call.
func WithoutCache() RequestOption {
	return func(o *requestOptions) {
		o.cache = false
	}
}

// WithCacheTimeout caches the result for timeout. It implies WithCache.
func WithCacheTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.cache = true
		o.cacheTimeout = timeout
	}
}

func (c *Client) requestOptions(options []RequestOption) *requestOptions {
	resolved := &requestOptions{
		cache:        c.cacheByDefault,
		cacheTimeout: c.defaultCacheTimeout,
	}
	for _, option := range options {
		option(resolved)
	}
	return resolved
}
