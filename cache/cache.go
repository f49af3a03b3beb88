// Package cache stores RPC results for a bounded time. It backs both the call-site cache of
// the client and the per-method cache of the server.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache stores encoded results under string keys.
type Cache interface {

	// Get returns the value stored under key and whether it was found and still fresh
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set stores value under key for ttl
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
}
