package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nuclio/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Redis keeps results in Redis so every instance of a service shares them.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a cache over a new Redis client.
func NewRedis(config RedisConfig) *Redis {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}

	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	}), config.Prefix)
}

// NewRedisWithClient creates a cache over an existing client. Keys are stored as
// "<prefix>:<key>" when a prefix is given.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

func (r *Redis) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "Failed to read cached result")
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.key(key), []byte(value), ttl).Err(); err != nil {
		return errors.Wrap(err, "Failed to write cached result")
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}
