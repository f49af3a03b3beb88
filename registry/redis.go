package registry

import (
	"context"
	"encoding/json"

	"github.com/nuclio/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis storage.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// RedisStorage keeps all entries in one hash: field = service name, value = JSON networks.
type RedisStorage struct {
	client *redis.Client
	key    string
}

// NewRedisStorage creates a storage over a new Redis client.
func NewRedisStorage(config RedisConfig) *RedisStorage {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}

	return NewRedisStorageWithClient(redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	}), config.Key)
}

// NewRedisStorageWithClient creates a storage over an existing client.
func NewRedisStorageWithClient(client *redis.Client, key string) *RedisStorage {
	if key == "" {
		key = "chanrpc:services"
	}
	return &RedisStorage{
		client: client,
		key:    key,
	}
}

func (s *RedisStorage) Set(ctx context.Context, name string, networks Networks) error {
	return s.SetMany(ctx, map[string]Networks{name: networks})
}

func (s *RedisStorage) SetMany(ctx context.Context, entries map[string]Networks) error {
	if len(entries) == 0 {
		return nil
	}

	values := make(map[string]any, len(entries))
	for name, networks := range entries {
		encoded, err := json.Marshal(networks)
		if err != nil {
			return errors.Wrapf(err, "Failed to encode networks of %s", name)
		}
		values[name] = encoded
	}

	if err := s.client.HSet(ctx, s.key, values).Err(); err != nil {
		return errors.Wrap(err, "Failed to store services")
	}
	return nil
}

func (s *RedisStorage) Get(ctx context.Context, name string) (Networks, error) {
	encoded, err := s.client.HGet(ctx, s.key, name).Bytes()
	if err == redis.Nil {
		return nil, &ServiceDoesNotExistError{Name: name}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read service %s", name)
	}
	return decodeNetworks(name, encoded)
}

func (s *RedisStorage) GetMany(ctx context.Context, names []string) (map[string]Networks, error) {
	found := make(map[string]Networks, len(names))
	if len(names) == 0 {
		return found, nil
	}

	values, err := s.client.HMGet(ctx, s.key, names...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read services")
	}

	for i, value := range values {
		encoded, ok := value.(string)
		if !ok {
			continue
		}
		networks, err := decodeNetworks(names[i], []byte(encoded))
		if err != nil {
			return nil, err
		}
		found[names[i]] = networks
	}
	return found, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) error {
	return s.DeleteMany(ctx, []string{name})
}

func (s *RedisStorage) DeleteMany(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, names...).Err(); err != nil {
		return errors.Wrap(err, "Failed to delete services")
	}
	return nil
}

func (s *RedisStorage) Exists(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.HExists(ctx, s.key, name).Result()
	if err != nil {
		return false, errors.Wrapf(err, "Failed to check service %s", name)
	}
	return exists, nil
}

func (s *RedisStorage) All(ctx context.Context) (map[string]Networks, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read services")
	}

	all := make(map[string]Networks, len(values))
	for name, encoded := range values {
		networks, err := decodeNetworks(name, []byte(encoded))
		if err != nil {
			return nil, err
		}
		all[name] = networks
	}
	return all, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func decodeNetworks(name string, encoded []byte) (Networks, error) {
	networks := Networks{}
	if err := json.Unmarshal(encoded, &networks); err != nil {
		return nil, errors.Wrapf(err, "Failed to decode networks of %s", name)
	}
	return networks, nil
}
