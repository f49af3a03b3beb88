package registry

import (
	"github.com/mitchellh/mapstructure"
	"github.com/nuclio/errors"
)

// StorageConfig selects a storage backend and carries its options.
type StorageConfig struct {
	Backend string         `yaml:"backend"`
	Options map[string]any `yaml:"options,omitempty"`
}

// NewStorage builds the storage described by config. An empty backend means memory.
func NewStorage(config StorageConfig) (Storage, error) {
	switch config.Backend {
	case "", "memory":
		return NewMemoryStorage(), nil

	case "redis":
		redisConfig := RedisConfig{}
		if err := decodeOptions(config.Options, &redisConfig); err != nil {
			return nil, err
		}
		return NewRedisStorage(redisConfig), nil

	case "etcd":
		etcdConfig := EtcdConfig{}
		if err := decodeOptions(config.Options, &etcdConfig); err != nil {
			return nil, err
		}
		return NewEtcdStorage(etcdConfig)

	default:
		return nil, errors.Errorf("Unknown registry storage backend: %s", config.Backend)
	}
}

func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "Failed to create options decoder")
	}
	if err := decoder.Decode(options); err != nil {
		return errors.Wrap(err, "Failed to decode registry storage options")
	}
	return nil
}
