package channel

import (
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/nuclio/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultAlias names the layer used when a caller does not pick one.
const DefaultAlias = "default"

// LayerConfig describes one channel layer: the backend name and its backend-specific options.
type LayerConfig struct {
	Backend string         `yaml:"backend"`
	Options map[string]any `yaml:"options,omitempty"`
}

// Factory builds a layer from decoded options.
type Factory func(options map[string]any) (Layer, error)

// Manager maps aliases to layers. Layers are built lazily on first Get.
type Manager struct {
	logger    *zap.Logger
	mu        sync.Mutex
	configs   map[string]LayerConfig
	layers    map[string]Layer
	factories map[string]Factory
}

// NewManager creates a manager over the given alias configurations with the built-in backends
// registered.
func NewManager(parentLogger *zap.Logger, configs map[string]LayerConfig) *Manager {
	m := &Manager{
		logger:    parentLogger.Named("channel"),
		configs:   make(map[string]LayerConfig, len(configs)),
		layers:    make(map[string]Layer),
		factories: make(map[string]Factory),
	}
	for alias, config := range configs {
		m.configs[alias] = config
	}

	m.RegisterBackend("memory", func(options map[string]any) (Layer, error) {
		config := MemoryConfig{}
		if err := decodeOptions(options, &config); err != nil {
			return nil, err
		}
		return NewMemoryLayer(config), nil
	})
	m.RegisterBackend("nats", func(options map[string]any) (Layer, error) {
		config := NATSConfig{}
		if err := decodeOptions(options, &config); err != nil {
			return nil, err
		}
		return NewNATSLayer(config)
	})
	m.RegisterBackend("redis", func(options map[string]any) (Layer, error) {
		config := RedisConfig{}
		if err := decodeOptions(options, &config); err != nil {
			return nil, err
		}
		return NewRedisLayer(config)
	})
	m.RegisterBackend("amqp", func(options map[string]any) (Layer, error) {
		config := AMQPConfig{}
		if err := decodeOptions(options, &config); err != nil {
			return nil, err
		}
		return NewAMQPLayer(config)
	})

	return m
}

// RegisterBackend adds or replaces a backend factory.
func (m *Manager) RegisterBackend(name string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.factories[name] = factory
}

// Get returns the layer configured under alias, building it on first use.
func (m *Manager) Get(alias string) (Layer, error) {
	if alias == "" {
		alias = DefaultAlias
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if layer, ok := m.layers[alias]; ok {
		return layer, nil
	}

	config, ok := m.configs[alias]
	if !ok {
		return nil, ErrChannelLayerUnavailable
	}

	factory, ok := m.factories[config.Backend]
	if !ok {
		m.logger.Warn("Unknown channel layer backend",
			zap.String("alias", alias),
			zap.String("backend", config.Backend))
		return nil, ErrInvalidChannelLayer
	}

	layer, err := factory(config.Options)
	if err != nil {
		m.logger.Warn("Failed to build channel layer",
			zap.String("alias", alias),
			zap.String("backend", config.Backend),
			zap.Error(err))
		return nil, ErrInvalidChannelLayer
	}

	m.logger.Debug("Built channel layer", zap.String("alias", alias), zap.String("backend", config.Backend))
	m.layers[alias] = layer
	return layer, nil
}

// Set installs layer under alias and returns the one it replaced, if any. A nil layer
// removes the alias, including its configuration.
func (m *Manager) Set(alias string, layer Layer) Layer {
	if alias == "" {
		alias = DefaultAlias
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.layers[alias]
	if layer == nil {
		delete(m.layers, alias)
		delete(m.configs, alias)
		return old
	}

	m.layers[alias] = layer
	return old
}

// Close closes every layer built or installed so far.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for alias, layer := range m.layers {
		err = multierr.Append(err, layer.Close())
		delete(m.layers, alias)
	}
	return err
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
		return errors.Wrap(err, "Failed to decode channel layer options")
	}
	return nil
}
