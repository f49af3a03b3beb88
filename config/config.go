// Package config loads the YAML configuration of one service.
//
//	service:
//	  name: users
//	  roles: [controller]
//	  networks:
//	    internal: users:8000
//	channelLayers:
//	  default:
//	    backend: nats
//	    options:
//	      url: nats://localhost:4222
//	discovery:
//	  storage:
//	    backend: redis
//	    options:
//	      addr: localhost:6379
package config

import (
	"os"
	"time"

	"chanrpc/cache"
	"chanrpc/channel"
	"chanrpc/codec"
	"chanrpc/discovery"
	"chanrpc/heartbeat"
	"chanrpc/loadbalance"
	"chanrpc/registry"
	"chanrpc/transport"
	"github.com/mitchellh/mapstructure"
	"github.com/nuclio/errors"
	"gopkg.in/yaml.v3"
)

// Roles a service can take on, besides being an ordinary service.
const (
	RoleDiscovery  = "discovery"
	RoleMaster     = "master"
	RoleController = "controller"
	RoleAdmin      = "admin"
)

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"

	DefaultCacheSize = 1024
)

type Config struct {
	Service       ServiceConfig                  `yaml:"service"`
	Log           LogConfig                      `yaml:"log"`
	ChannelLayers map[string]channel.LayerConfig `yaml:"channelLayers"`
	Request       RequestConfig                  `yaml:"request"`
	Cache         CacheConfig                    `yaml:"cache"`
	Discovery     DiscoveryConfig                `yaml:"discovery"`
	Master        MasterConfig                   `yaml:"master"`
	Controller    ControllerConfig               `yaml:"controller"`
	Admin         AdminConfig                    `yaml:"admin"`
	Metrics       MetricsConfig                  `yaml:"metrics"`
}

type ServiceConfig struct {
	Name     string            `yaml:"name"`
	Metadata map[string]any    `yaml:"metadata,omitempty"`
	Roles    []string          `yaml:"roles,omitempty"`
	Networks registry.Networks `yaml:"networks,omitempty"`

	// ChannelLayer is the alias of the layer the service connects through
	ChannelLayer string `yaml:"channelLayer"`

	// GroupRefreshPeriod separates re-joins of the service group
	GroupRefreshPeriod time.Duration `yaml:"groupRefreshPeriod"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type RequestConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Codec   string        `yaml:"codec"`

	// RateLimit caps incoming calls per second, zero for no limit
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`

	// DispatchTimeout bounds the execution of incoming calls, zero for no bound
	DispatchTimeout time.Duration `yaml:"dispatchTimeout"`
}

type CacheConfig struct {
	Backend        string         `yaml:"backend"`
	Size           int            `yaml:"size"`
	DefaultTimeout time.Duration  `yaml:"defaultTimeout"`
	RequestCaching bool           `yaml:"requestCaching"`
	Options        map[string]any `yaml:"options,omitempty"`
}

type DiscoveryConfig struct {

	// Name of the discovery service
	Name string `yaml:"name"`

	// Register makes an ordinary service register on discovery on start. Defaults to true.
	Register *bool `yaml:"register,omitempty"`

	// RefreshPeriod separates reloads of the registered services by a registered service
	RefreshPeriod time.Duration `yaml:"refreshPeriod"`

	// The rest only applies to the service with the discovery role
	Storage               registry.StorageConfig       `yaml:"storage"`
	CleanupStorageOnStart *bool                        `yaml:"cleanupStorageOnStart,omitempty"`
	CheckPeriod           time.Duration                `yaml:"checkPeriod"`
	PingMaxRetries        *int                         `yaml:"pingMaxRetries,omitempty"`
	PingTimeout           time.Duration                `yaml:"pingTimeout"`
	RetryDelay            time.Duration                `yaml:"retryDelay"`
	Services              map[string]registry.Networks `yaml:"services,omitempty"`
}

type MasterConfig struct {
	Name              string        `yaml:"name"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	SystemLoadLimit   float64       `yaml:"systemLoadLimit"`
	RAMUsageLimit     float64       `yaml:"ramUsageLimit"`
	Balancer          string        `yaml:"balancer"`
}

type ControllerConfig struct {
	Master        string        `yaml:"master"`
	RegisterDelay time.Duration `yaml:"registerDelay"`
}

type AdminConfig struct {
	MetadataPeriod time.Duration `yaml:"metadataPeriod"`
}

type MetricsConfig struct {

	// ListenAddress serves /metrics when set
	ListenAddress string `yaml:"listenAddress"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read configuration file %s", path)
	}
	return Parse(encoded)
}

// Parse decodes, defaults and validates a YAML configuration.
func Parse(encoded []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(encoded, config); err != nil {
		return nil, errors.Wrap(err, "Failed to decode configuration")
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SetDefaults fills every unset field with its default.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Service.ChannelLayer == "" {
		c.Service.ChannelLayer = channel.DefaultAlias
	}
	if c.Service.GroupRefreshPeriod <= 0 {
		c.Service.GroupRefreshPeriod = transport.DefaultGroupRefreshPeriod
	}
	if len(c.ChannelLayers) == 0 {
		c.ChannelLayers = map[string]channel.LayerConfig{
			channel.DefaultAlias: {Backend: "memory"},
		}
	}

	if c.Request.Timeout <= 0 {
		c.Request.Timeout = transport.DefaultRequestTimeout
	}
	if c.Request.Codec == "" {
		c.Request.Codec = codec.CodecTypeJSON.String()
	}
	if c.Request.RateLimit > 0 && c.Request.Burst <= 0 {
		c.Request.Burst = int(c.Request.RateLimit)
		if c.Request.Burst < 1 {
			c.Request.Burst = 1
		}
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendMemory
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = DefaultCacheSize
	}
	if c.Cache.DefaultTimeout <= 0 {
		c.Cache.DefaultTimeout = 60 * time.Second
	}

	discoveryDefaults := discovery.DefaultConfig()
	if c.Discovery.Name == "" {
		c.Discovery.Name = discovery.DefaultName
	}
	if c.Discovery.Register == nil {
		c.Discovery.Register = boolPointer(true)
	}
	if c.Discovery.CleanupStorageOnStart == nil {
		c.Discovery.CleanupStorageOnStart = boolPointer(discoveryDefaults.CleanupStorageOnStart)
	}
	if c.Discovery.CheckPeriod <= 0 {
		c.Discovery.CheckPeriod = discoveryDefaults.CheckPeriod
	}
	if c.Discovery.PingMaxRetries == nil {
		pingMaxRetries := discoveryDefaults.PingMaxRetries
		c.Discovery.PingMaxRetries = &pingMaxRetries
	}
	if c.Discovery.PingTimeout <= 0 {
		c.Discovery.PingTimeout = discoveryDefaults.PingTimeout
	}
	if c.Discovery.RetryDelay <= 0 {
		c.Discovery.RetryDelay = discovery.DefaultRetryDelay
	}
	if c.Discovery.RefreshPeriod <= 0 {
		c.Discovery.RefreshPeriod = discovery.DefaultRefreshPeriod
	}

	if c.Master.Name == "" {
		c.Master.Name = RoleMaster
	}
	if c.Master.HeartbeatInterval <= 0 {
		c.Master.HeartbeatInterval = heartbeat.DefaultHeartbeatInterval
	}
	if c.Master.SystemLoadLimit <= 0 {
		c.Master.SystemLoadLimit = heartbeat.DefaultLimits.SystemLoad
	}
	if c.Master.RAMUsageLimit <= 0 {
		c.Master.RAMUsageLimit = heartbeat.DefaultLimits.RAMUsage
	}
	if c.Master.Balancer == "" {
		c.Master.Balancer = loadbalance.StrategyRoundRobin
	}

	if c.Controller.Master == "" {
		c.Controller.Master = c.Master.Name
	}
	if c.Controller.RegisterDelay <= 0 {
		c.Controller.RegisterDelay = heartbeat.DefaultRegisterDelay
	}

	if c.Admin.MetadataPeriod <= 0 {
		c.Admin.MetadataPeriod = discovery.DefaultMetadataPeriod
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New("Service name is required")
	}

	if _, found := c.ChannelLayers[c.Service.ChannelLayer]; !found {
		return errors.Errorf("Channel layer %s is not configured", c.Service.ChannelLayer)
	}
	for alias, layerConfig := range c.ChannelLayers {
		if layerConfig.Backend == "" {
			return errors.Errorf("Channel layer %s has no backend", alias)
		}
	}

	if _, err := codec.ParseCodecType(c.Request.Codec); err != nil {
		return err
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if _, err := c.RedisCacheConfig(); err != nil {
			return err
		}
	default:
		return errors.Errorf("Unknown cache backend: %s", c.Cache.Backend)
	}

	if *c.Discovery.PingMaxRetries < 0 {
		return errors.New("Discovery ping retries cannot be negative")
	}

	if _, err := loadbalance.New(c.Master.Balancer); err != nil {
		return err
	}

	for _, role := range c.Service.Roles {
		switch role {
		case RoleDiscovery, RoleMaster, RoleController, RoleAdmin:
		default:
			return errors.Errorf("Unknown role: %s", role)
		}
	}
	if c.HasRole(RoleMaster) && c.HasRole(RoleController) {
		return errors.New("A service cannot be both master and controller")
	}
	return nil
}

// HasRole reports whether the service takes on role.
func (c *Config) HasRole(role string) bool {
	for _, configured := range c.Service.Roles {
		if configured == role {
			return true
		}
	}
	return false
}

// RegistersOnDiscovery reports whether the service registers itself on discovery on start.
// The discovery service never does.
func (c *Config) RegistersOnDiscovery() bool {
	return !c.HasRole(RoleDiscovery) && c.Discovery.Register != nil && *c.Discovery.Register
}

// DiscoveryServiceConfig converts the discovery section for discovery.NewService.
func (c *Config) DiscoveryServiceConfig() discovery.Config {
	return discovery.Config{
		CleanupStorageOnStart: *c.Discovery.CleanupStorageOnStart,
		CheckPeriod:           c.Discovery.CheckPeriod,
		PingMaxRetries:        *c.Discovery.PingMaxRetries,
		PingTimeout:           c.Discovery.PingTimeout,
		Services:              c.Discovery.Services,
	}
}

// RedisCacheConfig decodes the cache options for the redis backend.
func (c *Config) RedisCacheConfig() (cache.RedisConfig, error) {
	redisConfig := cache.RedisConfig{}
	if err := decodeOptions(c.Cache.Options, &redisConfig); err != nil {
		return redisConfig, errors.Wrap(err, "Failed to decode redis cache options")
	}
	return redisConfig, nil
}

func boolPointer(value bool) *bool {
	return &value
}

func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(options)
}
