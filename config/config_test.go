package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chanrpc/registry"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (suite *ConfigTestSuite) TestDefaults() {
	config, err := Parse([]byte("service:\n  name: users\n"))
	suite.Require().NoError(err)

	suite.Require().Equal("info", config.Log.Level)
	suite.Require().Equal("default", config.Service.ChannelLayer)
	suite.Require().Equal("memory", config.ChannelLayers["default"].Backend)
	suite.Require().Equal(time.Hour, config.Service.GroupRefreshPeriod)
	suite.Require().Equal(10*time.Second, config.Request.Timeout)
	suite.Require().Equal("json", config.Request.Codec)
	suite.Require().Equal(CacheBackendMemory, config.Cache.Backend)
	suite.Require().Equal(DefaultCacheSize, config.Cache.Size)
	suite.Require().False(config.Cache.RequestCaching)

	suite.Require().Equal("discovery", config.Discovery.Name)
	suite.Require().True(config.RegistersOnDiscovery())

	discoveryConfig := config.DiscoveryServiceConfig()
	suite.Require().True(discoveryConfig.CleanupStorageOnStart)
	suite.Require().Equal(5*time.Second, discoveryConfig.CheckPeriod)
	suite.Require().Equal(1, discoveryConfig.PingMaxRetries)
	suite.Require().Equal(time.Second, discoveryConfig.PingTimeout)
	suite.Require().Equal(3*time.Second, config.Discovery.RetryDelay)
	suite.Require().Equal(10*time.Second, config.Discovery.RefreshPeriod)

	suite.Require().Equal("master", config.Master.Name)
	suite.Require().Equal(10*time.Second, config.Master.HeartbeatInterval)
	suite.Require().Equal(95.0, config.Master.SystemLoadLimit)
	suite.Require().Equal(95.0, config.Master.RAMUsageLimit)
	suite.Require().Equal("master", config.Controller.Master)
	suite.Require().Equal(3*time.Second, config.Controller.RegisterDelay)
	suite.Require().Equal(5*time.Second, config.Admin.MetadataPeriod)
}

func (suite *ConfigTestSuite) TestFullConfiguration() {
	config, err := Parse([]byte(`
service:
  name: discovery
  roles: [discovery]
  metadata:
    version: "2.1"
  networks:
    internal: discovery:9000
  groupRefreshPeriod: 30m
log:
  level: debug
channelLayers:
  default:
    backend: nats
    options:
      url: nats://localhost:4222
  local:
    backend: memory
request:
  timeout: 2s
  codec: msgpack
  rateLimit: 50
cache:
  backend: redis
  defaultTimeout: 30s
  requestCaching: true
  options:
    addr: localhost:6379
    db: 2
discovery:
  refreshPeriod: 1m
  cleanupStorageOnStart: false
  checkPeriod: 10s
  pingMaxRetries: 0
  pingTimeout: 500ms
  storage:
    backend: etcd
    options:
      endpoints: [localhost:2379]
  services:
    users:
      internal: users:8000
`))
	suite.Require().NoError(err)

	suite.Require().True(config.HasRole(RoleDiscovery))
	suite.Require().False(config.RegistersOnDiscovery())
	suite.Require().Equal("2.1", config.Service.Metadata["version"])
	suite.Require().Equal("nats", config.ChannelLayers["default"].Backend)
	suite.Require().Equal("nats://localhost:4222", config.ChannelLayers["default"].Options["url"])
	suite.Require().Equal(2*time.Second, config.Request.Timeout)
	suite.Require().Equal("msgpack", config.Request.Codec)
	suite.Require().Equal(50, config.Request.Burst)

	redisConfig, err := config.RedisCacheConfig()
	suite.Require().NoError(err)
	suite.Require().Equal("localhost:6379", redisConfig.Addr)
	suite.Require().Equal(2, redisConfig.DB)

	discoveryConfig := config.DiscoveryServiceConfig()
	suite.Require().False(discoveryConfig.CleanupStorageOnStart)
	suite.Require().Equal(10*time.Second, discoveryConfig.CheckPeriod)
	suite.Require().Zero(discoveryConfig.PingMaxRetries)
	suite.Require().Equal(500*time.Millisecond, discoveryConfig.PingTimeout)
	suite.Require().Equal(registry.Networks{"internal": "users:8000"}, discoveryConfig.Services["users"])
	suite.Require().Equal("etcd", config.Discovery.Storage.Backend)
	suite.Require().Equal(30*time.Minute, config.Service.GroupRefreshPeriod)
	suite.Require().Equal(time.Minute, config.Discovery.RefreshPeriod)
}

func (suite *ConfigTestSuite) TestInvalid() {
	for _, testCase := range []struct {
		name    string
		encoded string
	}{
		{name: "no name", encoded: "service: {}"},
		{name: "unknown layer alias", encoded: "service: {name: a, channelLayer: other}"},
		{name: "layer without backend", encoded: "service: {name: a}\nchannelLayers: {default: {}}"},
		{name: "unknown codec", encoded: "service: {name: a}\nrequest: {codec: xml}"},
		{name: "unknown cache backend", encoded: "service: {name: a}\ncache: {backend: disk}"},
		{name: "bad redis cache options", encoded: "service: {name: a}\ncache: {backend: redis, options: {host: x}}"},
		{name: "negative ping retries", encoded: "service: {name: a}\ndiscovery: {pingMaxRetries: -1}"},
		{name: "unknown balancer", encoded: "service: {name: a}\nmaster: {balancer: fastest}"},
		{name: "unknown role", encoded: "service: {name: a, roles: [gateway]}"},
		{name: "master and controller", encoded: "service: {name: a, roles: [master, controller]}"},
		{name: "not yaml", encoded: "service: ["},
	} {
		suite.Run(testCase.name, func() {
			_, err := Parse([]byte(testCase.encoded))
			suite.Require().Error(err)
		})
	}
}

func (suite *ConfigTestSuite) TestLoad() {
	path := filepath.Join(suite.T().TempDir(), "chanrpc.yaml")
	suite.Require().NoError(os.WriteFile(path, []byte("service:\n  name: users\n"), 0600))

	config, err := Load(path)
	suite.Require().NoError(err)
	suite.Require().Equal("users", config.Service.Name)

	_, err = Load(filepath.Join(suite.T().TempDir(), "missing.yaml"))
	suite.Require().Error(err)
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func TestRegisterCanBeDisabled(t *testing.T) {
	config, err := Parse([]byte("service: {name: a}\ndiscovery: {register: false}"))
	require.NoError(t, err)
	require.False(t, config.RegistersOnDiscovery())
}
