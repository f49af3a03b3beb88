// Package service assembles one service from its configuration: the method registry, the
// RPC connection over the configured channel layer, the client, and the roles the service
// takes on (discovery, master, controller, admin). Ordinary services register on
// discovery.
package service

import (
	"context"
	"io"

	"chanrpc/cache"
	"chanrpc/channel"
	"chanrpc/client"
	"chanrpc/codec"
	"chanrpc/config"
	"chanrpc/discovery"
	"chanrpc/heartbeat"
	"chanrpc/loadbalance"
	"chanrpc/metrics"
	"chanrpc/middleware"
	"chanrpc/registry"
	"chanrpc/scheduler"
	"chanrpc/server"
	"chanrpc/transport"
	"github.com/nuclio/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const groupRefreshJobName = "group_refresh"

// role is started after the connection is up, in the order added, and stopped in reverse
type role interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Option func(*options)

type options struct {
	layer           channel.Layer
	storage         registry.Storage
	sampler         heartbeat.Sampler
	metricsRegistry *prometheus.Registry
	callback        heartbeat.Callback
}

// WithLayer connects through layer instead of the configured one.
func WithLayer(layer channel.Layer) Option {
	return func(o *options) {
		o.layer = layer
	}
}

// WithStorage makes the discovery role keep services in storage instead of the configured one.
func WithStorage(storage registry.Storage) Option {
	return func(o *options) {
		o.storage = storage
	}
}

// WithSampler makes the controller role answer heartbeat_report with sampler.
func WithSampler(sampler heartbeat.Sampler) Option {
	return func(o *options) {
		o.sampler = sampler
	}
}

// WithHeartbeatCallback makes the master role hand every report to callback.
func WithHeartbeatCallback(callback heartbeat.Callback) Option {
	return func(o *options) {
		o.callback = callback
	}
}

// WithMetricsRegistry registers the service metrics in metricsRegistry.
func WithMetricsRegistry(metricsRegistry *prometheus.Registry) Option {
	return func(o *options) {
		o.metricsRegistry = metricsRegistry
	}
}

type Service struct {
	logger          *zap.Logger
	config          *config.Config
	layers          *channel.Manager
	metricsRegistry *prometheus.Registry
	registry        *server.Registry
	connection      *transport.Connection
	client          *client.Client
	scheduler       *scheduler.Scheduler
	closers         []io.Closer
	roles           []role

	discovery  *discovery.Service
	registrar  *discovery.Registrar
	watcher    *discovery.MetadataWatcher
	master     *heartbeat.Master
	controller *heartbeat.Controller
}

// New builds the service described by serviceConfig. Register the service's own methods on
// Registry before calling Start.
func New(parentLogger *zap.Logger, serviceConfig *config.Config, opts ...Option) (*Service, error) {
	resolved := &options{}
	for _, opt := range opts {
		opt(resolved)
	}
	if resolved.metricsRegistry == nil {
		resolved.metricsRegistry = prometheus.NewRegistry()
	}

	name := serviceConfig.Service.Name
	s := &Service{
		logger:          parentLogger.Named(name),
		config:          serviceConfig,
		metricsRegistry: resolved.metricsRegistry,
	}
	s.scheduler = scheduler.NewScheduler(s.logger)

	// layers passed in are shared with others and left open on Stop
	s.layers = channel.NewManager(s.logger, serviceConfig.ChannelLayers)
	layer := resolved.layer
	if layer == nil {
		var err error
		layer, err = s.layers.Get(serviceConfig.Service.ChannelLayer)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to get channel layer %s", serviceConfig.Service.ChannelLayer)
		}
	}

	recorder, err := metrics.NewRecorder(name, s.metricsRegistry)
	if err != nil {
		return nil, multierr.Append(err, s.close())
	}

	resultCache, err := s.createCache()
	if err != nil {
		return nil, multierr.Append(err, s.close())
	}

	s.registry = server.NewRegistry(s.logger,
		name,
		server.WithMetadata(serviceConfig.Service.Metadata),
		server.WithResultCache(resultCache))
	s.registry.Use(middleware.LoggingMiddleware(s.logger))
	s.registry.Use(middleware.MetricsMiddleware(recorder))
	if serviceConfig.Request.RateLimit > 0 {
		s.registry.Use(middleware.RateLimitMiddleware(serviceConfig.Request.RateLimit, serviceConfig.Request.Burst))
	}
	if serviceConfig.Request.DispatchTimeout > 0 {
		s.registry.Use(middleware.TimeoutMiddleware(s.logger, serviceConfig.Request.DispatchTimeout))
	}

	codecType, err := codec.ParseCodecType(serviceConfig.Request.Codec)
	if err != nil {
		return nil, multierr.Append(err, s.close())
	}

	s.connection = transport.NewConnection(s.logger, transport.Config{
		Service:        name,
		Layer:          layer,
		Dispatcher:     s.registry,
		Codec:          codec.GetCodec(codecType),
		DefaultTimeout: serviceConfig.Request.Timeout,
		Metrics:        recorder,
	})

	s.client = client.NewClient(s.logger, s.connection, client.Config{
		Cache:               resultCache,
		CacheByDefault:      serviceConfig.Cache.RequestCaching,
		DefaultCacheTimeout: serviceConfig.Cache.DefaultTimeout,
		Metrics:             recorder,
	})

	if err := s.createRoles(resolved); err != nil {
		return nil, multierr.Append(err, s.close())
	}

	return s, nil
}

// Start connects and starts the roles. It blocks while the roles wait for discovery or
// the master to answer, until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.registry.Build()

	if err := s.connection.Connect(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Every(groupRefreshJobName, s.config.Service.GroupRefreshPeriod, s.refreshGroup); err != nil {
		return err
	}
	s.scheduler.Start()

	for _, started := range s.roles {
		if err := started.Start(ctx); err != nil {
			s.logger.Error("Failed to start service role", zap.Error(err))
			return err
		}
	}

	s.logger.Info("Service started",
		zap.Strings("roles", s.config.Service.Roles),
		zap.Strings("methods", s.registry.Methods()))
	return nil
}

// Stop stops the roles, disconnects and releases the backends. Every step runs even when
// an earlier one failed.
func (s *Service) Stop(ctx context.Context) error {
	var err error

	for i := len(s.roles) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.roles[i].Stop(ctx))
	}
	err = multierr.Append(err, s.scheduler.Stop(ctx))
	err = multierr.Append(err, s.connection.Disconnect(ctx))
	err = multierr.Append(err, s.close())

	if err != nil {
		return errors.Wrap(err, "Failed to stop service cleanly")
	}

	s.logger.Info("Service stopped")
	return nil
}

func (s *Service) Name() string {
	return s.config.Service.Name
}

func (s *Service) Registry() *server.Registry {
	return s.registry
}

func (s *Service) Client() *client.Client {
	return s.client
}

func (s *Service) Connection() *transport.Connection {
	return s.connection
}

func (s *Service) MetricsRegistry() *prometheus.Registry {
	return s.metricsRegistry
}

// Discovery is nil unless the service has the discovery role.
func (s *Service) Discovery() *discovery.Service {
	return s.discovery
}

// Registrar is nil when the service does not register on discovery.
func (s *Service) Registrar() *discovery.Registrar {
	return s.registrar
}

// MetadataWatcher is nil unless the service has the admin role.
func (s *Service) MetadataWatcher() *discovery.MetadataWatcher {
	return s.watcher
}

// Master is nil unless the service has the master role.
func (s *Service) Master() *heartbeat.Master {
	return s.master
}

// Controller is nil unless the service has the controller role.
func (s *Service) Controller() *heartbeat.Controller {
	return s.controller
}

func (s *Service) createCache() (cache.Cache, error) {
	switch s.config.Cache.Backend {
	case config.CacheBackendRedis:
		redisConfig, err := s.config.RedisCacheConfig()
		if err != nil {
			return nil, err
		}
		redisCache := cache.NewRedis(redisConfig)
		s.closers = append(s.closers, redisCache)
		return redisCache, nil

	default:
		return cache.NewMemory(s.config.Cache.Size)
	}
}

func (s *Service) createRoles(resolved *options) error {
	serviceConfig := s.config

	if serviceConfig.HasRole(config.RoleDiscovery) {
		storage := resolved.storage
		if storage == nil {
			var err error
			storage, err = registry.NewStorage(serviceConfig.Discovery.Storage)
			if err != nil {
				return err
			}
			s.closers = append(s.closers, storage)
		}

		var err error
		s.discovery, err = discovery.NewService(s.logger,
			s.registry,
			s.client,
			storage,
			s.scheduler,
			serviceConfig.DiscoveryServiceConfig())
		if err != nil {
			return err
		}
		s.roles = append(s.roles, s.discovery)
	}

	if serviceConfig.HasRole(config.RoleMaster) {
		balancer, err := loadbalance.New(serviceConfig.Master.Balancer)
		if err != nil {
			return err
		}

		s.master = heartbeat.NewMaster(s.logger, s.registry, s.client, s.scheduler, heartbeat.MasterConfig{
			HeartbeatInterval: serviceConfig.Master.HeartbeatInterval,
			Limits: heartbeat.Limits{
				SystemLoad: serviceConfig.Master.SystemLoadLimit,
				RAMUsage:   serviceConfig.Master.RAMUsageLimit,
			},
			Callback: resolved.callback,
			Balancer: balancer,
		})
		s.roles = append(s.roles, s.master)
	}

	if serviceConfig.RegistersOnDiscovery() {
		s.registrar = discovery.NewRegistrar(s.logger, serviceConfig.Service.Name, s.client, s.scheduler, discovery.RegistrarConfig{
			Discovery:     serviceConfig.Discovery.Name,
			Networks:      serviceConfig.Service.Networks,
			RetryDelay:    serviceConfig.Discovery.RetryDelay,
			RefreshPeriod: serviceConfig.Discovery.RefreshPeriod,
		})
		s.roles = append(s.roles, s.registrar)
	}

	if serviceConfig.HasRole(config.RoleController) {
		s.controller = heartbeat.NewController(s.logger, s.registry, s.client, heartbeat.ControllerConfig{
			Master:        serviceConfig.Controller.Master,
			Metadata:      serviceConfig.Service.Metadata,
			RegisterDelay: serviceConfig.Controller.RegisterDelay,
			Sampler:       resolved.sampler,
		})
		s.roles = append(s.roles, s.controller)
	}

	if serviceConfig.HasRole(config.RoleAdmin) {
		s.watcher = discovery.NewMetadataWatcher(s.logger, s.registry, s.client, s.scheduler, discovery.WatcherConfig{
			Discovery:  serviceConfig.Discovery.Name,
			Period:     serviceConfig.Admin.MetadataPeriod,
			RetryDelay: serviceConfig.Discovery.RetryDelay,
		})
		s.roles = append(s.roles, s.watcher)
	}

	return nil
}

func (s *Service) refreshGroup(ctx context.Context) {
	if err := s.connection.RefreshGroup(ctx); err != nil {
		s.logger.Warn("Failed to refresh service group", zap.Error(err))
	}
}

func (s *Service) close() error {
	var err error
	for _, closer := range s.closers {
		err = multierr.Append(err, closer.Close())
	}
	s.closers = nil
	return multierr.Append(err, s.layers.Close())
}
