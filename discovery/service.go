// Package discovery keeps track of where services live and whether they are still alive.
//
// The discovery service owns a registry.Storage of service name -> networks. Services
// register themselves through a Registrar on start; the discovery service pings every
// known service periodically and evicts the ones that stop answering, re-adding them
// once they answer again.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"chanrpc/client"
	"chanrpc/registry"
	"chanrpc/scheduler"
	"chanrpc/server"
	"github.com/nuclio/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultName           = "discovery"
	DefaultCheckPeriod    = 5 * time.Second
	DefaultPingMaxRetries = 1
	DefaultPingTimeout    = time.Second

	checkJobName       = "discovery_check"
	maxConcurrentPings = 8
)

type Config struct {

	// CleanupStorageOnStart deletes the configured services from storage before storing
	// them again
	CleanupStorageOnStart bool
	CheckPeriod           time.Duration
	PingMaxRetries        int
	PingTimeout           time.Duration

	// Services are known from the start, in addition to the ones that register
	Services map[string]registry.Networks
}

func DefaultConfig() Config {
	return Config{
		CleanupStorageOnStart: true,
		CheckPeriod:           DefaultCheckPeriod,
		PingMaxRetries:        DefaultPingMaxRetries,
		PingTimeout:           DefaultPingTimeout,
	}
}

// Service is the discovery service role.
type Service struct {
	logger    *zap.Logger
	name      string
	client    *client.Client
	storage   registry.Storage
	scheduler *scheduler.Scheduler
	config    Config

	// every service ever registered or configured, with its last known networks
	mu    sync.RWMutex
	known map[string]registry.Networks
}

// NewService creates the discovery role and exposes its methods on methodRegistry.
func NewService(parentLogger *zap.Logger,
	methodRegistry *server.Registry,
	rpcClient *client.Client,
	storage registry.Storage,
	jobScheduler *scheduler.Scheduler,
	config Config) (*Service, error) {

	if config.CheckPeriod <= 0 {
		config.CheckPeriod = DefaultCheckPeriod
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = DefaultPingTimeout
	}
	if config.PingMaxRetries < 0 {
		config.PingMaxRetries = DefaultPingMaxRetries
	}

	s := &Service{
		logger:    parentLogger.Named("discovery"),
		name:      methodRegistry.Service(),
		client:    rpcClient,
		storage:   storage,
		scheduler: jobScheduler,
		config:    config,
		known:     make(map[string]registry.Networks, len(config.Services)),
	}
	for name, networks := range config.Services {
		s.known[name] = networks.Copy()
	}

	if _, err := methodRegistry.RegisterReceiver(&methods{service: s}); err != nil {
		return nil, errors.Wrap(err, "Failed to register discovery methods")
	}
	return s, nil
}

// Start stores the configured services and schedules the liveness checks.
func (s *Service) Start(ctx context.Context) error {
	configured := s.snapshot()

	if s.config.CleanupStorageOnStart {
		names := make([]string, 0, len(configured))
		for name := range configured {
			names = append(names, name)
		}
		if err := s.storage.DeleteMany(ctx, names); err != nil {
			return errors.Wrap(err, "Failed to clean up service storage")
		}
	}

	if len(configured) > 0 {
		if err := s.storage.SetMany(ctx, configured); err != nil {
			return errors.Wrap(err, "Failed to store configured services")
		}
	}

	s.logger.Info("Discovery started",
		zap.Int("services", len(configured)),
		zap.Duration("checkPeriod", s.config.CheckPeriod))

	return s.scheduler.Every(checkJobName, s.config.CheckPeriod, func(ctx context.Context) {
		s.CheckServices(ctx)
	})
}

func (s *Service) Stop(ctx context.Context) error {
	s.scheduler.Remove(checkJobName)
	return nil
}

// RegisterOrUpdate stores networks as the full entry of name.
func (s *Service) RegisterOrUpdate(ctx context.Context, name string, networks registry.Networks) error {
	if name == "" {
		return errors.New("Service name is required")
	}
	if networks == nil {
		networks = registry.Networks{}
	}

	s.mu.Lock()
	s.known[name] = networks.Copy()
	s.mu.Unlock()

	if err := s.storage.Set(ctx, name, networks); err != nil {
		return errors.Wrapf(err, "Failed to store service %s", name)
	}

	s.logger.Info("Service registered", zap.String("name", name), zap.Any("networks", networks))
	return nil
}

// RemoveService deletes name from storage and forgets it, so it is no longer checked.
func (s *Service) RemoveService(ctx context.Context, name string) error {
	s.mu.Lock()
	delete(s.known, name)
	s.mu.Unlock()

	if err := s.storage.Delete(ctx, name); err != nil {
		return errors.Wrapf(err, "Failed to remove service %s", name)
	}

	s.logger.Info("Service removed", zap.String("name", name))
	return nil
}

// GetService returns the addresses of name on the requested networks, all of them when none
// are requested. It returns *registry.ServiceDoesNotExistError when name is not stored.
func (s *Service) GetService(ctx context.Context, name string, networks ...string) (registry.Networks, error) {
	stored, err := s.storage.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return stored.Filter(networks...), nil
}

// GetServices returns the stored entries of the known services.
func (s *Service) GetServices(ctx context.Context) (map[string]registry.Networks, error) {
	services, err := s.storage.GetMany(ctx, s.knownNames())
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read services")
	}
	return services, nil
}

// Names returns the sorted names of the known services currently stored.
func (s *Service) Names(ctx context.Context) ([]string, error) {
	services, err := s.GetServices(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CheckServices pings every known service but this one. A service that does not answer
// is evicted from storage, while staying known: it is stored again with its last known
// networks as soon as a later check finds it alive.
func (s *Service) CheckServices(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentPings)

	for name, networks := range s.snapshot() {
		if name == s.name {
			continue
		}
		name, networks := name, networks

		group.Go(func() error {
			s.checkService(groupCtx, name, networks)
			return nil
		})
	}

	_ = group.Wait()
}

func (s *Service) checkService(ctx context.Context, name string, networks registry.Networks) {
	if err := s.ping(ctx, name); err != nil {
		s.logger.Warn("Service is unreachable, evicting", zap.String("name", name), zap.Error(err))
		if err := s.storage.Delete(ctx, name); err != nil {
			s.logger.Error("Failed to evict service", zap.String("name", name), zap.Error(err))
		}
		return
	}

	exists, err := s.storage.Exists(ctx, name)
	if err != nil {
		s.logger.Error("Failed to look up service", zap.String("name", name), zap.Error(err))
		return
	}
	if exists {
		return
	}

	if err := s.storage.Set(ctx, name, networks); err != nil {
		s.logger.Error("Failed to restore service", zap.String("name", name), zap.Error(err))
		return
	}
	s.logger.Info("Service is back", zap.String("name", name))
}

// ping succeeds when name answers pong, within PingMaxRetries+1 attempts made back to back
func (s *Service) ping(ctx context.Context, name string) error {
	return client.Retry(ctx, client.RetryPolicy{
		MaxRetries: s.config.PingMaxRetries,
		OnError: func(attempt int, err error) {
			s.logger.Debug("Ping failed",
				zap.String("name", name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	}, func(ctx context.Context) error {
		pong := struct {
			Message string `json:"message"`
		}{}
		if err := s.client.RequestInto(ctx,
			&pong,
			name,
			server.MethodPing,
			nil,
			client.WithTimeout(s.config.PingTimeout),
			client.WithoutCache()); err != nil {
			return err
		}
		if pong.Message != "pong" {
			return errors.Errorf("Unexpected ping reply from %s: %q", name, pong.Message)
		}
		return nil
	})
}

func (s *Service) snapshot() map[string]registry.Networks {
	s.mu.RLock()
	defer s.mu.RUnlock()

	services := make(map[string]registry.Networks, len(s.known))
	for name, networks := range s.known {
		services[name] = networks.Copy()
	}
	return services
}

func (s *Service) knownNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.known))
	for name := range s.known {
		names = append(names, name)
	}
	return names
}
