package discovery

import (
	"context"
	"sync"
	"time"

	"chanrpc/client"
	"chanrpc/message"
	"chanrpc/registry"
	"chanrpc/scheduler"
	"github.com/nuclio/errors"
	"go.uber.org/zap"
)

const (

	// DefaultRetryDelay separates attempts to reach the discovery service on start
	DefaultRetryDelay = 3 * time.Second

	// DefaultRefreshPeriod separates reloads of the registered services
	DefaultRefreshPeriod = 10 * time.Second

	refreshJobName = "registered_services"
)

type RegistrarConfig struct {

	// Discovery is the name of the discovery service
	Discovery string

	// Networks are the addresses this service registers under
	Networks      registry.Networks
	RetryDelay    time.Duration
	RefreshPeriod time.Duration
}

// Registrar is the side of an ordinary service that talks to the discovery service.
type Registrar struct {
	logger    *zap.Logger
	service   string
	client    *client.Client
	scheduler *scheduler.Scheduler
	config    RegistrarConfig

	mu       sync.RWMutex
	services map[string]registry.Networks
}

func NewRegistrar(parentLogger *zap.Logger,
	service string,
	rpcClient *client.Client,
	jobScheduler *scheduler.Scheduler,
	config RegistrarConfig) *Registrar {

	if config.Discovery == "" {
		config.Discovery = DefaultName
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.RefreshPeriod <= 0 {
		config.RefreshPeriod = DefaultRefreshPeriod
	}

	return &Registrar{
		logger:    parentLogger.Named("registrar"),
		service:   service,
		client:    rpcClient,
		scheduler: jobScheduler,
		config:    config,
	}
}

// Start registers the service and loads the registered services, retrying both until the
// discovery service answers or ctx is done. From then on the allow-list is reloaded every
// refresh period, and whenever a call targets a service missing from it.
func (r *Registrar) Start(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}
	if err := r.LoadRegisteredServices(ctx); err != nil {
		return err
	}

	r.client.SetRegisteredServicesLoader(r.fetchRegisteredServices)

	return r.scheduler.Every(refreshJobName, r.config.RefreshPeriod, func(ctx context.Context) {
		if err := r.fetchRegisteredServices(ctx); err != nil {
			r.logger.Warn("Failed to refresh registered services", zap.Error(err))
		}
	})
}

func (r *Registrar) Stop(ctx context.Context) error {
	r.scheduler.Remove(refreshJobName)
	r.client.SetRegisteredServicesLoader(nil)
	return r.Unregister(ctx)
}

// Register stores this service's networks on the discovery service.
func (r *Registrar) Register(ctx context.Context) error {
	err := r.retry(ctx, "Discovery is unreachable, retrying", func(ctx context.Context) error {
		_, err := r.client.Request(ctx, r.config.Discovery, MethodSetServiceBulk, message.Params{
			"name":     r.service,
			"networks": r.config.Networks,
		}, client.WithoutCache())
		return err
	})
	if err != nil {
		return err
	}

	r.logger.Info("Registered on discovery", zap.String("discovery", r.config.Discovery))
	return nil
}

// Unregister removes this service from the discovery service. It does not retry.
func (r *Registrar) Unregister(ctx context.Context) error {
	if _, err := r.client.Request(ctx, r.config.Discovery, MethodRemoveService, message.Params{
		"name": r.service,
	}, client.WithoutCache()); err != nil {
		return errors.Wrap(err, "Failed to unregister from discovery")
	}

	r.logger.Info("Unregistered from discovery", zap.String("discovery", r.config.Discovery))
	return nil
}

// Discover asks the discovery service for the addresses of name. It returns
// *registry.ServiceDoesNotExistError when name is not registered.
func (r *Registrar) Discover(ctx context.Context, name string, networks ...string) (registry.Networks, error) {
	params := message.Params{"name": name}
	if len(networks) > 0 {
		params["networks"] = networks
	}

	service := registry.Networks{}
	if err := r.client.RequestInto(ctx,
		&service,
		r.config.Discovery,
		MethodGetService,
		params,
		client.WithoutCache()); err != nil {
		return nil, decodeServiceDoesNotExist(err)
	}
	return service, nil
}

// LoadRegisteredServices fetches every registered service and installs their names, and the
// discovery service's, as the client allow-list. It retries until the discovery service
// answers or ctx is done.
func (r *Registrar) LoadRegisteredServices(ctx context.Context) error {
	return r.retry(ctx, "Cannot get registered services, retrying", r.fetchRegisteredServices)
}

func (r *Registrar) fetchRegisteredServices(ctx context.Context) error {
	services := map[string]registry.Networks{}
	if err := r.client.RequestInto(ctx,
		&services,
		r.config.Discovery,
		MethodGetRegisteredServices,
		nil,
		client.WithoutCache()); err != nil {
		return err
	}

	names := make([]string, 0, len(services)+1)
	names = append(names, r.config.Discovery)
	for name := range services {
		names = append(names, name)
	}

	r.mu.Lock()
	r.services = services
	r.mu.Unlock()

	r.client.SetRegisteredServices(names)
	r.logger.Debug("Loaded registered services", zap.Strings("names", names))
	return nil
}

// RegisteredServices returns what the last LoadRegisteredServices fetched.
func (r *Registrar) RegisteredServices() map[string]registry.Networks {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make(map[string]registry.Networks, len(r.services))
	for name, networks := range r.services {
		services[name] = networks.Copy()
	}
	return services
}

// Location returns the address of name on network, from the loaded registered services.
func (r *Registrar) Location(name string, network string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	networks, found := r.services[name]
	if !found {
		return "", &registry.ServiceDoesNotExistError{Name: name}
	}

	address, found := networks[network]
	if !found {
		return "", errors.Errorf("Service %s has no address on network %s", name, network)
	}
	return address, nil
}

func (r *Registrar) retry(ctx context.Context, failureMessage string, fn func(ctx context.Context) error) error {
	return client.Retry(ctx, client.RetryPolicy{
		MaxRetries: client.RetryForever,
		Delay:      r.config.RetryDelay,
		Retryable:  client.IsUnavailable,
		OnError: func(attempt int, err error) {
			r.logger.Error(failureMessage,
				zap.String("discovery", r.config.Discovery),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	}, fn)
}
