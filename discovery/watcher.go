package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"chanrpc/client"
	"chanrpc/registry"
	"chanrpc/scheduler"
	"chanrpc/server"
	"chanrpc/transport"
	"go.uber.org/zap"
)

const (
	DefaultMetadataPeriod = 5 * time.Second

	metadataJobName = "metadata_refresh"
)

type WatcherConfig struct {
	Discovery  string
	Period     time.Duration
	RetryDelay time.Duration
}

// MetadataWatcher keeps the metadata of every registered service, for services that
// present the whole platform (admin, gateway).
type MetadataWatcher struct {
	logger    *zap.Logger
	registry  *server.Registry
	client    *client.Client
	scheduler *scheduler.Scheduler
	config    WatcherConfig

	mu       sync.RWMutex
	metadata []map[string]any
}

func NewMetadataWatcher(parentLogger *zap.Logger,
	methodRegistry *server.Registry,
	rpcClient *client.Client,
	jobScheduler *scheduler.Scheduler,
	config WatcherConfig) *MetadataWatcher {

	if config.Discovery == "" {
		config.Discovery = DefaultName
	}
	if config.Period <= 0 {
		config.Period = DefaultMetadataPeriod
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}

	return &MetadataWatcher{
		logger:    parentLogger.Named("watcher"),
		registry:  methodRegistry,
		client:    rpcClient,
		scheduler: jobScheduler,
		config:    config,
	}
}

// Start refreshes once, retrying until the discovery service answers, then keeps
// refreshing every period.
func (w *MetadataWatcher) Start(ctx context.Context) error {
	err := client.Retry(ctx, client.RetryPolicy{
		MaxRetries: client.RetryForever,
		Delay:      w.config.RetryDelay,
		Retryable:  client.IsUnavailable,
		OnError: func(attempt int, err error) {
			w.logger.Error("Cannot get services metadata, retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}, w.Refresh)
	if err != nil {
		return err
	}

	return w.scheduler.Every(metadataJobName, w.config.Period, func(ctx context.Context) {
		if err := w.Refresh(ctx); err != nil {
			w.logger.Warn("Failed to refresh services metadata", zap.Error(err))
		}
	})
}

func (w *MetadataWatcher) Stop(ctx context.Context) error {
	w.scheduler.Remove(metadataJobName)
	return nil
}

// Refresh fetches the metadata of every service but this one. Services that time out, or
// that are not in the allow-list yet, are left out. A timed out discovery service leaves
// no service at all.
func (w *MetadataWatcher) Refresh(ctx context.Context) error {
	var names []string
	if err := w.client.RequestInto(ctx,
		&names,
		w.config.Discovery,
		MethodGetServicesNames,
		nil,
		client.WithoutCache()); err != nil {
		if !isTimeout(err) {
			return err
		}
		w.logger.Warn("Discovery timed out listing services", zap.Error(err))
		names = nil
	}

	metadata := make([]map[string]any, 0, len(names))
	for _, name := range names {
		if name == w.registry.Service() {
			continue
		}

		serviceMetadata := map[string]any{}
		if err := w.client.RequestInto(ctx,
			&serviceMetadata,
			name,
			server.MethodGetMetadata,
			nil,
			client.WithoutCache()); err != nil {
			if !isTimeout(err) && !errors.Is(err, registry.ErrServiceDoesNotExist) {
				return err
			}
			w.logger.Debug("Skipping service metadata", zap.String("name", name), zap.Error(err))
			continue
		}
		metadata = append(metadata, serviceMetadata)
	}

	w.mu.Lock()
	w.metadata = metadata
	w.mu.Unlock()
	return nil
}

// Metadata returns the metadata of the other services, as of the last refresh.
func (w *MetadataWatcher) Metadata() []map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return append([]map[string]any(nil), w.metadata...)
}

// AllMetadata returns Metadata followed by this service's own.
func (w *MetadataWatcher) AllMetadata() []map[string]any {
	return append(w.Metadata(), w.registry.Metadata())
}

func isTimeout(err error) bool {
	var timeoutError *transport.RequestTimeoutError
	return errors.As(err, &timeoutError)
}
