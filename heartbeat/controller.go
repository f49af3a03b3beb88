package heartbeat

import (
	"context"
	"time"

	"chanrpc/client"
	"chanrpc/message"
	"chanrpc/server"
	"go.uber.org/zap"
)

// DefaultRegisterDelay separates attempts to register with the master.
const DefaultRegisterDelay = 3 * time.Second

type ControllerConfig struct {
	Master        string
	Name          string
	Metadata      map[string]any
	RegisterDelay time.Duration
	Sampler       Sampler
}

// Controller registers with its master and answers heartbeat_report.
type Controller struct {
	logger *zap.Logger
	client *client.Client
	config ControllerConfig
}

// NewController creates the controller role and exposes heartbeat_report on registry.
// The controller name defaults to the service name.
func NewController(parentLogger *zap.Logger,
	registry *server.Registry,
	rpcClient *client.Client,
	config ControllerConfig) *Controller {

	if config.Name == "" {
		config.Name = registry.Service()
	}
	if config.RegisterDelay <= 0 {
		config.RegisterDelay = DefaultRegisterDelay
	}
	if config.Sampler == nil {
		config.Sampler = SystemSampler(200 * time.Millisecond)
	}

	c := &Controller{
		logger: parentLogger.Named("controller"),
		client: rpcClient,
		config: config,
	}

	registry.Register(MethodHeartbeatReport, c.heartbeatReport)
	return c
}

// Start registers with the master, retrying until it succeeds or ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	return c.Register(ctx)
}

func (c *Controller) Stop(ctx context.Context) error {
	return nil
}

// Register calls register_controller on the master until a request succeeds. A master that
// is not registered on discovery yet is retried like one that does not answer.
func (c *Controller) Register(ctx context.Context) error {
	err := client.Retry(ctx, client.RetryPolicy{
		MaxRetries: client.RetryForever,
		Delay:      c.config.RegisterDelay,
		Retryable:  client.IsUnavailable,
		OnError: func(attempt int, err error) {
			c.logger.Error("Cannot register on master, retrying",
				zap.String("master", c.config.Master),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	}, func(ctx context.Context) error {
		_, err := c.client.Request(ctx, c.config.Master, MethodRegisterController, message.Params{
			"controller": c.config.Name,
			"metadata":   c.config.Metadata,
		}, client.WithoutCache())
		return err
	})
	if err != nil {
		return err
	}

	c.logger.Info("Registered on master", zap.String("master", c.config.Master))
	return nil
}

func (c *Controller) heartbeatReport(ctx context.Context, call *message.Call) (any, error) {
	return c.config.Sampler(ctx)
}
