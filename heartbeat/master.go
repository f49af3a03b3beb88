package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"chanrpc/client"
	"chanrpc/loadbalance"
	"chanrpc/message"
	"chanrpc/scheduler"
	"chanrpc/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MethodRegisterController = "register_controller"
	MethodHeartbeatReport    = "heartbeat_report"
	MethodPickController     = "pick_controller"

	DefaultHeartbeatInterval = 10 * time.Second

	maxConcurrentPolls = 16
	heartbeatJobName   = "heartbeat"
)

// Callback receives the report of every polled controller, error reports included.
type Callback func(ctx context.Context, controller string, report *Report)

type MasterConfig struct {
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	Limits            Limits
	Callback          Callback

	// Balancer picks among the healthy controllers. Defaults to round robin.
	Balancer loadbalance.Balancer
}

// Master keeps the controllers that registered with it and polls them periodically.
type Master struct {
	logger    *zap.Logger
	client    *client.Client
	scheduler *scheduler.Scheduler
	config    MasterConfig

	mu          sync.RWMutex
	controllers map[string]map[string]any
	reports     map[string]*Report
}

// NewMaster creates the master role and exposes register_controller on registry.
func NewMaster(parentLogger *zap.Logger,
	registry *server.Registry,
	rpcClient *client.Client,
	jobScheduler *scheduler.Scheduler,
	config MasterConfig) *Master {

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.Limits == (Limits{}) {
		config.Limits = DefaultLimits
	}
	if config.Balancer == nil {
		config.Balancer = &loadbalance.RoundRobinBalancer{}
	}

	m := &Master{
		logger:      parentLogger.Named("master"),
		client:      rpcClient,
		scheduler:   jobScheduler,
		config:      config,
		controllers: make(map[string]map[string]any),
		reports:     make(map[string]*Report),
	}
	if m.config.Callback == nil {
		m.config.Callback = m.logReport
	}

	registry.Register(MethodRegisterController, m.registerController)
	registry.Register(MethodPickController, m.pickController)
	return m
}

func (m *Master) Start(ctx context.Context) error {
	return m.scheduler.Every(heartbeatJobName, m.config.HeartbeatInterval, m.Poll)
}

func (m *Master) Stop(ctx context.Context) error {
	m.scheduler.Remove(heartbeatJobName)
	return nil
}

// Controllers returns the registered controller names, sorted.
func (m *Master) Controllers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.controllers))
	for name := range m.controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ControllerMetadata returns what the controller sent when registering.
func (m *Master) ControllerMetadata(name string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metadata, found := m.controllers[name]
	return metadata, found
}

// Poll requests a heartbeat report from every controller concurrently. A controller that
// fails yields an error report; it never keeps the others from being polled.
func (m *Master) Poll(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentPolls)

	for _, controller := range m.Controllers() {
		group.Go(func() error {
			report := &Report{}
			if err := m.client.RequestInto(groupCtx,
				report,
				controller,
				MethodHeartbeatReport,
				nil,
				client.WithTimeout(m.config.RequestTimeout),
				client.WithoutCache()); err != nil {
				report = &Report{Err: err}
			}

			m.mu.Lock()
			m.reports[controller] = report
			m.mu.Unlock()

			m.config.Callback(groupCtx, controller, report)
			return nil
		})
	}

	_ = group.Wait()
}

// LastReport returns the report of the latest poll of controller.
func (m *Master) LastReport(controller string) (*Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report, found := m.reports[controller]
	return report, found
}

// Pick hands key to one of the healthy controllers: polled successfully last time and not
// overloaded. Controllers are weighted by their spare capacity. It returns
// loadbalance.ErrNoCandidates when no controller is healthy.
func (m *Master) Pick(key string) (string, error) {
	m.mu.RLock()
	candidates := make([]loadbalance.Candidate, 0, len(m.reports))
	for controller, report := range m.reports {
		if _, registered := m.controllers[controller]; !registered {
			continue
		}
		if report.Err != nil || report.IsOverloaded(m.config.Limits) {
			continue
		}
		candidates = append(candidates, loadbalance.Candidate{
			Name:   controller,
			Weight: spareCapacity(report),
		})
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})
	return m.config.Balancer.Pick(key, candidates)
}

func (m *Master) pickController(ctx context.Context, call *message.Call) (any, error) {
	params := struct {
		Key string `json:"key"`
	}{}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}

	controller, err := m.Pick(params.Key)
	if err != nil {
		return nil, err
	}
	return map[string]string{"controller": controller}, nil
}

func (m *Master) registerController(ctx context.Context, call *message.Call) (any, error) {
	params := struct {
		Controller string         `json:"controller"`
		Metadata   map[string]any `json:"metadata"`
	}{}
	if err := call.Bind(&params); err != nil {
		return nil, err
	}
	if params.Controller == "" {
		params.Controller = call.Caller
	}

	m.mu.Lock()
	m.controllers[params.Controller] = params.Metadata
	m.mu.Unlock()

	m.logger.Info("Controller registered", zap.String("controller", params.Controller))
	return nil, nil
}

// percentage points left before the busier of the two measures reaches 100
func spareCapacity(report *Report) int {
	used := report.SystemLoad
	if report.RAMUsage > used {
		used = report.RAMUsage
	}
	spare := int(100 - used)
	if spare < 1 {
		return 1
	}
	return spare
}

func (m *Master) logReport(ctx context.Context, controller string, report *Report) {
	switch {
	case report.Err != nil:
		m.logger.Warn("Controller is unreachable", zap.String("controller", controller), zap.Error(report.Err))
	case report.IsOverloaded(m.config.Limits):
		m.logger.Warn("Controller is overloaded",
			zap.String("controller", controller),
			zap.Float64("systemLoad", report.SystemLoad),
			zap.Float64("ramUsage", report.RAMUsage))
	default:
		m.logger.Debug("Controller is healthy",
			zap.String("controller", controller),
			zap.Float64("systemLoad", report.SystemLoad),
			zap.Float64("ramUsage", report.RAMUsage))
	}
}
