package discovery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"chanrpc/channel"
	"chanrpc/client"
	"chanrpc/message"
	"chanrpc/middleware"
	"chanrpc/registry"
	"chanrpc/scheduler"
	"chanrpc/server"
	"chanrpc/transport"
	"github.com/nuclio/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type node struct {
	registry   *server.Registry
	connection *transport.Connection
	client     *client.Client
}

type DiscoveryTestSuite struct {
	suite.Suite
	logger    *zap.Logger
	layer     *channel.MemoryLayer
	ctx       context.Context
	scheduler *scheduler.Scheduler
	storage   *registry.MemoryStorage
	nodes     []*node

	discoveryNode *node
	discovery     *Service
	pings         atomic.Int32
}

func (suite *DiscoveryTestSuite) SetupTest() {
	suite.logger = zaptest.NewLogger(suite.T())
	suite.layer = channel.NewMemoryLayer(channel.MemoryConfig{})
	suite.ctx = context.Background()
	suite.scheduler = scheduler.NewScheduler(suite.logger)
	suite.storage = registry.NewMemoryStorage()
	suite.nodes = nil
	suite.pings.Store(0)

	suite.discoveryNode = suite.newNode(DefaultName)
	suite.discoveryNode.registry.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			if call.Method == server.MethodPing {
				suite.pings.Add(1)
			}
			return next(ctx, call)
		}
	})

	config := DefaultConfig()
	config.PingTimeout = 200 * time.Millisecond
	config.Services = map[string]registry.Networks{
		DefaultName: {"internal": "discovery:9000"},
	}

	var err error
	suite.discovery, err = NewService(suite.logger,
		suite.discoveryNode.registry,
		suite.discoveryNode.client,
		suite.storage,
		suite.scheduler,
		config)
	suite.Require().NoError(err)
}

func (suite *DiscoveryTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(suite.ctx, 2*time.Second)
	defer cancel()

	suite.Require().NoError(suite.scheduler.Stop(ctx))
	for _, n := range suite.nodes {
		suite.Require().NoError(n.connection.Disconnect(ctx))
	}
}

func (suite *DiscoveryTestSuite) newNode(service string, options ...server.Option) *node {
	methodRegistry := server.NewRegistry(suite.logger, service, options...)
	connection := transport.NewConnection(suite.logger, transport.Config{
		Service:        service,
		Layer:          suite.layer,
		Dispatcher:     methodRegistry,
		DefaultTimeout: 300 * time.Millisecond,
	})

	n := &node{
		registry:   methodRegistry,
		connection: connection,
		client:     client.NewClient(suite.logger, connection, client.Config{}),
	}
	suite.nodes = append(suite.nodes, n)
	return n
}

func (suite *DiscoveryTestSuite) connect(nodes ...*node) {
	for _, n := range nodes {
		suite.Require().NoError(n.connection.Connect(suite.ctx))
	}
}

func (suite *DiscoveryTestSuite) newRegistrar(n *node, networks registry.Networks) *Registrar {
	return NewRegistrar(suite.logger, n.registry.Service(), n.client, suite.scheduler, RegistrarConfig{
		Networks:      networks,
		RetryDelay:    50 * time.Millisecond,
		RefreshPeriod: time.Second,
	})
}

func (suite *DiscoveryTestSuite) startDiscovery() {
	suite.connect(suite.discoveryNode)
	suite.Require().NoError(suite.discovery.Start(suite.ctx))
}

func (suite *DiscoveryTestSuite) TestRegisterAndDiscover() {
	suite.startDiscovery()
	svc1 := suite.newNode("svc1")
	suite.connect(svc1)

	registrar := suite.newRegistrar(svc1, registry.Networks{"internal": "svc1:8000", "external": "svc1.example.com"})
	suite.Require().NoError(registrar.Start(suite.ctx))

	networks, err := registrar.Discover(suite.ctx, "svc1")
	suite.Require().NoError(err)
	suite.Require().Equal(registry.Networks{"internal": "svc1:8000", "external": "svc1.example.com"}, networks)

	networks, err = registrar.Discover(suite.ctx, "svc1", "internal")
	suite.Require().NoError(err)
	suite.Require().Equal(registry.Networks{"internal": "svc1:8000"}, networks)

	_, err = registrar.Discover(suite.ctx, "missing")
	suite.Require().ErrorIs(err, registry.ErrServiceDoesNotExist)
	suite.Require().EqualError(err, "Service does not exists: missing")

	// the allow-list holds the registered services and discovery itself
	suite.Require().Equal([]string{DefaultName, "svc1"}, svc1.client.RegisteredServices())
	suite.Require().ErrorIs(svc1.client.CheckService("svc2"), registry.ErrServiceDoesNotExist)

	address, err := registrar.Location("svc1", "internal")
	suite.Require().NoError(err)
	suite.Require().Equal("svc1:8000", address)

	_, err = registrar.Location("svc1", "backplane")
	suite.Require().Error(err)
	_, err = registrar.Location("svc2", "internal")
	suite.Require().ErrorIs(err, registry.ErrServiceDoesNotExist)

	names, err := suite.discovery.Names(suite.ctx)
	suite.Require().NoError(err)
	suite.Require().Equal([]string{DefaultName, "svc1"}, names)
}

func (suite *DiscoveryTestSuite) TestLateRegistrationIsCallable() {
	suite.startDiscovery()
	svc1 := suite.newNode("svc1")
	svc2 := suite.newNode("svc2")
	suite.connect(svc1, svc2)

	registrar := suite.newRegistrar(svc1, registry.Networks{"internal": "svc1:8000"})
	suite.Require().NoError(registrar.Start(suite.ctx))
	defer registrar.Stop(suite.ctx) // nolint: errcheck

	// svc2 registers after svc1 loaded its allow-list
	suite.Require().NoError(suite.newRegistrar(svc2, registry.Networks{"internal": "svc2:8000"}).Register(suite.ctx))

	pong := map[string]string{}
	suite.Require().NoError(svc1.client.RequestInto(suite.ctx, &pong, "svc2", server.MethodPing, nil))
	suite.Require().Equal("pong", pong["message"])
	suite.Require().Contains(svc1.client.RegisteredServices(), "svc2")
	suite.Require().Contains(registrar.RegisteredServices(), "svc2")

	// never registered, still refused without sending
	_, err := svc1.client.Request(suite.ctx, "svc3", server.MethodPing, nil)
	suite.Require().ErrorIs(err, registry.ErrServiceDoesNotExist)
}

func (suite *DiscoveryTestSuite) TestRegistrarRefreshesRegisteredServices() {
	suite.startDiscovery()
	svc1 := suite.newNode("svc1")
	svc2 := suite.newNode("svc2")
	suite.connect(svc1, svc2)

	registrar := suite.newRegistrar(svc1, nil)
	suite.Require().NoError(registrar.Start(suite.ctx))
	suite.Require().Contains(suite.scheduler.Jobs(), refreshJobName)
	suite.scheduler.Start()

	suite.Require().NoError(suite.newRegistrar(svc2, nil).Register(suite.ctx))

	suite.Require().Eventually(func() bool {
		return svc1.client.CheckService("svc2") == nil
	}, 5*time.Second, 50*time.Millisecond)

	suite.Require().NoError(registrar.Stop(suite.ctx))
	suite.Require().NotContains(suite.scheduler.Jobs(), refreshJobName)
}

func (suite *DiscoveryTestSuite) TestRegistrationReplacesEntry() {
	suite.startDiscovery()

	suite.Require().NoError(suite.discovery.RegisterOrUpdate(suite.ctx, "svc1", registry.Networks{"a": "1", "b": "2"}))
	suite.Require().NoError(suite.discovery.RegisterOrUpdate(suite.ctx, "svc1", registry.Networks{"c": "3"}))

	networks, err := suite.discovery.GetService(suite.ctx, "svc1")
	suite.Require().NoError(err)
	suite.Require().Equal(registry.Networks{"c": "3"}, networks)

	suite.Require().Error(suite.discovery.RegisterOrUpdate(suite.ctx, "", nil))
}

func (suite *DiscoveryTestSuite) TestUnresponsiveServiceIsEvictedAndHealed() {
	suite.startDiscovery()
	svc1 := suite.newNode("svc1")
	suite.connect(svc1)
	suite.Require().NoError(suite.newRegistrar(svc1, registry.Networks{"internal": "svc1:8000"}).Register(suite.ctx))

	suite.discovery.CheckServices(suite.ctx)
	_, err := suite.discovery.GetService(suite.ctx, "svc1")
	suite.Require().NoError(err)

	suite.Require().NoError(svc1.connection.Disconnect(suite.ctx))
	suite.discovery.CheckServices(suite.ctx)

	_, err = suite.discovery.GetService(suite.ctx, "svc1")
	suite.Require().ErrorIs(err, registry.ErrServiceDoesNotExist)

	services, err := suite.discovery.GetServices(suite.ctx)
	suite.Require().NoError(err)
	suite.Require().NotContains(services, "svc1")

	// back with the networks it last registered
	suite.connect(svc1)
	suite.discovery.CheckServices(suite.ctx)

	networks, err := suite.discovery.GetService(suite.ctx, "svc1")
	suite.Require().NoError(err)
	suite.Require().Equal(registry.Networks{"internal": "svc1:8000"}, networks)
}

func (suite *DiscoveryTestSuite) TestEvictionAfterAllPingAttemptsFail() {
	suite.startDiscovery()

	var attempts atomic.Int32
	flaky := suite.newNode("flaky")
	flaky.registry.Register(server.MethodPing, func(ctx context.Context, call *message.Call) (any, error) {
		attempts.Add(1)
		return nil, errors.New("Not ready")
	})
	suite.connect(flaky)
	suite.Require().NoError(suite.discovery.RegisterOrUpdate(suite.ctx, "flaky", registry.Networks{"internal": "flaky:1"}))

	suite.discovery.CheckServices(suite.ctx)

	suite.Require().Equal(int32(DefaultPingMaxRetries+1), attempts.Load())
	exists, err := suite.storage.Exists(suite.ctx, "flaky")
	suite.Require().NoError(err)
	suite.Require().False(exists)
}

func (suite *DiscoveryTestSuite) TestSelfIsNeverPinged() {
	suite.startDiscovery()

	suite.discovery.CheckServices(suite.ctx)
	suite.Require().Zero(suite.pings.Load())

	exists, err := suite.storage.Exists(suite.ctx, DefaultName)
	suite.Require().NoError(err)
	suite.Require().True(exists)
}

func (suite *DiscoveryTestSuite) TestStartCleansUpConfiguredServices() {
	suite.Require().NoError(suite.storage.Set(suite.ctx, DefaultName, registry.Networks{"internal": "stale:1"}))
	suite.Require().NoError(suite.storage.Set(suite.ctx, "unrelated", registry.Networks{"internal": "other:1"}))

	suite.startDiscovery()

	networks, err := suite.storage.Get(suite.ctx, DefaultName)
	suite.Require().NoError(err)
	suite.Require().Equal(registry.Networks{"internal": "discovery:9000"}, networks)

	// names discovery never knew about are left alone
	exists, err := suite.storage.Exists(suite.ctx, "unrelated")
	suite.Require().NoError(err)
	suite.Require().True(exists)

	suite.Require().Contains(suite.scheduler.Jobs(), checkJobName)
	suite.Require().NoError(suite.discovery.Stop(suite.ctx))
	suite.Require().NotContains(suite.scheduler.Jobs(), checkJobName)
}

func (suite *DiscoveryTestSuite) TestUnregisterForgetsService() {
	suite.startDiscovery()
	svc1 := suite.newNode("svc1")
	suite.connect(svc1)

	registrar := suite.newRegistrar(svc1, registry.Networks{"internal": "svc1:8000"})
	suite.Require().NoError(registrar.Start(suite.ctx))
	suite.Require().NoError(registrar.Stop(suite.ctx))

	_, err := suite.discovery.GetService(suite.ctx, "svc1")
	suite.Require().ErrorIs(err, registry.ErrServiceDoesNotExist)

	// no longer checked, so never restored
	suite.discovery.CheckServices(suite.ctx)
	_, err = suite.discovery.GetService(suite.ctx, "svc1")
	suite.Require().ErrorIs(err, registry.ErrServiceDoesNotExist)
}

func (suite *DiscoveryTestSuite) TestRegistrarRetriesUntilDiscoveryIsUp() {
	svc1 := suite.newNode("svc1")
	suite.connect(svc1)
	registrar := suite.newRegistrar(svc1, registry.Networks{"internal": "svc1:8000"})

	done := make(chan error, 1)
	go func() {
		done <- registrar.Start(suite.ctx)
	}()

	time.Sleep(500 * time.Millisecond)
	suite.startDiscovery()

	select {
	case err := <-done:
		suite.Require().NoError(err)
	case <-time.After(5 * time.Second):
		suite.Fail("Registrar never registered")
	}

	_, err := suite.discovery.GetService(suite.ctx, "svc1")
	suite.Require().NoError(err)
}

func (suite *DiscoveryTestSuite) TestRegistrarGivesUpWithContext() {
	svc1 := suite.newNode("svc1")
	suite.connect(svc1)
	registrar := suite.newRegistrar(svc1, nil)

	ctx, cancel := context.WithTimeout(suite.ctx, 200*time.Millisecond)
	defer cancel()

	suite.Require().ErrorIs(registrar.Register(ctx), context.DeadlineExceeded)
}

func (suite *DiscoveryTestSuite) TestMetadataWatcher() {
	suite.startDiscovery()

	svc1 := suite.newNode("svc1", server.WithMetadata(map[string]any{"name": "svc1", "version": "1.0"}))
	admin := suite.newNode("admin", server.WithMetadata(map[string]any{"name": "admin"}))
	suite.connect(svc1, admin)

	suite.Require().NoError(suite.newRegistrar(svc1, nil).Register(suite.ctx))
	suite.Require().NoError(suite.newRegistrar(admin, nil).Register(suite.ctx))

	// registered, but never answers
	suite.Require().NoError(suite.discovery.RegisterOrUpdate(suite.ctx, "ghost", nil))

	watcher := NewMetadataWatcher(suite.logger, admin.registry, admin.client, suite.scheduler, WatcherConfig{
		Period:     time.Second,
		RetryDelay: 50 * time.Millisecond,
	})
	suite.Require().NoError(watcher.Start(suite.ctx))
	defer watcher.Stop(suite.ctx) // nolint: errcheck

	// discovery and svc1; ghost timed out and admin is this service
	metadata := watcher.Metadata()
	suite.Require().Len(metadata, 2)

	var named []any
	for _, serviceMetadata := range metadata {
		if name, found := serviceMetadata["name"]; found {
			named = append(named, name)
		}
	}
	suite.Require().Equal([]any{"svc1"}, named)

	all := watcher.AllMetadata()
	suite.Require().Len(all, 3)
	suite.Require().Equal("admin", all[2]["name"])
}

func TestDiscoveryTestSuite(t *testing.T) {
	suite.Run(t, new(DiscoveryTestSuite))
}
