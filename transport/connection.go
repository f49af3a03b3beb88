// Package transport implements the internal RPC connection: request/response semantics on
// top of a channel layer.
//
// Every connection owns a private channel and joins the group of its service. Requests go
// to the target's group; whichever instance of the target receives the call answers on the
// caller's private channel, and the reply is routed back to the waiting goroutine by id.
//
//	goroutine-1 ──Request(id=1)──┐
//	goroutine-2 ──Request(id=2)──┼──→ GroupSend(internal_<target>) ──→ target connection
//	goroutine-3 ──Push(no id)────┘
//
//	recvLoop:  ←── response(id=2) on private channel → pending[2] → goroutine-2 wakes up
//	           ←── call from another service → dispatcher (own goroutine) → Send(reply channel)
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"chanrpc/channel"
	"chanrpc/codec"
	"chanrpc/message"
	"chanrpc/metrics"
	"github.com/nuclio/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout applies when a request does not set its own.
	DefaultRequestTimeout = 10 * time.Second

	// GroupPrefix starts the group name every instance of a service joins.
	GroupPrefix = "internal_"

	// DefaultGroupRefreshPeriod separates re-joins of the service group, well within the
	// membership expiry of layers that expire members.
	DefaultGroupRefreshPeriod = time.Hour

	receiveErrorBackoff = 100 * time.Millisecond
)

// GroupName returns the group the instances of service listen on.
func GroupName(service string) string {
	return GroupPrefix + service
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Dispatcher executes incoming calls. The method registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call *message.Call) *message.Result
}

// Config holds what a connection needs. Layer may be nil, Connect then fails with
// channel.ErrChannelLayerUnavailable.
type Config struct {
	Service        string
	Layer          channel.Layer
	Dispatcher     Dispatcher
	Codec          codec.Codec
	DefaultTimeout time.Duration
	Metrics        *metrics.Recorder
}

// reply resolves a pending request
type reply struct {
	value   json.RawMessage
	info    *message.ErrorInfo
	failure error
}

// Connection is the RPC endpoint of one service instance.
type Connection struct {
	logger         *zap.Logger
	service        string
	layer          channel.Layer
	dispatcher     Dispatcher
	codec          codec.Codec
	defaultTimeout time.Duration
	metrics        *metrics.Recorder

	// serializes Connect and Disconnect
	lifecycleMu sync.Mutex
	state       atomic.Int32
	channelName atomic.Value // string

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan reply

	stopLoop       context.CancelFunc
	loopDone       chan struct{}
	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	inFlight       sync.WaitGroup
}

// NewConnection creates a disconnected connection.
func NewConnection(parentLogger *zap.Logger, config Config) *Connection {
	if config.Codec == nil {
		config.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultRequestTimeout
	}

	return &Connection{
		logger:         parentLogger.Named("transport").With(zap.String("service", config.Service)),
		service:        config.Service,
		layer:          config.Layer,
		dispatcher:     config.Dispatcher,
		codec:          config.Codec,
		defaultTimeout: config.DefaultTimeout,
		metrics:        config.Metrics,
		pending:        make(map[uint64]chan reply),
	}
}

// Connect allocates the private channel, joins the service group and starts receiving.
// Connecting a connected connection is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateDisconnected {
		return nil
	}

	if c.layer == nil {
		c.logger.Warn("NOT_CONNECTED: no channel layer configured")
		return channel.ErrChannelLayerUnavailable
	}

	c.setState(StateConnecting)

	channelName, err := c.layer.NewChannel(ctx, c.service)
	if err != nil {
		c.setState(StateDisconnected)
		return errors.Wrap(err, "Failed to create private channel")
	}

	if err := c.layer.GroupAdd(ctx, GroupName(c.service), channelName); err != nil {
		c.setState(StateDisconnected)
		return multierr.Append(errors.Wrap(err, "Failed to join service group"),
			c.layer.DeleteChannel(ctx, channelName))
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	c.channelName.Store(channelName)
	c.stopLoop = stopLoop
	c.loopDone = make(chan struct{})
	c.dispatchCtx, c.cancelDispatch = context.WithCancel(context.Background())

	go c.recvLoop(loopCtx, channelName, c.loopDone)

	c.setState(StateConnected)
	c.logger.Info("Connected",
		zap.String("channel", channelName),
		zap.String("group", GroupName(c.service)))
	return nil
}

// Disconnect leaves the service group, stops receiving, waits for in-flight calls (bounded
// by ctx), deletes the private channel and fails every pending request with ErrDisconnected.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateConnected {
		return nil
	}

	channelName := c.ChannelName()

	var err error
	err = multierr.Append(err, c.layer.GroupDiscard(ctx, GroupName(c.service), channelName))

	c.stopLoop()
	<-c.loopDone

	inFlightDone := make(chan struct{})
	go func() {
		c.inFlight.Wait()
		close(inFlightDone)
	}()

	select {
	case <-inFlightDone:
	case <-ctx.Done():
		c.logger.Warn("Gave up waiting for in-flight calls", zap.Error(ctx.Err()))
	}
	c.cancelDispatch()

	err = multierr.Append(err, c.layer.DeleteChannel(ctx, channelName))

	c.setState(StateDisconnected)
	c.channelName.Store("")
	c.failPending(ErrDisconnected)
	c.logger.Info("Disconnected", zap.String("channel", channelName))

	if err != nil {
		return errors.Wrap(err, "Failed to disconnect cleanly")
	}
	return nil
}

// RefreshGroup joins the service group again. Layers that expire group members count
// membership from the last join, so a long-lived connection calls it periodically.
func (c *Connection) RefreshGroup(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateConnected {
		return ErrDisconnected
	}

	if err := c.layer.GroupAdd(ctx, GroupName(c.service), c.ChannelName()); err != nil {
		return errors.Wrap(err, "Failed to rejoin service group")
	}

	c.logger.Debug("Rejoined service group", zap.String("group", GroupName(c.service)))
	return nil
}

// Request calls method on target and waits for the reply, at most timeout (the default
// timeout when zero). The caller name is added to params as "service".
func (c *Connection) Request(ctx context.Context,
	target string,
	method string,
	params message.Params,
	timeout time.Duration) (json.RawMessage, error) {

	if c.State() != StateConnected {
		return nil, ErrDisconnected
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	start := time.Now()
	encodedParams, err := params.Encode(c.service)
	if err != nil {
		return nil, err
	}

	// register before sending so a fast reply always finds its slot
	id := c.nextID.Add(1)
	slot := make(chan reply, 1)
	c.addPending(id, slot)
	defer c.removePending(id)

	data, err := c.codec.Encode(message.NewRequest(c.service, c.ChannelName(), method, encodedParams, &id))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode request")
	}

	if err := c.layer.GroupSend(ctx, GroupName(target), data); err != nil {
		c.metrics.ObserveRequest(target, method, metrics.OutcomeError, time.Since(start))
		return nil, errors.Wrapf(err, "Failed to send request to %s", target)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resolved := <-slot:
		elapsed := time.Since(start)
		c.logger.Debug("Request finished",
			zap.String("target", target),
			zap.String("method", method),
			zap.Uint64("id", id),
			zap.Duration("elapsed", elapsed))

		switch {
		case resolved.failure != nil:
			c.metrics.ObserveRequest(target, method, metrics.OutcomeError, elapsed)
			return nil, resolved.failure
		case resolved.info != nil:
			c.metrics.ObserveRequest(target, method, metrics.OutcomeError, elapsed)
			return nil, &RequestError{Service: target, Method: method, Info: resolved.info}
		default:
			c.metrics.ObserveRequest(target, method, metrics.OutcomeSuccess, elapsed)
			return resolved.value, nil
		}

	case <-timer.C:
		c.logger.Debug("Request timed out",
			zap.String("target", target),
			zap.String("method", method),
			zap.Uint64("id", id),
			zap.Duration("timeout", timeout))
		c.metrics.ObserveRequest(target, method, metrics.OutcomeTimeout, time.Since(start))
		return nil, newRequestTimeoutError(target, method, timeout)

	case <-ctx.Done():
		c.metrics.ObserveRequest(target, method, metrics.OutcomeCancelled, time.Since(start))
		return nil, ctx.Err()
	}
}

// Push calls method on target without waiting for, or ever receiving, a reply.
func (c *Connection) Push(ctx context.Context, target string, method string, params message.Params) error {
	if c.State() != StateConnected {
		return ErrDisconnected
	}

	start := time.Now()
	encodedParams, err := params.Encode(c.service)
	if err != nil {
		return err
	}

	data, err := c.codec.Encode(message.NewRequest(c.service, "", method, encodedParams, nil))
	if err != nil {
		return errors.Wrap(err, "Failed to encode push")
	}

	if err := c.layer.GroupSend(ctx, GroupName(target), data); err != nil {
		return errors.Wrapf(err, "Failed to send push to %s", target)
	}

	c.metrics.ObservePush(target, method)
	c.logger.Debug("Pushed",
		zap.String("target", target),
		zap.String("method", method),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Service returns the name of the service the connection belongs to.
func (c *Connection) Service() string {
	return c.service
}

// ChannelName returns the private channel, empty while disconnected.
func (c *Connection) ChannelName() string {
	channelName, _ := c.channelName.Load().(string)
	return channelName
}

// PendingCount returns the number of requests waiting for a reply.
func (c *Connection) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	return len(c.pending)
}

func (c *Connection) setState(state State) {
	c.state.Store(int32(state))
}

func (c *Connection) addPending(id uint64, slot chan reply) {
	c.pendingMu.Lock()
	c.pending[id] = slot
	count := len(c.pending)
	c.pendingMu.Unlock()

	c.metrics.SetPending(count)
}

func (c *Connection) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	count := len(c.pending)
	c.pendingMu.Unlock()

	c.metrics.SetPending(count)
}

// resolve hands the reply to the request waiting on id. Unknown ids are dropped.
func (c *Connection) resolve(id uint64, resolved reply) {
	c.pendingMu.Lock()
	slot, found := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if !found {
		c.logger.Debug("Dropping reply for unknown request", zap.Uint64("id", id))
		return
	}

	// buffered with one slot and removed from the map above, so this never blocks
	slot <- resolved
}

func (c *Connection) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	c.pendingMu.Unlock()

	for _, slot := range pending {
		slot <- reply{failure: err}
	}
	c.metrics.SetPending(0)
}
