package channel

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nuclio/errors"
)

// NATSConfig configures the NATS layer.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Prefix   string `mapstructure:"prefix"`
	Capacity int    `mapstructure:"capacity"`
}

// NATSLayer maps channels and groups onto NATS subjects:
//
//	channel  <prefix>.channel.<name>
//	group    <prefix>.group.<name>
//
// The layer subscribes on behalf of the channels it created and pushes what it gets into
// their local queues, so groups can only be joined by channels owned by the same instance.
// Publishing to a subject nobody listens on is dropped by the server, which gives the
// best-effort semantics of Send for free.
type NATSLayer struct {
	conn     *nats.Conn
	prefix   string
	capacity int

	mu       sync.Mutex
	channels map[string]*natsChannel
}

type natsChannel struct {
	*localChannel
	subscriptions map[string]*nats.Subscription // "" is the channel's own subject, otherwise group name
}

// NewNATSLayer connects to the NATS server.
func NewNATSLayer(config NATSConfig) (*NATSLayer, error) {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Prefix == "" {
		config.Prefix = "chanrpc"
	}
	if config.Capacity <= 0 {
		config.Capacity = defaultCapacity
	}

	conn, err := nats.Connect(config.URL, nats.Name(config.Prefix))
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to connect to NATS server %s", config.URL)
	}

	return &NATSLayer{
		conn:     conn,
		prefix:   config.Prefix,
		capacity: config.Capacity,
		channels: make(map[string]*natsChannel),
	}, nil
}

func (l *NATSLayer) NewChannel(ctx context.Context, prefix string) (string, error) {
	name := newChannelName(prefix)
	nc := &natsChannel{
		localChannel:  newLocalChannel(l.capacity),
		subscriptions: make(map[string]*nats.Subscription),
	}

	subscription, err := l.conn.Subscribe(l.channelSubject(name), l.deliverTo(nc))
	if err != nil {
		return "", errors.Wrap(err, "Failed to subscribe channel subject")
	}
	nc.subscriptions[""] = subscription

	// the subscription must be live on the server before the name is handed out
	if err := l.conn.Flush(); err != nil {
		_ = subscription.Unsubscribe()
		return "", errors.Wrap(err, "Failed to flush channel subscription")
	}

	l.mu.Lock()
	l.channels[name] = nc
	l.mu.Unlock()

	return name, nil
}

func (l *NATSLayer) Send(ctx context.Context, channel string, data []byte) error {
	if err := l.conn.Publish(l.channelSubject(channel), data); err != nil {
		return errors.Wrap(err, "Failed to publish to channel")
	}
	return nil
}

func (l *NATSLayer) Receive(ctx context.Context, channel string) ([]byte, error) {
	nc, ok := l.channel(channel)
	if !ok {
		return nil, ErrChannelNotFound
	}
	return nc.receive(ctx)
}

func (l *NATSLayer) GroupAdd(ctx context.Context, group string, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	nc, ok := l.channels[channel]
	if !ok {
		return ErrForeignChannel
	}
	if _, joined := nc.subscriptions[group]; joined {
		return nil
	}

	subscription, err := l.conn.Subscribe(l.groupSubject(group), l.deliverTo(nc))
	if err != nil {
		return errors.Wrapf(err, "Failed to subscribe group %s", group)
	}
	nc.subscriptions[group] = subscription

	if err := l.conn.Flush(); err != nil {
		return errors.Wrapf(err, "Failed to flush group %s subscription", group)
	}
	return nil
}

func (l *NATSLayer) GroupDiscard(ctx context.Context, group string, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	nc, ok := l.channels[channel]
	if !ok {
		return nil
	}
	subscription, joined := nc.subscriptions[group]
	if !joined || group == "" {
		return nil
	}
	delete(nc.subscriptions, group)

	if err := subscription.Unsubscribe(); err != nil {
		return errors.Wrapf(err, "Failed to unsubscribe group %s", group)
	}
	return nil
}

func (l *NATSLayer) GroupSend(ctx context.Context, group string, data []byte) error {
	if err := l.conn.Publish(l.groupSubject(group), data); err != nil {
		return errors.Wrapf(err, "Failed to publish to group %s", group)
	}
	return nil
}

func (l *NATSLayer) DeleteChannel(ctx context.Context, channel string) error {
	l.mu.Lock()
	nc, ok := l.channels[channel]
	delete(l.channels, channel)
	l.mu.Unlock()

	if !ok {
		return nil
	}

	nc.close()
	for _, subscription := range nc.subscriptions {

		// a subscription may already be invalid if the connection dropped
		_ = subscription.Unsubscribe()
	}
	return nil
}

func (l *NATSLayer) Close() error {
	l.mu.Lock()
	names := make([]string, 0, len(l.channels))
	for name := range l.channels {
		names = append(names, name)
	}
	l.mu.Unlock()

	for _, name := range names {
		_ = l.DeleteChannel(context.Background(), name)
	}

	l.conn.Close()
	return nil
}

func (l *NATSLayer) channel(name string) (*natsChannel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nc, ok := l.channels[name]
	return nc, ok
}

func (l *NATSLayer) deliverTo(nc *natsChannel) nats.MsgHandler {
	return func(msg *nats.Msg) {

		// never block the subscription goroutine, an overflowing channel drops
		nc.deliver(msg.Data)
	}
}

func (l *NATSLayer) channelSubject(name string) string {
	return l.prefix + ".channel." + name
}

func (l *NATSLayer) groupSubject(name string) string {
	return l.prefix + ".group." + name
}
