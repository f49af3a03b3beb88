package channel

import (
	"context"
	"sync"
)

const defaultCapacity = 100

// MemoryConfig configures the in-process layer.
type MemoryConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// MemoryLayer keeps channels and groups in process memory. It is meant for tests and for
// several services sharing one process; it delivers nothing across processes.
type MemoryLayer struct {
	capacity int
	mu       sync.RWMutex
	channels map[string]*localChannel
	groups   map[string]map[string]struct{}
	closed   bool
}

// NewMemoryLayer creates an empty in-process layer.
func NewMemoryLayer(config MemoryConfig) *MemoryLayer {
	if config.Capacity <= 0 {
		config.Capacity = defaultCapacity
	}
	return &MemoryLayer{
		capacity: config.Capacity,
		channels: make(map[string]*localChannel),
		groups:   make(map[string]map[string]struct{}),
	}
}

func (l *MemoryLayer) NewChannel(ctx context.Context, prefix string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrLayerClosed
	}

	name := newChannelName(prefix)
	l.channels[name] = newLocalChannel(l.capacity)
	return name, nil
}

func (l *MemoryLayer) Send(ctx context.Context, channel string, data []byte) error {
	l.mu.RLock()
	lc, ok := l.channels[channel]
	l.mu.RUnlock()

	// the channel is gone, the message is dropped
	if !ok {
		return nil
	}
	if !lc.deliver(data) {
		return ErrChannelFull
	}
	return nil
}

func (l *MemoryLayer) Receive(ctx context.Context, channel string) ([]byte, error) {
	l.mu.RLock()
	lc, ok := l.channels[channel]
	l.mu.RUnlock()

	if !ok {
		return nil, ErrChannelNotFound
	}
	return lc.receive(ctx)
}

func (l *MemoryLayer) GroupAdd(ctx context.Context, group string, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.groups[group]
	if !ok {
		members = make(map[string]struct{})
		l.groups[group] = members
	}
	members[channel] = struct{}{}
	return nil
}

func (l *MemoryLayer) GroupDiscard(ctx context.Context, group string, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.groups[group]
	if !ok {
		return nil
	}
	delete(members, channel)
	if len(members) == 0 {
		delete(l.groups, group)
	}
	return nil
}

func (l *MemoryLayer) GroupSend(ctx context.Context, group string, data []byte) error {
	l.mu.RLock()
	members := make([]string, 0, len(l.groups[group]))
	for member := range l.groups[group] {
		members = append(members, member)
	}
	l.mu.RUnlock()

	// each member is independent: a full or dead channel does not stop the others
	for _, member := range members {
		_ = l.Send(ctx, member, data)
	}
	return nil
}

func (l *MemoryLayer) DeleteChannel(ctx context.Context, channel string) error {
	l.mu.Lock()
	lc, ok := l.channels[channel]
	delete(l.channels, channel)
	l.mu.Unlock()

	if ok {
		lc.close()
	}
	return nil
}

func (l *MemoryLayer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, lc := range l.channels {
		lc.close()
		delete(l.channels, name)
	}
	l.groups = make(map[string]map[string]struct{})
	l.closed = true
	return nil
}

// GroupMembers returns a snapshot of the group's channel names.
func (l *MemoryLayer) GroupMembers(group string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	members := make([]string, 0, len(l.groups[group]))
	for member := range l.groups[group] {
		members = append(members, member)
	}
	return members
}
