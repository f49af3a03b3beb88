package channel

import (
	"context"
	"sync"
)

// localChannel is the in-process queue behind a channel owned by a layer instance.
// Backends that receive through subscriptions (memory, NATS, AMQP) push into it and
// Receive reads from it.
type localChannel struct {
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newLocalChannel(capacity int) *localChannel {
	return &localChannel{
		queue: make(chan []byte, capacity),
		done:  make(chan struct{}),
	}
}

// deliver enqueues without blocking. It returns false when the queue is full or closed.
func (lc *localChannel) deliver(data []byte) bool {
	select {
	case <-lc.done:
		return false
	default:
	}

	select {
	case lc.queue <- data:
		return true
	default:
		return false
	}
}

func (lc *localChannel) receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-lc.queue:
		return data, nil
	case <-lc.done:
		return nil, ErrChannelNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (lc *localChannel) close() {
	lc.closeOnce.Do(func() {
		close(lc.done)
	})
}
