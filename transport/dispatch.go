package transport

import (
	"context"
	"errors"
	"time"

	"chanrpc/channel"
	"chanrpc/message"
	"go.uber.org/zap"
)

// recvLoop is the single reader of the private channel. Replies are resolved inline, in
// arrival order; calls are executed in their own goroutines.
func (c *Connection) recvLoop(ctx context.Context, channelName string, done chan struct{}) {
	defer close(done)

	for {
		data, err := c.layer.Receive(ctx, channelName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, channel.ErrChannelNotFound) || errors.Is(err, channel.ErrLayerClosed) {
				c.logger.Warn("Private channel is gone, stopping receive loop", zap.Error(err))
				return
			}

			c.logger.Warn("Failed to receive", zap.Error(err))
			select {
			case <-time.After(receiveErrorBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		c.onMessage(data)
	}
}

func (c *Connection) onMessage(data []byte) {
	envelope := &message.Envelope{}
	if err := c.codec.Decode(data, envelope); err != nil {
		c.logger.Warn("Failed to decode message", zap.Error(err))
		return
	}

	if envelope.Type == "" {
		c.logger.Warn("Skipping message without type", zap.String("from", envelope.Service))
		return
	}
	if envelope.Type != message.TypeInternalJSONRPC || envelope.Payload == nil {
		c.logger.Warn("Skipping unsupported message",
			zap.String("type", envelope.Type),
			zap.String("from", envelope.Service))
		return
	}

	payload := envelope.Payload
	switch {
	case payload.IsError():
		if payload.ID == nil {
			c.logger.Debug("Dropping error without id", zap.String("error", payload.Error.Message))
			return
		}
		c.resolve(*payload.ID, reply{info: payload.Error})

	case payload.IsResult():
		if payload.ID == nil {
			c.logger.Debug("Dropping result without id", zap.String("from", envelope.Service))
			return
		}
		c.resolve(*payload.ID, reply{value: payload.Result})

	case payload.IsCall():
		c.inFlight.Add(1)
		go c.execute(envelope)

	default:
		c.logger.Warn("Received invalid payload", zap.String("from", envelope.Service))
	}
}

// execute runs an incoming call and answers it when the caller waits for a reply.
func (c *Connection) execute(envelope *message.Envelope) {
	defer c.inFlight.Done()

	payload := envelope.Payload
	call := &message.Call{
		Caller: envelope.Service,
		Method: payload.Method,
		Params: payload.Params,
		ID:     payload.ID,
	}

	var result *message.Result
	if c.dispatcher == nil {
		result = message.Fail("Method not found: " + call.Method)
	} else {
		result = c.dispatcher.Dispatch(c.dispatchCtx, call)
	}

	if !payload.ExpectsReply() {
		return
	}
	if envelope.Channel == "" {
		c.logger.Warn("Call expects a reply but carries no reply channel",
			zap.String("from", envelope.Service),
			zap.String("method", call.Method))
		return
	}

	data, err := c.codec.Encode(message.NewResponse(c.service, payload.ID, result))
	if err != nil {
		c.logger.Warn("Failed to encode response", zap.String("method", call.Method), zap.Error(err))
		return
	}

	// the caller may be gone already, the layer drops the reply then
	if err := c.layer.Send(c.dispatchCtx, envelope.Channel, data); err != nil {
		c.logger.Warn("Failed to send response",
			zap.String("to", envelope.Service),
			zap.String("method", call.Method),
			zap.Error(err))
	}
}
