// Package channel provides the channel layer: ephemeral, process-owned channels and named
// groups of channels over a pluggable pub/sub backend.
//
// A channel is a message sink read by exactly one owner. A group is a set of channel names;
// sending to a group delivers the message to every member at the time of the send, so late
// joiners never see older messages.
//
// The layer moves opaque bytes and knows nothing about RPC. Delivery is best effort:
// sending to a channel that no longer exists is not an error.
package channel

import (
	"context"

	"github.com/nuclio/errors"
)

var (
	// ErrChannelLayerUnavailable is returned when no layer is configured under an alias.
	ErrChannelLayerUnavailable = errors.New("Channel layer is not configured")

	// ErrInvalidChannelLayer is returned when a layer configuration cannot be turned into a layer.
	ErrInvalidChannelLayer = errors.New("Channel layer is configured incorrectly")

	// ErrChannelFull is returned when a channel is over capacity.
	ErrChannelFull = errors.New("Channel is full")

	// ErrChannelNotFound is returned when receiving from a channel this layer does not hold.
	ErrChannelNotFound = errors.New("Channel not found")

	// ErrForeignChannel is returned by backends that can only manage groups of their own channels.
	ErrForeignChannel = errors.New("Channel is not owned by this layer")

	// ErrLayerClosed is returned after Close.
	ErrLayerClosed = errors.New("Channel layer is closed")
)

// Layer is the pub/sub primitive used by the RPC connection.
// Implementations must be safe for concurrent use.
type Layer interface {

	// NewChannel returns a name that collides with no live channel
	NewChannel(ctx context.Context, prefix string) (string, error)

	// Send delivers data to one channel, best effort
	Send(ctx context.Context, channel string, data []byte) error

	// Receive blocks until a message arrives on the channel or ctx is done
	Receive(ctx context.Context, channel string) ([]byte, error)

	// GroupAdd adds a channel to a group. Adding a member twice is a no-op
	GroupAdd(ctx context.Context, group string, channel string) error

	// GroupDiscard removes a channel from a group. Removing a non-member is a no-op
	GroupDiscard(ctx context.Context, group string, channel string) error

	// GroupSend delivers data to every current member of the group, independently
	GroupSend(ctx context.Context, group string, data []byte) error

	// DeleteChannel destroys a channel. Deleting an unknown channel is a no-op
	DeleteChannel(ctx context.Context, channel string) error

	// Close releases the backend
	Close() error
}
