// Package broker provides the in-memory channel bus used for real-time
// fan-out. The broker is unreliable by contract: a subscriber that is not
// attached at publish time does not receive the message. Durable delivery
// is layered on top of the event log, not on the broker.
//
// Three engines are available: Redis pub/sub, NATS, and an in-process
// memory bus for tests and single-node setups.
package broker

import (
	"context"
	"errors"
	"time"
)

// Broker errors
var (
	// ErrConnLost reports that a handle's underlying connection was lost.
	// Callers recover by detaching and attaching again; any message missed
	// in between is replayed from the event log by durable subscribers.
	ErrConnLost = errors.New("broker connection lost")

	// ErrBrokerClosed is returned once the broker has been shut down.
	ErrBrokerClosed = errors.New("broker closed")
)

// Broker is a publish/subscribe bus with per-channel fan-out to the
// currently attached handles.
type Broker interface {
	// Publish delivers payload to every handle currently attached to
	// channel. Handles that cannot keep up may miss messages.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Attach subscribes to channel and returns a polling handle.
	Attach(ctx context.Context, channel string) (Handle, error)

	// Close shuts the broker down and invalidates all handles.
	Close(ctx context.Context) error
}

// Handle is one attachment to a channel.
type Handle interface {
	// Poll returns the next message payload. It returns (nil, nil) when no
	// message arrived within timeout, and ErrConnLost when the connection
	// was dropped. Poll honours ctx cancellation.
	Poll(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Channel returns the channel this handle is attached to.
	Channel() string

	// Detach unsubscribes and releases the handle.
	Detach(ctx context.Context) error
}
