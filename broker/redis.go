package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker is a Broker backed by Redis pub/sub. Each handle owns its own
// PubSub connection, matching Redis semantics where a subscribing
// connection is dedicated to the subscription.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a broker on an existing Redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// NewRedisBrokerFromURL connects to the given redis:// URL.
func NewRedisBrokerFromURL(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

// Publish sends payload on channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Attach opens a dedicated pub/sub connection for channel.
func (b *RedisBroker) Attach(ctx context.Context, channel string) (Handle, error) {
	ps := b.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no message published after
	// Attach returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}
	return &redisHandle{ps: ps, channel: channel}, nil
}

// Close releases the underlying client connection pool.
func (b *RedisBroker) Close(_ context.Context) error {
	return b.client.Close()
}

// redisHandle wraps one Redis pub/sub connection.
type redisHandle struct {
	ps      *redis.PubSub
	channel string
}

// Poll returns the next message payload. Subscription confirmations and
// pongs are silenced, reported as an empty poll. A receive timeout is
// reported as (nil, nil); every other failure means the connection is gone.
func (h *redisHandle) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	raw, err := h.ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrConnLost, err)
	}
	msg, ok := raw.(*redis.Message)
	if !ok {
		return nil, nil
	}
	return []byte(msg.Payload), nil
}

// Channel returns the channel this handle is attached to.
func (h *redisHandle) Channel() string { return h.channel }

// Detach unsubscribes and closes the pub/sub connection.
func (h *redisHandle) Detach(ctx context.Context) error {
	if err := h.ps.Unsubscribe(ctx, h.channel); err != nil {
		// Connection may already be gone; Close below still releases it.
		_ = h.ps.Close()
		return nil
	}
	return h.ps.Close()
}
