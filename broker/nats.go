package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsConfig holds NATS-specific configuration.
type NatsConfig struct {
	URL            string
	Username       string
	Password       string
	Token          string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

// DefaultNatsConfig returns the connection defaults.
func DefaultNatsConfig() NatsConfig {
	return NatsConfig{
		URL:            nats.DefaultURL,
		MaxReconnects:  10,
		ReconnectWait:  2 * time.Second,
		ConnectionName: "kernelci-eventbus",
	}
}

// NatsBroker is a Broker backed by a NATS connection. Handles use
// synchronous subscriptions so the poll timeout maps directly onto
// NextMsg.
type NatsBroker struct {
	conn *nats.Conn
}

// NewNatsBroker connects to NATS with the given configuration.
func NewNatsBroker(cfg NatsConfig) (*NatsBroker, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	} else if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsBroker{conn: conn}, nil
}

// Publish sends payload on channel.
func (b *NatsBroker) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// Attach opens a synchronous subscription on channel.
func (b *NatsBroker) Attach(_ context.Context, channel string) (Handle, error) {
	sub, err := b.conn.SubscribeSync(channel)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to NATS: %w", err)
	}
	return &natsHandle{sub: sub, channel: channel}, nil
}

// Close drains and closes the NATS connection.
func (b *NatsBroker) Close(_ context.Context) error {
	b.conn.Close()
	return nil
}

// natsHandle wraps one synchronous NATS subscription.
type natsHandle struct {
	sub     *nats.Subscription
	channel string
}

// Poll returns the next message payload, (nil, nil) on timeout, and
// ErrConnLost once the subscription or connection is invalid.
func (h *natsHandle) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	msg, err := h.sub.NextMsg(timeout)
	switch {
	case err == nil:
		return msg.Data, nil
	case errors.Is(err, nats.ErrTimeout):
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %w", ErrConnLost, err)
	}
}

// Channel returns the channel this handle is attached to.
func (h *natsHandle) Channel() string { return h.channel }

// Detach unsubscribes from the channel.
func (h *natsHandle) Detach(_ context.Context) error {
	if err := h.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("failed to unsubscribe from NATS: %w", err)
	}
	return nil
}
