// Package pubsub implements the hybrid publish/subscribe engine: low
// latency fan-out through an unreliable broker, and durable resumable
// delivery through a persistent event log with per-subscriber cursors.
package pubsub

import (
	"context"
	"time"
)

// Event is one record of the persistent event log.
type Event struct {
	SequenceID int64          `bson:"sequence_id" json:"sequence_id"`
	Timestamp  time.Time      `bson:"timestamp" json:"timestamp"`
	Channel    string         `bson:"channel" json:"channel"`
	Owner      string         `bson:"owner,omitempty" json:"owner,omitempty"`
	Data       map[string]any `bson:"data" json:"data"`
}

// Subscription is the caller-visible description of a live subscription.
type Subscription struct {
	ID           int64  `json:"id"`
	Channel      string `json:"channel"`
	User         string `json:"user"`
	Promiscuous  bool   `json:"promiscuous"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// SubscriptionStats describes a live subscription for monitoring.
type SubscriptionStats struct {
	ID       int64     `json:"id"`
	Channel  string    `json:"channel"`
	User     string    `json:"user"`
	Created  time.Time `json:"created"`
	LastPoll time.Time `json:"last_poll,omitempty"`
}

// SubscriberState is the durable cursor record for a subscriber id. It
// survives process restarts and live-subscription churn.
type SubscriberState struct {
	SubscriberID string    `bson:"subscriber_id" json:"subscriber_id"`
	Channel      string    `bson:"channel" json:"channel"`
	User         string    `bson:"user" json:"user"`
	Promiscuous  bool      `bson:"promiscuous" json:"promiscuous"`
	LastEventID  int64     `bson:"last_event_id" json:"last_event_id"`
	LastPoll     time.Time `bson:"last_poll" json:"last_poll"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

// CursorUpdate is a partial update of a SubscriberState. Nil fields are
// left untouched.
type CursorUpdate struct {
	LastEventID *int64
	LastPoll    *time.Time
}

// Message is one envelope delivered to a listener. Data is the CloudEvents
// structured JSON, identical in shape for live and catch-up delivery.
type Message struct {
	Channel string `json:"channel"`
	Data    []byte `json:"data"`
}

// SubscribeOptions selects the delivery mode of a new subscription.
type SubscribeOptions struct {
	// Promiscuous disables owner-based visibility filtering.
	Promiscuous bool

	// SubscriberID, when set, enables durable delivery under this
	// client-chosen identity. It is never auto-generated: resuming after a
	// crash requires the client to present the same id again.
	SubscriberID string
}

// Attributes are the CloudEvents attributes of a published event.
// Missing Type and Source are filled from the engine configuration.
type Attributes struct {
	Type   string
	Source string
	Owner  string
}

// EventLog is the append-only persistent store of published events.
type EventLog interface {
	// Append durably writes one event and returns its sequence number.
	// The write is acknowledged before Append returns.
	Append(ctx context.Context, channel string, data map[string]any, owner string) (int64, error)

	// Range returns up to limit events on channel with sequence numbers
	// strictly greater than afterSeq, in ascending sequence order. Unless
	// promiscuous is set, only events owned by owner or unowned events are
	// returned.
	Range(ctx context.Context, channel string, afterSeq int64, owner string, promiscuous bool, limit int) ([]Event, error)

	// EarliestSequence returns the lowest sequence number still present in
	// the log, or 0 when the log is empty. Used to detect retention gaps.
	EarliestSequence(ctx context.Context) (int64, error)
}

// SubscriberRegistry is the persistent store of durable subscriber state.
type SubscriberRegistry interface {
	// Get returns the state for subscriberID, or (nil, nil) when absent.
	Get(ctx context.Context, subscriberID string) (*SubscriberState, error)

	// Create inserts a new state. Uniqueness on subscriber_id is enforced.
	Create(ctx context.Context, state SubscriberState) error

	// Update applies a partial cursor update.
	Update(ctx context.Context, subscriberID string, update CursorUpdate) error

	// DeleteStale removes states whose last_poll is older than the cutoff
	// and returns the number removed.
	DeleteStale(ctx context.Context, olderThan time.Time) (int64, error)
}
