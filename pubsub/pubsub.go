package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kernelci/eventbus/broker"
	"github.com/kernelci/eventbus/metrics"
	"github.com/kernelci/eventbus/sequence"
)

// Options tunes the engine. Zero fields fall back to the defaults below.
type Options struct {
	// Source is the CloudEvents source attribute filled into envelopes
	// published without one.
	Source string

	// EventType is the CloudEvents type attribute filled into envelopes
	// published without one.
	EventType string

	// KeepAlivePeriod is the interval between BEEP messages on channels
	// with live subscriptions. Zero disables keep-alives.
	KeepAlivePeriod time.Duration

	// MaxCatchupEvents caps the catch-up queue loaded per subscribe.
	MaxCatchupEvents int

	// PollTimeout bounds each broker poll inside Listen.
	PollTimeout time.Duration
}

// Engine defaults.
const (
	DefaultSource           = "https://api.kernelci.org/"
	DefaultEventType        = "api.kernelci.org"
	DefaultKeepAlivePeriod  = 45 * time.Second
	DefaultMaxCatchupEvents = 1000
	DefaultPollTimeout      = time.Second
)

func (o *Options) applyDefaults() {
	if o.Source == "" {
		o.Source = DefaultSource
	}
	if o.EventType == "" {
		o.EventType = DefaultEventType
	}
	if o.MaxCatchupEvents <= 0 {
		o.MaxCatchupEvents = DefaultMaxCatchupEvents
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
}

// subState is the per-subscription record owned by the manager. The caller
// contract is one Listen at a time per subscription, so the listener-side
// fields (pending, gapNotice, lastDelivered, lastAcked, catchupDone) are
// touched by a single goroutine and need no lock. The subscription table,
// broker-handle swaps and lastPoll are guarded by the engine mutex.
type subState struct {
	sub          Subscription
	subscriberID string
	handle       broker.Handle
	created      time.Time
	lastPoll     time.Time

	pending       []Event
	gapNotice     []byte
	lastDelivered int64
	lastAcked     int64
	catchupDone   bool
}

// PubSub is the hybrid publish/subscribe engine. Publishes go through the
// event log first and the broker second; durable subscribers resume from
// their registry cursor, fire-and-forget subscribers ride the broker only.
type PubSub struct {
	broker   broker.Broker
	log      EventLog
	registry SubscriberRegistry
	subSeq   sequence.Counter
	eventSeq sequence.Counter
	opts     Options
	metrics  *metrics.Metrics

	mu               sync.Mutex
	subs             map[int64]*subState
	channels         map[string]int
	keepAliveRunning bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Config wires the engine's collaborators.
type Config struct {
	Broker   broker.Broker
	Log      EventLog
	Registry SubscriberRegistry

	// SubscriptionSeq and EventSeq are distinct counters: one namespace
	// for subscription ids, one for event sequence numbers.
	SubscriptionSeq sequence.Counter
	EventSeq        sequence.Counter

	Options Options

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// New creates the engine. Call Start before use.
func New(cfg Config) *PubSub {
	cfg.Options.applyDefaults()
	return &PubSub{
		broker:   cfg.Broker,
		log:      cfg.Log,
		registry: cfg.Registry,
		subSeq:   cfg.SubscriptionSeq,
		eventSeq: cfg.EventSeq,
		opts:     cfg.Options,
		metrics:  cfg.Metrics,
		subs:     make(map[int64]*subState),
		channels: make(map[string]int),
	}
}

// Start binds the engine's background loops to ctx.
func (p *PubSub) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
}

// Stop cancels background loops and detaches every live subscription.
// Durable subscriber state is preserved.
func (p *PubSub) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	states := make([]*subState, 0, len(p.subs))
	for _, s := range p.subs {
		states = append(states, s)
	}
	p.subs = make(map[int64]*subState)
	p.channels = make(map[string]int)
	p.mu.Unlock()
	for _, s := range states {
		_ = s.handle.Detach(ctx)
	}
}

// validateChannel rejects channel names that cannot travel as broker
// subjects or URL path segments.
func validateChannel(channel string) error {
	if channel == "" || len(channel) > 256 {
		return ErrInvalidChannel
	}
	if strings.ContainsAny(channel, " \t\r\n/") {
		return ErrInvalidChannel
	}
	return nil
}

// Subscribe creates a live subscription for user on channel.
//
// Without a subscriber id the subscription is fire-and-forget: only
// messages broadcast while attached are seen. With a subscriber id the
// registry cursor is loaded (or created at the current high-water mark) and
// missed events are queued for catch-up delivery before any live message.
func (p *PubSub) Subscribe(ctx context.Context, channel, user string, opts SubscribeOptions) (Subscription, error) {
	if err := validateChannel(channel); err != nil {
		return Subscription{}, err
	}

	subID, err := p.subSeq.Next(ctx)
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to allocate subscription id: %w", err)
	}

	handle, err := p.broker.Attach(ctx, channel)
	if err != nil {
		return Subscription{}, fmt.Errorf("failed to attach to broker: %w", err)
	}

	s := &subState{
		sub: Subscription{
			ID:           subID,
			Channel:      channel,
			User:         user,
			Promiscuous:  opts.Promiscuous,
			SubscriberID: opts.SubscriberID,
		},
		subscriberID: opts.SubscriberID,
		handle:       handle,
		created:      time.Now().UTC(),
		catchupDone:  opts.SubscriberID == "",
	}

	if opts.SubscriberID != "" {
		if err := p.setupDurable(ctx, s, opts); err != nil {
			_ = handle.Detach(ctx)
			return Subscription{}, err
		}
	}

	p.mu.Lock()
	p.subs[subID] = s
	p.channels[channel]++
	p.startKeepAliveLocked()
	p.mu.Unlock()

	return s.sub, nil
}

// setupDurable loads or creates the registry cursor for s. The broker
// handle is already attached, so an event published while the catch-up
// query runs is seen on both paths; the listener drops the live duplicate.
func (p *PubSub) setupDurable(ctx context.Context, s *subState, opts SubscribeOptions) error {
	existing, err := p.registry.Get(ctx, opts.SubscriberID)
	if err != nil {
		return fmt.Errorf("failed to read subscriber state: %w", err)
	}

	if existing != nil {
		if existing.User != s.sub.User {
			return fmt.Errorf("%w: %s", ErrSubscriberConflict, opts.SubscriberID)
		}
		missed, err := p.log.Range(ctx, s.sub.Channel, existing.LastEventID,
			s.sub.User, opts.Promiscuous, p.opts.MaxCatchupEvents)
		if err != nil {
			return fmt.Errorf("failed to load missed events: %w", err)
		}
		s.pending = missed
		s.lastAcked = existing.LastEventID
		s.lastDelivered = 0
		s.catchupDone = false

		if gap, err := p.detectRetentionGap(ctx, existing.LastEventID); err != nil {
			slog.Warn("Retention gap check failed", "error", err,
				"subscriber_id", opts.SubscriberID)
		} else if gap != nil {
			s.gapNotice = gap
		}

		slog.Info("Durable subscriber reconnected",
			"subscriber_id", opts.SubscriberID,
			"channel", s.sub.Channel,
			"missed_events", len(missed))
		return nil
	}

	// New subscriber: start from the current high-water mark, i.e. "now".
	current, err := p.eventSeq.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to read event sequence: %w", err)
	}
	now := time.Now().UTC()
	state := SubscriberState{
		SubscriberID: opts.SubscriberID,
		Channel:      s.sub.Channel,
		User:         s.sub.User,
		Promiscuous:  opts.Promiscuous,
		LastEventID:  current,
		LastPoll:     now,
		CreatedAt:    now,
	}
	if err := p.registry.Create(ctx, state); err != nil {
		if errors.Is(err, ErrDuplicateSubscriber) {
			// Lost a create race; retry as an existing subscriber.
			return p.setupDurable(ctx, s, opts)
		}
		return fmt.Errorf("failed to create subscriber state: %w", err)
	}
	s.lastAcked = current
	s.catchupDone = true

	slog.Info("New durable subscriber",
		"subscriber_id", opts.SubscriberID,
		"channel", s.sub.Channel,
		"start_event_id", current)
	return nil
}

// detectRetentionGap returns a local warning envelope when events between
// lastEventID and the earliest surviving log entry have been evicted by
// retention. The envelope is synthesized, never stored, and carries no
// sequence number so the cursor stays monotonic.
func (p *PubSub) detectRetentionGap(ctx context.Context, lastEventID int64) ([]byte, error) {
	earliest, err := p.log.EarliestSequence(ctx)
	if err != nil {
		return nil, err
	}
	if earliest == 0 || lastEventID+1 >= earliest {
		return nil, nil
	}
	data := map[string]any{
		"warning":                  "events expired by retention before reconnect",
		"last_acknowledged":        lastEventID,
		"first_available_sequence": earliest,
	}
	attrs := Attributes{
		Type:   p.opts.EventType + ".gap",
		Source: p.opts.Source,
	}
	return encodeEnvelope(attrs, data, 0)
}

// Unsubscribe removes a live subscription. When user is non-empty it must
// own the subscription. Durable subscriber state is preserved so the client
// can reconnect and resume.
func (p *PubSub) Unsubscribe(ctx context.Context, subID int64, user string) error {
	p.mu.Lock()
	s, ok := p.subs[subID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, subID)
	}
	if user != "" && user != s.sub.User {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotOwner, subID)
	}
	delete(p.subs, subID)
	p.channels[s.sub.Channel]--
	if p.channels[s.sub.Channel] <= 0 {
		delete(p.channels, s.sub.Channel)
	}
	p.mu.Unlock()

	return s.handle.Detach(ctx)
}

// lookup fetches the subscription state and enforces ownership.
func (p *PubSub) lookup(subID int64, user string) (*subState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[subID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, subID)
	}
	if user != "" && user != s.sub.User {
		return nil, fmt.Errorf("%w: %d", ErrNotOwner, subID)
	}
	return s, nil
}

// touchPoll records listener activity for the stale sweep.
func (p *PubSub) touchPoll(s *subState) {
	p.mu.Lock()
	s.lastPoll = time.Now().UTC()
	p.mu.Unlock()
}

// Listen returns the next message for the subscription, blocking until one
// arrives or ctx is cancelled. The caller must not invoke Listen
// concurrently for the same subscription.
//
// For durable subscriptions each call implicitly acknowledges the message
// returned by the previous call, then drains the catch-up queue before
// entering the live loop. Live and catch-up envelopes share the same
// CloudEvents shape, both carrying the sequence number in-band.
func (p *PubSub) Listen(ctx context.Context, subID int64, user string) (*Message, error) {
	s, err := p.lookup(subID, user)
	if err != nil {
		return nil, err
	}

	// Implicit acknowledgment of the previously delivered message.
	if s.subscriberID != "" && s.lastDelivered > 0 {
		now := time.Now().UTC()
		delivered := s.lastDelivered
		err := p.registry.Update(ctx, s.subscriberID, CursorUpdate{
			LastEventID: &delivered,
			LastPoll:    &now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to acknowledge event %d: %w", delivered, err)
		}
		s.lastAcked = delivered
	}

	// One-shot retention-gap warning, ahead of any replayed event.
	if s.gapNotice != nil {
		notice := s.gapNotice
		s.gapNotice = nil
		p.touchPoll(s)
		return &Message{Channel: s.sub.Channel, Data: notice}, nil
	}

	// Catch-up drain: replay missed events from the log before anything
	// live. The envelope shape matches live delivery.
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.lastDelivered = ev.SequenceID
		p.touchPoll(s)
		data, err := encodeEnvelope(Attributes{
			Type:   p.opts.EventType,
			Source: p.opts.Source,
			Owner:  ev.Owner,
		}, ev.Data, ev.SequenceID)
		if err != nil {
			return nil, fmt.Errorf("failed to encode catch-up envelope: %w", err)
		}
		p.metrics.IncCatchupReplayed()
		return &Message{Channel: s.sub.Channel, Data: data}, nil
	}
	s.catchupDone = true

	return p.listenLive(ctx, subID, s)
}

// listenLive polls the broker handle until a visible message arrives.
// Transient connection losses are absorbed by reattaching to the channel;
// a message missed while detached is replayed from the log on the next
// durable reconnect.
func (p *PubSub) listenLive(ctx context.Context, subID int64, s *subState) (*Message, error) {
	for {
		p.touchPoll(s)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		p.mu.Lock()
		handle := s.handle
		p.mu.Unlock()

		payload, err := handle.Poll(ctx, p.opts.PollTimeout)
		if errors.Is(err, broker.ErrConnLost) {
			if rerr := p.reattach(ctx, subID, s); rerr != nil {
				return nil, rerr
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("broker poll failed: %w", err)
		}
		if payload == nil {
			continue
		}

		env, derr := decodeEnvelope(payload)
		if derr != nil {
			slog.Warn("Dropping undecodable broker message",
				"error", derr, "channel", s.sub.Channel)
			continue
		}

		if s.subscriberID != "" && env.SequenceID > 0 {
			// Skip anything at or below the cursor: the event was already
			// delivered, typically during catch-up.
			if env.SequenceID <= s.lastDelivered || env.SequenceID <= s.lastAcked {
				continue
			}
			s.lastDelivered = env.SequenceID
		}

		if !s.sub.Promiscuous && env.Owner != "" && env.Owner != s.sub.User {
			continue
		}

		p.metrics.IncDeliveredLive()
		return &Message{Channel: s.sub.Channel, Data: payload}, nil
	}
}

// reattach replaces a lost broker handle with a fresh attachment to the
// same channel. Fails with ErrSubscriptionNotFound when the subscription
// was removed while the listener was polling.
func (p *PubSub) reattach(ctx context.Context, subID int64, s *subState) error {
	p.mu.Lock()
	_, registered := p.subs[subID]
	p.mu.Unlock()
	if !registered {
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, subID)
	}

	newHandle, err := p.broker.Attach(ctx, s.sub.Channel)
	if err != nil {
		return fmt.Errorf("failed to reattach to broker: %w", err)
	}

	p.mu.Lock()
	if _, stillThere := p.subs[subID]; !stillThere {
		p.mu.Unlock()
		_ = newHandle.Detach(ctx)
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, subID)
	}
	old := s.handle
	s.handle = newHandle
	p.mu.Unlock()

	_ = old.Detach(ctx)
	slog.Info("Broker connection reattached", "channel", s.sub.Channel,
		"subscription_id", subID)
	return nil
}

// Publish appends the event to the log and broadcasts it on the broker.
//
// The append must be acknowledged before the broadcast happens; on append
// failure no broadcast is attempted and the error surfaces. A broadcast
// failure is absorbed: the event is durable in the log and durable
// subscribers replay it on reconnect, while fire-and-forget subscribers
// tolerate loss by contract.
func (p *PubSub) Publish(ctx context.Context, channel string, data map[string]any, attrs Attributes) (int64, error) {
	if err := validateChannel(channel); err != nil {
		return 0, err
	}
	if attrs.Type == "" {
		attrs.Type = p.opts.EventType
	}
	if attrs.Source == "" {
		attrs.Source = p.opts.Source
	}

	seq, err := p.log.Append(ctx, channel, data, attrs.Owner)
	if err != nil {
		return 0, fmt.Errorf("event not stored, broadcast aborted: %w", err)
	}

	envelope, err := encodeEnvelope(attrs, data, seq)
	if err != nil {
		slog.Error("Failed to encode broadcast envelope, event remains in log",
			"error", err, "channel", channel, "sequence_id", seq)
		return seq, nil
	}
	if err := p.broker.Publish(ctx, channel, envelope); err != nil {
		slog.Warn("Broker publish failed, event remains in log",
			"error", err, "channel", channel, "sequence_id", seq)
	}
	p.metrics.IncPublished()
	return seq, nil
}

// PublishKeepAlive broadcasts a BEEP on channel, bypassing the event log so
// keep-alives never pollute durable history.
func (p *PubSub) PublishKeepAlive(ctx context.Context, channel string) error {
	envelope, err := encodeEnvelope(Attributes{
		Type:   p.opts.EventType,
		Source: p.opts.Source,
	}, keepAlivePayload, 0)
	if err != nil {
		return fmt.Errorf("failed to encode keep-alive: %w", err)
	}
	if err := p.broker.Publish(ctx, channel, envelope); err != nil {
		return fmt.Errorf("failed to publish keep-alive: %w", err)
	}
	p.metrics.IncKeepAlives()
	return nil
}

// Stats returns a snapshot of every live subscription.
func (p *PubSub) Stats() []SubscriptionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SubscriptionStats, 0, len(p.subs))
	for _, s := range p.subs {
		out = append(out, SubscriptionStats{
			ID:       s.sub.ID,
			Channel:  s.sub.Channel,
			User:     s.sub.User,
			Created:  s.created,
			LastPoll: s.lastPoll,
		})
	}
	return out
}
