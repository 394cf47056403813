package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kernelci/eventbus/pubsub"
	"github.com/kernelci/eventbus/sequence"
)

// MemoryEventLog is an in-process EventLog. It enforces the same time-based
// retention as the MongoDB engine by pruning on every append.
type MemoryEventLog struct {
	mu        sync.Mutex
	events    []pubsub.Event
	seq       sequence.Counter
	retention time.Duration
}

// NewMemoryEventLog creates an empty log with the given retention horizon.
func NewMemoryEventLog(seq sequence.Counter, retention time.Duration) *MemoryEventLog {
	return &MemoryEventLog{seq: seq, retention: retention}
}

// Append writes one event and returns its sequence number.
func (l *MemoryEventLog) Append(ctx context.Context, channel string, data map[string]any, owner string) (int64, error) {
	seq, err := l.seq.Next(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to obtain sequence number: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	l.events = append(l.events, pubsub.Event{
		SequenceID: seq,
		Timestamp:  time.Now().UTC(),
		Channel:    channel,
		Owner:      owner,
		Data:       data,
	})
	return seq, nil
}

// prune drops events older than the retention horizon. Caller holds mu.
func (l *MemoryEventLog) prune() {
	if l.retention <= 0 {
		return
	}
	horizon := time.Now().Add(-l.retention)
	i := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].Timestamp.After(horizon)
	})
	if i > 0 {
		l.events = append([]pubsub.Event(nil), l.events[i:]...)
	}
}

// Range returns up to limit events after afterSeq on channel, ascending.
func (l *MemoryEventLog) Range(_ context.Context, channel string, afterSeq int64, owner string, promiscuous bool, limit int) ([]pubsub.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []pubsub.Event
	for _, ev := range l.events {
		if len(out) >= limit {
			break
		}
		if ev.Channel != channel || ev.SequenceID <= afterSeq {
			continue
		}
		if !promiscuous && owner != "" && ev.Owner != "" && ev.Owner != owner {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// EarliestSequence returns the lowest surviving sequence number, or 0.
func (l *MemoryEventLog) EarliestSequence(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	if len(l.events) == 0 {
		return 0, nil
	}
	return l.events[0].SequenceID, nil
}

// Query returns events for the history endpoint.
func (l *MemoryEventLog) Query(_ context.Context, filter EventFilter) ([]pubsub.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []pubsub.Event
	for _, ev := range l.events {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		if ev.SequenceID <= filter.FromSeq {
			continue
		}
		if filter.Channel != "" && ev.Channel != filter.Channel {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Expire drops every event older than age, regardless of the configured
// retention. Used to simulate TTL eviction.
func (l *MemoryEventLog) Expire(age time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	horizon := time.Now().Add(-age)
	kept := l.events[:0]
	for _, ev := range l.events {
		if ev.Timestamp.After(horizon) {
			kept = append(kept, ev)
		}
	}
	l.events = kept
}

// MemoryRegistry is an in-process SubscriberRegistry.
type MemoryRegistry struct {
	mu     sync.Mutex
	states map[string]pubsub.SubscriberState
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{states: make(map[string]pubsub.SubscriberState)}
}

// Get returns the state for subscriberID, or (nil, nil) when absent.
func (r *MemoryRegistry) Get(_ context.Context, subscriberID string) (*pubsub.SubscriberState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[subscriberID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// Create inserts a new state, enforcing subscriber_id uniqueness.
func (r *MemoryRegistry) Create(_ context.Context, state pubsub.SubscriberState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[state.SubscriberID]; ok {
		return pubsub.ErrDuplicateSubscriber
	}
	r.states[state.SubscriberID] = state
	return nil
}

// Update applies a partial cursor update. Unknown ids are ignored, matching
// the MongoDB engine's update-zero-documents behaviour.
func (r *MemoryRegistry) Update(_ context.Context, subscriberID string, update pubsub.CursorUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[subscriberID]
	if !ok {
		return nil
	}
	if update.LastEventID != nil {
		state.LastEventID = *update.LastEventID
	}
	if update.LastPoll != nil {
		state.LastPoll = *update.LastPoll
	}
	r.states[subscriberID] = state
	return nil
}

// DeleteStale removes states whose last_poll is older than the cutoff.
func (r *MemoryRegistry) DeleteStale(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for id, state := range r.states {
		if state.LastPoll.Before(olderThan) {
			delete(r.states, id)
			removed++
		}
	}
	return removed, nil
}
