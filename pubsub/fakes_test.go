package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kernelci/eventbus/sequence"
)

// memLog is an in-process EventLog for engine tests, with fault and
// eviction hooks the production stores do not expose.
type memLog struct {
	seq sequence.Counter

	mu          sync.Mutex
	events      []Event
	failAppends bool
}

func newMemLog() *memLog {
	return &memLog{}
}

func (l *memLog) Append(ctx context.Context, channel string, data map[string]any, owner string) (int64, error) {
	l.mu.Lock()
	fail := l.failAppends
	l.mu.Unlock()
	if fail {
		return 0, errors.New("append rejected")
	}
	seq, err := l.seq.Next(ctx)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.events = append(l.events, Event{
		SequenceID: seq,
		Timestamp:  time.Now().UTC(),
		Channel:    channel,
		Owner:      owner,
		Data:       data,
	})
	l.mu.Unlock()
	return seq, nil
}

func (l *memLog) Range(_ context.Context, channel string, afterSeq int64, owner string, promiscuous bool, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Channel != channel || ev.SequenceID <= afterSeq {
			continue
		}
		if !promiscuous && ev.Owner != "" && ev.Owner != owner {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *memLog) EarliestSequence(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return 0, nil
	}
	return l.events[0].SequenceID, nil
}

// evictBefore simulates retention expiry of every event below seq.
func (l *memLog) evictBefore(seq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.events[:0]
	for _, ev := range l.events {
		if ev.SequenceID >= seq {
			kept = append(kept, ev)
		}
	}
	l.events = kept
}

// memRegistry is an in-process SubscriberRegistry for engine tests.
type memRegistry struct {
	mu     sync.Mutex
	states map[string]SubscriberState
}

func newMemRegistry() *memRegistry {
	return &memRegistry{states: make(map[string]SubscriberState)}
}

func (r *memRegistry) Get(_ context.Context, subscriberID string) (*SubscriberState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[subscriberID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (r *memRegistry) Create(_ context.Context, state SubscriberState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[state.SubscriberID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, state.SubscriberID)
	}
	r.states[state.SubscriberID] = state
	return nil
}

func (r *memRegistry) Update(_ context.Context, subscriberID string, update CursorUpdate) error {
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

func (r *memRegistry) DeleteStale(_ context.Context, olderThan time.Time) (int64, error) {
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
