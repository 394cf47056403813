package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelci/eventbus/pubsub"
	"github.com/kernelci/eventbus/sequence"
)

func newTestLog(t *testing.T) *MemoryEventLog {
	t.Helper()
	return NewMemoryEventLog(sequence.NewMemoryCounter(), time.Hour)
}

func TestMemoryEventLogRange(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	var seqs []int64
	for _, ev := range []struct {
		channel, owner string
	}{
		{"node", ""},
		{"node", "alice"},
		{"node", "bob"},
		{"checkout", ""},
	} {
		seq, err := log.Append(ctx, ev.channel, map[string]any{"k": "v"}, ev.owner)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	t.Run("owner filtering", func(t *testing.T) {
		events, err := log.Range(ctx, "node", 0, "alice", false, 10)
		require.NoError(t, err)
		require.Len(t, events, 2, "unowned and alice-owned only")
		assert.Equal(t, seqs[0], events[0].SequenceID)
		assert.Equal(t, seqs[1], events[1].SequenceID)
	})

	t.Run("promiscuous", func(t *testing.T) {
		events, err := log.Range(ctx, "node", 0, "alice", true, 10)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("after sequence", func(t *testing.T) {
		events, err := log.Range(ctx, "node", seqs[1], "", true, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, seqs[2], events[0].SequenceID)
	})

	t.Run("limit", func(t *testing.T) {
		events, err := log.Range(ctx, "node", 0, "", true, 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})
}

func TestMemoryEventLogQuery(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		channel := "node"
		if i%2 == 1 {
			channel = "checkout"
		}
		_, err := log.Append(ctx, channel, map[string]any{"n": i}, "")
		require.NoError(t, err)
	}

	events, err := log.Query(ctx, EventFilter{Channel: "node", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = log.Query(ctx, EventFilter{FromSeq: 3, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 4, events[0].SequenceID)
}

func TestMemoryEventLogExpire(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	first, err := log.Append(ctx, "node", map[string]any{"id": "old"}, "")
	require.NoError(t, err)
	second, err := log.Append(ctx, "node", map[string]any{"id": "new"}, "")
	require.NoError(t, err)

	earliest, err := log.EarliestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, earliest)

	log.Expire(0)

	earliest, err = log.EarliestSequence(ctx)
	require.NoError(t, err)
	assert.Zero(t, earliest, "all events expired")

	_, err = log.Append(ctx, "node", map[string]any{"id": "third"}, "")
	require.NoError(t, err)
	earliest, err = log.EarliestSequence(ctx)
	require.NoError(t, err)
	assert.Greater(t, earliest, second, "sequence numbers never reused after expiry")
}

func TestMemoryRegistryLifecycle(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	now := time.Now().UTC()

	state, err := r.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, r.Create(ctx, pubsub.SubscriberState{
		SubscriberID: "S1",
		Channel:      "node",
		User:         "alice",
		LastEventID:  5,
		LastPoll:     now,
		CreatedAt:    now,
	}))

	err = r.Create(ctx, pubsub.SubscriberState{SubscriberID: "S1"})
	require.ErrorIs(t, err, pubsub.ErrDuplicateSubscriber)

	cursor := int64(9)
	require.NoError(t, r.Update(ctx, "S1", pubsub.CursorUpdate{LastEventID: &cursor}))

	state, err = r.Get(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.EqualValues(t, 9, state.LastEventID)
	assert.Equal(t, now, state.LastPoll, "partial update leaves last_poll alone")

	// Unknown id updates are silently ignored.
	require.NoError(t, r.Update(ctx, "missing", pubsub.CursorUpdate{LastEventID: &cursor}))

	removed, err := r.DeleteStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	state, err = r.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, state)
}
