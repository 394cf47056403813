package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerPublishAndPoll(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	h, err := b.Attach(ctx, "node")
	require.NoError(t, err)
	assert.Equal(t, "node", h.Channel())

	require.NoError(t, b.Publish(ctx, "node", []byte("one")))
	require.NoError(t, b.Publish(ctx, "other", []byte("wrong channel")))

	payload, err := h.Poll(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), payload)

	payload, err = h.Poll(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, payload, "timeout must report no message, not an error")
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	h1, err := b.Attach(ctx, "node")
	require.NoError(t, err)
	h2, err := b.Attach(ctx, "node")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "node", []byte("x")))

	for _, h := range []Handle{h1, h2} {
		payload, err := h.Poll(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), payload)
	}
}

func TestMemoryBrokerDetachStopsDelivery(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	h, err := b.Attach(ctx, "node")
	require.NoError(t, err)
	require.NoError(t, h.Detach(ctx))

	require.NoError(t, b.Publish(ctx, "node", []byte("late")))

	_, err = h.Poll(ctx, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrConnLost)
}

func TestMemoryBrokerDropConnections(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	h, err := b.Attach(ctx, "node")
	require.NoError(t, err)

	// A message buffered before the drop is still drained first.
	require.NoError(t, b.Publish(ctx, "node", []byte("buffered")))
	b.DropConnections()

	payload, err := h.Poll(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("buffered"), payload)

	_, err = h.Poll(ctx, time.Second)
	require.ErrorIs(t, err, ErrConnLost)

	// The broker itself is still usable for new attachments.
	h2, err := b.Attach(ctx, "node")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "node", []byte("after")))
	payload, err = h2.Poll(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), payload)
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	h, err := b.Attach(ctx, "node")
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))

	_, err = h.Poll(ctx, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrConnLost)

	_, err = b.Attach(ctx, "node")
	require.ErrorIs(t, err, ErrBrokerClosed)
	require.ErrorIs(t, b.Publish(ctx, "node", []byte("x")), ErrBrokerClosed)
}

func TestMemoryBrokerPollCancellation(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	h, err := b.Attach(ctx, "node")
	require.NoError(t, err)

	pctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.Poll(pctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
