package broker

import (
	"context"
	"sync"
	"time"
)

// memoryHandleBuffer is the per-handle delivery queue depth. Messages
// published while the buffer is full are dropped, which is within the
// broker's unreliable contract.
const memoryHandleBuffer = 64

// MemoryBroker is an in-process Broker. Each attached handle owns a
// bounded delivery channel; publishing never blocks.
type MemoryBroker struct {
	mu      sync.Mutex
	handles map[string]map[*memoryHandle]struct{}
	closed  bool
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		handles: make(map[string]map[*memoryHandle]struct{}),
	}
}

// Publish delivers payload to every handle attached to channel.
// Handles whose buffer is full miss the message.
func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for h := range b.handles[channel] {
		select {
		case h.msgs <- payload:
		default:
		}
	}
	return nil
}

// Attach subscribes to channel.
func (b *MemoryBroker) Attach(_ context.Context, channel string) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	h := &memoryHandle{
		broker:  b,
		channel: channel,
		msgs:    make(chan []byte, memoryHandleBuffer),
		lost:    make(chan struct{}),
	}
	if _, ok := b.handles[channel]; !ok {
		b.handles[channel] = make(map[*memoryHandle]struct{})
	}
	b.handles[channel][h] = struct{}{}
	return h, nil
}

// Close invalidates all handles and rejects further use.
func (b *MemoryBroker) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, hs := range b.handles {
		for h := range hs {
			h.markLost()
		}
	}
	b.handles = make(map[string]map[*memoryHandle]struct{})
	return nil
}

// DropConnections severs every attached handle, which then reports
// ErrConnLost on its next Poll. This is the fault hook used to exercise the
// listener's transparent reattach path.
func (b *MemoryBroker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, hs := range b.handles {
		for h := range hs {
			h.markLost()
		}
	}
	b.handles = make(map[string]map[*memoryHandle]struct{})
}

func (b *MemoryBroker) detach(h *memoryHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hs, ok := b.handles[h.channel]; ok {
		delete(hs, h)
		if len(hs) == 0 {
			delete(b.handles, h.channel)
		}
	}
}

// memoryHandle is one attachment to the memory broker.
type memoryHandle struct {
	broker   *MemoryBroker
	channel  string
	msgs     chan []byte
	lost     chan struct{}
	lostOnce sync.Once
}

func (h *memoryHandle) markLost() {
	h.lostOnce.Do(func() { close(h.lost) })
}

// Poll returns the next payload, (nil, nil) on timeout, or ErrConnLost when
// the handle was severed.
func (h *memoryHandle) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-h.msgs:
		return payload, nil
	case <-h.lost:
		// Drain anything buffered before reporting the loss so messages
		// delivered prior to the drop are not discarded.
		select {
		case payload := <-h.msgs:
			return payload, nil
		default:
		}
		return nil, ErrConnLost
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Channel returns the channel this handle is attached to.
func (h *memoryHandle) Channel() string { return h.channel }

// Detach removes the handle from the broker.
func (h *memoryHandle) Detach(_ context.Context) error {
	h.broker.detach(h)
	h.markLost()
	return nil
}
