package sequence

import (
	"context"
	"sync/atomic"
)

// MemoryCounter is an in-process Counter. It does not survive restarts and
// is intended for tests and single-node development setups.
type MemoryCounter struct {
	val atomic.Int64
}

// NewMemoryCounter returns a counter starting at 0.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Next atomically increments the counter and returns the new value.
func (c *MemoryCounter) Next(_ context.Context) (int64, error) {
	return c.val.Add(1), nil
}

// Current returns the latest value handed out.
func (c *MemoryCounter) Current(_ context.Context) (int64, error) {
	return c.val.Load(), nil
}
