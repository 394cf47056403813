package sequence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	current, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Zero(t, current)

	for want := int64(1); want <= 3; want++ {
		got, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	current, err = c.Current(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, current)
}

func TestMemoryCounterConcurrent(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	const workers = 8
	const perWorker = 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				n, err := c.Next(ctx)
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[n], "counter issued %d twice", n)
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	current, err := c.Current(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker, current)
}
