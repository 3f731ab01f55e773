package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesWork(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)

	pool := NewPool(4, 64, func(_ context.Context, item int) error {
		mu.Lock()
		seen[item] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 20)

	stats := pool.Stats()
	assert.Equal(t, int64(20), stats.Submitted)
	assert.Equal(t, int64(20), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, _ int) error { return nil })
	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
}

func TestQueueFullBackpressure(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue. One of the
	// following submits must be rejected once the channel is full.
	var full bool
	for i := 0; i < 8; i++ {
		if err := pool.Submit(i); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			full = true
			break
		}
	}
	assert.True(t, full, "expected ErrQueueFull on a saturated pool")
	assert.Positive(t, pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(5*time.Second))
}

func TestProcessorErrorsCounted(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(2, 16, func(_ context.Context, item int) error {
		if item%2 == 0 {
			return boom
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestStartTwice(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}

func TestStopDrainsQueue(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool(1, 64, func(_ context.Context, _ int) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(50), processed.Load())
}

func TestStopTimeout(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	pool := NewPool(1, 4, func(_ context.Context, _ int) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	<-started

	assert.ErrorIs(t, pool.Stop(50*time.Millisecond), ErrStopTimeout)
	close(release)
}

func TestSubmitAfterStopTimeout(t *testing.T) {
	started := make(chan struct{})
	var startedOnce sync.Once
	release := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ int) error {
		startedOnce.Do(func() { close(started) })
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// Wedge the worker and fill the queue so Stop cannot drain in time.
	require.NoError(t, pool.Submit(1))
	<-started
	require.NoError(t, pool.Submit(2))

	require.ErrorIs(t, pool.Stop(50*time.Millisecond), ErrStopTimeout)

	// The channel is closed; a late submit must be rejected, not panic.
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, pool.Submit(3), ErrPoolStopped)
	})

	close(release)
}

func TestStopIdempotent(t *testing.T) {
	pool := NewPool(1, 4, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
}

func TestNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 4, nil)
	})
}

func TestDefaults(t *testing.T) {
	pool := NewPool(0, 0, func(_ context.Context, _ int) error { return nil })
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Workers)
	assert.Equal(t, 1000, stats.QueueSize)
}
