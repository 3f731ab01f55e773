package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/vitalstream/errors"
)

func TestPutGetOrdering(t *testing.T) {
	q := NewBounded[int](8)

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Put(i))
	}
	assert.Equal(t, 5, q.Size())

	for i := 1; i <= 5; i++ {
		v, ok := q.Get()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.Get()
	assert.False(t, ok, "empty queue should report no item")
	assert.Equal(t, 0, q.Size())
}

func TestDrainPartialAndAll(t *testing.T) {
	q := NewBounded[string](16)
	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Put(s))
	}

	got := q.Drain(2)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2, q.Size())

	rest := q.DrainAll()
	assert.Equal(t, []string{"c", "d"}, rest)
	assert.Equal(t, 0, q.Size())

	assert.Nil(t, q.Drain(10), "draining an empty queue returns nil")
	assert.Nil(t, q.Drain(0))
}

func TestWrapAround(t *testing.T) {
	q := NewBounded[int](3)

	// Cycle through the ring several times.
	for round := 0; round < 4; round++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, q.Put(round*10+i))
		}
		got := q.DrainAll()
		assert.Equal(t, []int{round * 10, round*10 + 1, round*10 + 2}, got)
	}
}

func TestDropOldestPolicy(t *testing.T) {
	var dropped []int
	q := NewBounded[int](3,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Put(i))
	}

	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, q.DrainAll())
	assert.Equal(t, int64(2), q.Stats().Drops())
}

func TestDropNewestPolicy(t *testing.T) {
	var dropped []int
	q := NewBounded[int](3,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Put(i))
	}

	assert.Equal(t, []int{4, 5}, dropped)
	assert.Equal(t, []int{1, 2, 3}, q.DrainAll())
	assert.Equal(t, int64(2), q.Stats().Drops())
}

func TestBlockPolicyUnblocksOnGet(t *testing.T) {
	q := NewBounded[int](1) // Block is the default policy
	require.NoError(t, q.Put(1))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(2)
	}()

	select {
	case <-done:
		t.Fatal("Put on a full Block queue should wait")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked Put never resumed after Get")
	}

	v, ok = q.Get()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCloseUnblocksWriters(t *testing.T) {
	q := NewBounded[int](1)
	require.NoError(t, q.Put(1))

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- q.Put(99)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, errors.ErrAlreadyClosed)
	}
}

func TestPutAfterClose(t *testing.T) {
	q := NewBounded[int](4)
	require.NoError(t, q.Put(1))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "Close is idempotent")

	err := q.Put(2)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyClosed)
	assert.True(t, errors.IsInvalid(err))

	// Queued items remain collectable after shutdown.
	assert.Equal(t, []int{1}, q.DrainAll())
}

func TestClearReleasesBlockedWriter(t *testing.T) {
	q := NewBounded[int](1)
	require.NoError(t, q.Put(1))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(2)
	}()

	time.Sleep(50 * time.Millisecond)
	q.Clear()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked Put never resumed after Clear")
	}

	assert.Equal(t, []int{2}, q.DrainAll())
}

func TestStatistics(t *testing.T) {
	q := NewBounded[int](4)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Put(i))
	}
	q.DrainAll()
	require.NoError(t, q.Put(9))

	stats := q.Stats()
	assert.Equal(t, int64(4), stats.Puts())
	assert.Equal(t, int64(3), stats.Gets())
	assert.Equal(t, int64(0), stats.Drops())
	assert.Equal(t, int64(1), stats.CurrentSize())
	assert.Equal(t, int64(3), stats.MaxSize())
	assert.Positive(t, stats.Uptime())
}

func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 100

	q := NewBounded[int](producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Put(i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Size())
	assert.Len(t, q.DrainAll(), producers*perProducer)
}

func TestCapacityFloor(t *testing.T) {
	q := NewBounded[int](0)
	assert.Equal(t, 1, q.Capacity())
}

func TestOverflowPolicyString(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Block", Block.String())
	assert.Equal(t, "Unknown", OverflowPolicy(42).String())
}
