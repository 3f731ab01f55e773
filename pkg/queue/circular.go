package queue

import (
	"sync"

	"github.com/c360/vitalstream/errors"
)

// circularQueue is a thread-safe circular queue with configurable overflow
// policies. A ring over a fixed slice; head is the next write position, tail
// the next read position.
type circularQueue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int
	tail     int
	stats    *Statistics
	opts     *queueOptions[T]

	// For the Block policy
	notFull *sync.Cond
	closed  bool
}

func newCircularQueue[T any](capacity int, opts *queueOptions[T]) *circularQueue[T] {
	if capacity <= 0 {
		capacity = 1
	}

	q := &circularQueue[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
	}
	q.notFull = sync.NewCond(&q.mu)

	return q
}

// Put adds an item according to the overflow policy.
func (q *circularQueue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.WrapInvalid(errors.ErrAlreadyClosed, "Queue", "Put", "queue closed")
	}

	if q.size == q.capacity {
		switch q.opts.overflowPolicy {
		case DropOldest:
			dropped := q.items[q.tail]
			q.tail = (q.tail + 1) % q.capacity
			q.size--
			q.stats.Drop()
			if q.opts.dropCallback != nil {
				defer q.opts.dropCallback(dropped)
			}

		case DropNewest:
			q.stats.Drop()
			if q.opts.dropCallback != nil {
				defer q.opts.dropCallback(item)
			}
			return nil

		case Block:
			for q.size == q.capacity && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return errors.WrapInvalid(errors.ErrAlreadyClosed, "Queue", "Put",
					"queue closed during blocking wait")
			}
		}
	}

	q.items[q.head] = item
	q.head = (q.head + 1) % q.capacity
	q.size++

	q.stats.Put()
	q.stats.UpdateSize(int64(q.size))

	return nil
}

// Get retrieves and removes one item.
func (q *circularQueue[T]) Get() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}

	item := q.items[q.tail]
	q.items[q.tail] = zero // release for GC
	q.tail = (q.tail + 1) % q.capacity
	q.size--

	q.stats.Get()
	q.stats.UpdateSize(int64(q.size))
	q.notFull.Signal()

	return item, true
}

// Drain retrieves and removes up to max items without blocking.
func (q *circularQueue[T]) Drain(max int) []T {
	if max <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}

	count := max
	if count > q.size {
		count = q.size
	}

	var zero T
	result := make([]T, count)
	for i := 0; i < count; i++ {
		result[i] = q.items[q.tail]
		q.items[q.tail] = zero
		q.tail = (q.tail + 1) % q.capacity
	}
	q.size -= count

	for i := 0; i < count; i++ {
		q.stats.Get()
	}
	q.stats.UpdateSize(int64(q.size))
	q.notFull.Broadcast()

	return result
}

// DrainAll retrieves and removes every queued item without blocking.
func (q *circularQueue[T]) DrainAll() []T {
	return q.Drain(q.Capacity())
}

// Size returns the current number of queued items.
func (q *circularQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the maximum number of items the queue can hold.
func (q *circularQueue[T]) Capacity() int {
	return q.capacity
}

// Clear removes all items, releasing any writer blocked on a full queue.
func (q *circularQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head = 0
	q.tail = 0
	q.size = 0

	q.stats.UpdateSize(0)
	q.notFull.Broadcast()
}

// Stats returns queue statistics.
func (q *circularQueue[T]) Stats() *Statistics {
	return q.stats
}

// Close shuts down the queue and unblocks all waiting writers.
func (q *circularQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.notFull.Broadcast()

	return nil
}
