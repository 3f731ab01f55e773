// Package queue provides generic, thread-safe bounded queues with
// configurable overflow policies.
//
// Queues are the only synchronization primitive shared between listener
// workers and their owning component: workers Put, the owner Drains. All
// implementations are safe for concurrent use and always collect statistics
// for observability.
package queue

// Queue is a generic bounded FIFO shared between producer workers and a
// single draining consumer.
type Queue[T any] interface {
	// Put adds an item to the queue. Behavior on a full queue depends on
	// the overflow policy; with Block it waits until space is available or
	// the queue is closed.
	Put(item T) error

	// Get retrieves and removes one item.
	// Returns the zero value and false if the queue is empty.
	Get() (T, bool)

	// Drain retrieves and removes up to max items without blocking.
	Drain(max int) []T

	// DrainAll retrieves and removes every queued item without blocking.
	DrainAll() []T

	// Size returns the current number of queued items.
	Size() int

	// Capacity returns the maximum number of items the queue can hold.
	Capacity() int

	// Clear removes all items, releasing any writer blocked on a full queue.
	Clear()

	// Stats returns queue statistics.
	Stats() *Statistics

	// Close shuts down the queue and unblocks all waiting writers.
	Close() error
}

// OverflowPolicy defines how the queue behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the queue is full.
	DropNewest

	// Block causes Put operations to wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// NewBounded creates a new bounded circular queue with the specified
// capacity and options. Statistics are always collected.
func NewBounded[T any](capacity int, options ...Option[T]) Queue[T] {
	opts := applyOptions(options...)
	return newCircularQueue(capacity, opts)
}
