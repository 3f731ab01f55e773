package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks queue activity counters.
type Statistics struct {
	puts  int64
	gets  int64
	drops int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// Put records a queue put operation.
func (s *Statistics) Put() {
	atomic.AddInt64(&s.puts, 1)
}

// Get records a queue get operation.
func (s *Statistics) Get() {
	atomic.AddInt64(&s.gets, 1)
}

// Drop records an item dropped by the overflow policy.
func (s *Statistics) Drop() {
	atomic.AddInt64(&s.drops, 1)
}

// UpdateSize updates the current queue size.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// Puts returns the total number of put operations.
func (s *Statistics) Puts() int64 {
	return atomic.LoadInt64(&s.puts)
}

// Gets returns the total number of get operations.
func (s *Statistics) Gets() int64 {
	return atomic.LoadInt64(&s.gets)
}

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 {
	return atomic.LoadInt64(&s.drops)
}

// CurrentSize returns the current number of queued items.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the high-water mark of queued items.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// Uptime returns time elapsed since the queue was created.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}
