package router

import (
	"sync"
)

// Inbox is a thread-safe FIFO that doubles its capacity when it reaches 70%
// full, up to a maximum. At the maximum the oldest item is dropped to make
// room, so a stalled consumer never blocks the connection's read loop.
type Inbox[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	max      int
	closed   bool

	// Stats
	received    int64
	delivered   int64
	dropped     int64
	resizeCount int
}

// NewInbox creates an inbox with the given initial and maximum capacity.
func NewInbox[T any](initialCapacity, maxCapacity int) *Inbox[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	b := &Inbox[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		max:      maxCapacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends an item. Returns false if the inbox is closed.
func (b *Inbox[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold && b.capacity < b.max {
		b.grow()
	}

	if b.count == b.capacity {
		var zero T
		b.buf[b.head] = zero
		b.head = (b.head + 1) % b.capacity
		b.count--
		b.dropped++
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.received++

	b.cond.Signal()
	return true
}

// Receive removes and returns the oldest item, blocking until one is
// available. Returns false once the inbox is closed and empty.
func (b *Inbox[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// TryReceive returns the oldest item without blocking.
func (b *Inbox[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// Drain removes up to max items (all if max <= 0) in FIFO order.
func (b *Inbox[T]) Drain(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = b.pop()
	}
	return result
}

// Close stops accepting items. Pending items can still be received.
func (b *Inbox[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (b *Inbox[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of queued items.
func (b *Inbox[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns inbox statistics.
func (b *Inbox[T]) Stats() InboxStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return InboxStats{
		Count:       b.count,
		Capacity:    b.capacity,
		Received:    b.received,
		Delivered:   b.delivered,
		Dropped:     b.dropped,
		ResizeCount: b.resizeCount,
	}
}

// InboxStats contains inbox statistics.
type InboxStats struct {
	Count       int
	Capacity    int
	Received    int64
	Delivered   int64
	Dropped     int64
	ResizeCount int
}

// pop removes the head item. Must be called with lock held and count > 0.
func (b *Inbox[T]) pop() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.delivered++
	return item
}

// grow doubles the capacity, bounded by max. Must be called with lock held.
func (b *Inbox[T]) grow() {
	newCapacity := b.capacity * 2
	if newCapacity > b.max {
		newCapacity = b.max
	}
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
