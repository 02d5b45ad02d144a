// Package outbox holds outbound commands while a session is not ready.
package outbox

import "sync"

// DefaultCapacity is the number of commands held before new ones are dropped.
const DefaultCapacity = 200

// Queue is a fixed-capacity FIFO ring. When full, Push rejects the new item
// and keeps everything already queued.
type Queue[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	tail  int
	count int

	accepted int64
	dropped  int64
	flushed  int64
}

// New creates a queue. A capacity below 1 uses DefaultCapacity.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{buf: make([]T, capacity)}
}

// Push appends an item. It returns false if the queue was full and the item
// was dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		q.dropped++
		return false
	}
	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	q.accepted++
	return true
}

// Drain removes and returns every queued item in insertion order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	out := make([]T, q.count)
	for i := range out {
		out[i] = q.buf[q.head]
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
	}
	q.count = 0
	q.head, q.tail = 0, 0
	q.flushed += int64(len(out))
	return out
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.count == 0 {
		return zero, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.flushed++
	return item, true
}

// Requeue puts an item back at the front, ahead of everything queued. It
// returns false if the queue is full.
func (q *Queue[T]) Requeue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		q.dropped++
		return false
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = item
	q.count++
	q.flushed--
	return true
}

// Clear discards every queued item.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	clear(q.buf)
	q.count = 0
	q.head, q.tail = 0, 0
	return n
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:    q.count,
		Capacity: len(q.buf),
		Accepted: q.accepted,
		Dropped:  q.dropped,
		Flushed:  q.flushed,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count    int
	Capacity int
	Accepted int64
	Dropped  int64
	Flushed  int64
}
