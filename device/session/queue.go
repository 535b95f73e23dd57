package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the capacity of each device queue.
const DefaultQueueSize = 64

// Queue is a bounded FIFO shared between a device and the relay layer.
// When full, Push evicts the oldest item so the freshest state is kept.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	signal   chan struct{}
	dropped  atomic.Uint64
}

// NewQueue creates an empty queue. A non-positive capacity selects
// DefaultQueueSize.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue[T]{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push appends v. It returns false if an older item was evicted to make
// room.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	evicted := false
	if len(q.items) >= q.capacity {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped.Add(1)
		evicted = true
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.notify()
	return !evicted
}

// Requeue puts v back at the head of the queue, but only if the queue is
// empty. A waiting item is newer than v and supersedes it. It reports
// whether v was queued.
func (q *Queue[T]) Requeue(v T) bool {
	q.mu.Lock()
	if len(q.items) > 0 {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.notify()
	return true
}

// Pop removes and returns the oldest item. ok is false if the queue is
// empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// PopWait is like Pop but waits up to timeout for an item to arrive.
func (q *Queue[T]) PopWait(ctx context.Context, timeout time.Duration) (v T, ok bool) {
	if v, ok = q.Pop(); ok {
		return v, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return v, false
		case <-timer.C:
			return q.Pop()
		case <-q.signal:
			if v, ok = q.Pop(); ok {
				return v, true
			}
		}
	}
}

// Drain removes and returns every queued item in order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Signal returns a channel that receives after items are added. A receive
// does not guarantee the queue is still non-empty.
func (q *Queue[T]) Signal() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were evicted by Push.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
