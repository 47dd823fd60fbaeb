// Package queue provides the work queue that decouples record producers from
// the delivery workers.
package queue

import (
	"context"
	"sync"
)

type Options[T any] struct {
	// Capacity bounds the number of queued (not yet dequeued) items. Zero
	// means unbounded. When the queue is full the oldest queued item is
	// discarded to make room.
	Capacity int

	// OnDrop is called with each item discarded because the queue was full.
	OnDrop func(T)
}

// Queue is a FIFO safe for concurrent use by multiple producers and
// consumers. Put never blocks. Every item returned by Get must be followed by
// a call to Done once its processing has finished so that Wait can observe
// completion.
type Queue[T any] struct {
	capacity int
	onDrop   func(T)

	ready chan struct{} // signalled when items may be available

	mu      sync.Mutex // guards following fields
	items   []T
	head    int
	pending int           // items put but not yet marked done
	idle    chan struct{} // closed when pending drops to zero
	dropped int64
}

func New[T any](opts Options[T]) *Queue[T] {
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{
		capacity: opts.Capacity,
		onDrop:   opts.OnDrop,
		ready:    make(chan struct{}, 1),
		idle:     idle,
	}
}

// Put appends v to the queue.
func (q *Queue[T]) Put(v T) {
	var dropped T
	didDrop := false

	q.mu.Lock()
	if q.capacity > 0 && q.lenLocked() >= q.capacity {
		dropped = q.popLocked()
		didDrop = true
		q.dropped++
		// the dropped item is complete and the new one takes its place
	} else {
		if q.pending == 0 {
			q.idle = make(chan struct{})
		}
		q.pending++
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.signal()

	if didDrop && q.onDrop != nil {
		q.onDrop(dropped)
	}
}

// Get removes and returns the oldest item, blocking until one is available or
// ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.lenLocked() > 0 {
			v := q.popLocked()
			more := q.lenLocked() > 0
			q.mu.Unlock()
			if more {
				// pass the wakeup on to another waiting consumer
				q.signal()
			}
			return v, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Done marks one item obtained from Get as processed.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		panic("queue: Done called more times than items were put")
	}
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}

// Wait blocks until every item put so far, and any put while waiting, has been
// marked done, or until ctx is done.
func (q *Queue[T]) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.pending == 0 {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Len returns the number of items waiting to be dequeued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Pending returns the number of items put but not yet marked done.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Dropped returns the number of items discarded because the queue was full.
func (q *Queue[T]) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	// reclaim the consumed prefix once it dominates the backing array
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = zero
		}
		q.items = q.items[:n]
		q.head = 0
	}
	return v
}
