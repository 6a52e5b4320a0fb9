// Package queue implements the FIFO work queue that connects pipeline stages.
//
// A Queue tracks two numbers:
//   - the items currently buffered (Len, Empty)
//   - the items handed out but not yet acknowledged with TaskDone (Pending)
//
// Drain empties a queue whose consumers are gone. Empty is a best-effort
// snapshot: between Empty returning true and a later Get a
// sibling producer may have put new items, and callers must tolerate that.
package queue

import (
	"context"
	"sync"
)

// Queue is a goroutine-safe FIFO with optional capacity. The zero value is
// not usable; create queues with New.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	pending  int
	// changed is closed and replaced on every state transition so waiters
	// can select on it together with a context.
	changed chan struct{}
}

// New creates a queue holding at most capacity items. A capacity of zero or
// less means unbounded.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

func (q *Queue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) fullLocked() bool {
	return q.capacity > 0 && len(q.items) >= q.capacity
}

// Put appends item, blocking while the queue is full. It returns the
// context error if ctx ends first.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if !q.fullLocked() {
			q.items = append(q.items, item)
			q.pending++
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// TryPut appends item unless the queue is full.
func (q *Queue[T]) TryPut(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fullLocked() {
		return false
	}
	q.items = append(q.items, item)
	q.pending++
	q.notifyLocked()
	return true
}

// Get removes and returns the oldest item, blocking until one is available
// or ctx ends.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.popLocked()
			q.mu.Unlock()
			return item, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// TryGet removes and returns the oldest item without blocking.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.notifyLocked()
	return item
}

// TaskDone acknowledges one item obtained from Get or TryGet. It panics when
// called more times than items were put, like sync.WaitGroup.
func (q *Queue[T]) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending <= 0 {
		panic("queue: TaskDone called more times than items were put")
	}
	q.pending--
	q.notifyLocked()
}

// Empty reports whether no items are buffered right now.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the number of items put and not yet acknowledged.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Drain removes and acknowledges every buffered item, returning them in
// FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	q.pending -= len(items)
	if q.pending < 0 {
		q.pending = 0
	}
	q.notifyLocked()
	return items
}

// Clear drops all buffered items and resets the pending count. Pipelines
// call it at the start of every run so a reused connector never sees
// leftovers of a previous run.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.pending = 0
	q.notifyLocked()
}
