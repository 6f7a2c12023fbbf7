package sync

import (
	"context"
)

// Adapted from the slides for "Rethinking Classical Concurrency Patterns" by Bryan C. Mills.

// Queue is an unbounded FIFO. Put never blocks.
type Queue[T any] struct {
	items chan []T  // contains 0 or 1 non-empty slices
	empty chan bool // contains true if items is empty
}

func NewQueue[T any]() *Queue[T] {
	items := make(chan []T, 1)
	empty := make(chan bool, 1)
	empty <- true
	return &Queue[T]{items, empty}
}

func (q *Queue[T]) Put(item T) {
	var items []T
	select {
	case items = <-q.items:
	case <-q.empty:
	}
	items = append(items, item)
	q.items <- items
}

// Get blocks until an item is available or ctx is done. The boolean is false
// if ctx ended first.
func (q *Queue[T]) Get(ctx context.Context) (T, bool) {
	var items []T
	select {
	case <-ctx.Done():
		var zero T
		return zero, false
	case items = <-q.items:
	}

	item := items[0]
	items = items[1:]
	if len(items) == 0 {
		q.empty <- true
	} else {
		q.items <- items
	}

	return item, true
}

// Ready returns a channel that yields the pending batch. The caller owns the
// batch after receiving it and must call Done to re-arm the queue.
func (q *Queue[T]) Ready() <-chan []T {
	return q.items
}

// Done marks the queue empty after a batch was taken from Ready.
func (q *Queue[T]) Done() {
	q.empty <- true
}

// TryGet returns every queued item without blocking.
func (q *Queue[T]) TryGet() []T {
	select {
	case items := <-q.items:
		q.empty <- true
		return items
	default:
		return nil
	}
}
