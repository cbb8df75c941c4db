package pool

import (
	"context"
	"sync"
	"time"
)

// Queue is a rendezvous point between idle items and the callers waiting
// for them. It has no capacity of its own: Take waits until an item is Put
// or maxWait elapses. Waiting takers are served first come, first served.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	waiters []chan T
}

// Put hands v to the longest waiting taker, or keeps it for the next Take.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- v
		return
	}
	q.items = append(q.items, v)
}

// Take returns an item, waiting up to maxWait for one. It returns false on
// timeout or when ctx is done.
func (q *Queue[T]) Take(ctx context.Context, maxWait time.Duration) (T, bool) {
	var zero T

	q.mu.Lock()
	if len(q.items) > 0 {
		v := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return v, true
	}
	if maxWait <= 0 {
		q.mu.Unlock()
		return zero, false
	}
	w := make(chan T, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case v := <-w:
		return v, true
	case <-timer.C:
	case <-ctx.Done():
	}

	if q.removeWaiter(w) {
		return zero, false
	}
	// Put already handed us an item.
	v := <-w
	if ctx.Err() != nil {
		q.Put(v)
		return zero, false
	}
	return v, true
}

func (q *Queue[T]) removeWaiter(w chan T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, c := range q.waiters {
		if c == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of idle items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Waiting returns the number of blocked takers.
func (q *Queue[T]) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
