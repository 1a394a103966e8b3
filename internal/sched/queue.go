// Package sched orders asynchronous work by urgency.
package sched

import (
	"container/heap"
	"context"
	"errors"

	"github.com/sasha-s/go-deadlock"
)

var ErrClosed = errors.New("sched: queue closed")

// Item is a handle on a queued value, used to remove or re-prioritize it.
type Item[T any] struct {
	Value T

	prio  int64
	seq   uint64
	index int // -1 once popped or removed
}

type itemHeap[T any] []*Item[T]

func (h itemHeap[T]) Len() int { return len(h) }

func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio < h[j].prio
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[T]) Push(x any) {
	it := x.(*Item[T])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is an unbounded concurrent priority queue. Lower priority values are
// polled first; equal priorities come out in push order.
type Queue[T any] struct {
	mu     deadlock.Mutex
	h      itemHeap[T]
	seq    uint64
	closed bool

	// signal carries at most one wakeup; a poller that takes an item while
	// more remain passes the wakeup on.
	signal chan struct{}
	done   chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Push enqueues v. It returns nil if the queue is closed.
func (q *Queue[T]) Push(v T, prio int64) *Item[T] {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	it := &Item[T]{Value: v, prio: prio, seq: q.seq}
	q.seq++
	heap.Push(&q.h, it)
	q.mu.Unlock()
	q.wake()
	return it
}

// Remove unqueues it and reports whether it was still queued.
func (q *Queue[T]) Remove(it *Item[T]) bool {
	if it == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.index < 0 || it.index >= len(q.h) || q.h[it.index] != it {
		return false
	}
	heap.Remove(&q.h, it.index)
	return true
}

// Reprioritize changes the priority of a queued item. The item keeps its
// original position among equal priorities.
func (q *Queue[T]) Reprioritize(it *Item[T], prio int64) bool {
	if it == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.index < 0 || it.index >= len(q.h) || q.h[it.index] != it {
		return false
	}
	it.prio = prio
	heap.Fix(&q.h, it.index)
	return true
}

// TryPoll pops the most urgent item without blocking.
func (q *Queue[T]) TryPoll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.h) == 0 {
		return zero, false
	}
	it := heap.Pop(&q.h).(*Item[T])
	if len(q.h) > 0 {
		q.wake()
	}
	return it.Value, true
}

// Poll blocks until an item is available, ctx is done or the queue is closed.
func (q *Queue[T]) Poll(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		v, ok := q.popLocked()
		q.mu.Unlock()
		if ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.done:
			return zero, ErrClosed
		case <-q.signal:
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Close wakes all pollers and drops queued items, which are returned.
func (q *Queue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	out := make([]T, 0, len(q.h))
	for _, it := range q.h {
		it.index = -1
		out = append(out, it.Value)
	}
	q.h = nil
	return out
}
