package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// Queue is an unbounded multi-producer single-consumer queue. Producers
// append to a linked list with CAS, a single goroutine forwards the items
// to the channel returned by Recv. Items of one producer keep their order.
type Queue[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	out    chan *T
	closed atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

// NewQueue creates a queue and starts its forwarding goroutine
func NewQueue[T any]() *Queue[T] {
	sentinel := &node[T]{}
	q := &Queue[T]{out: make(chan *T)}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.forward()
	return q
}

// Push appends an item. It returns false for nil items or a closed queue.
// Safe for concurrent use.
func (q *Queue[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				q.signal()
				return true
			}
		} else {
			// another producer appended but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// signal wakes the forwarder. Taking the lock avoids a lost wakeup between
// its emptiness check and cond.Wait.
func (q *Queue[T]) signal() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *Queue[T]) forward() {
	defer close(q.out)

	for {
		drained := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			drained = true
			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if !drained && q.closed.Load() {
			return
		}
		if !drained {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel items are delivered on. It is closed after
// Close once all pending items were delivered.
func (q *Queue[T]) Recv() <-chan *T {
	return q.out
}

// Close rejects further pushes. Pending items are still delivered.
func (q *Queue[T]) Close() {
	q.closed.Store(true)
	q.signal()
}
