// Package eventqueue delivers notifications for one object on a single,
// strictly ordered timeline.
package eventqueue

import "sync"

// Queue is an unbounded FIFO drained by one dedicated worker goroutine that
// invokes a fixed dispatch function for each event.
type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	closed   bool
	dispatch func(T)
	done     chan struct{}
}

// New starts a queue whose worker calls dispatch for every pushed event.
func New[T any](dispatch func(T)) *Queue[T] {
	q := &Queue[T]{
		dispatch: dispatch,
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		q.dispatch(ev)
	}
}

// Push enqueues an event. It returns false once the queue is closed.
func (q *Queue[T]) Push(ev T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return true
}

// Len returns the number of undelivered events.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting events. The worker exits after delivering what is
// already queued. Close may be called from the dispatch function.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Done is closed once the worker has drained the queue and exited.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Wait blocks until the worker exits. It must not be called from dispatch.
func (q *Queue[T]) Wait() {
	<-q.done
}
