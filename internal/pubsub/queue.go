package pubsub

import "sync"

// Queue is an unbounded FIFO handoff between one or more producers and a
// single consumer channel. Push never blocks; memory is the only limit.
// Observers that must not miss events (as opposed to the drop-tolerant
// Broker) consume through a Queue. Close stops both intake and delivery;
// anything still queued is discarded, the durable log being the source
// of truth.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	done   chan struct{}
	out    chan T
	closed bool
}

// NewQueue creates the queue and starts its pump goroutine.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan T),
	}
	go q.pump()
	return q
}

// Push appends v. Returns false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Out returns the consumer channel. It closes shortly after Close.
func (q *Queue[T]) Out() <-chan T { return q.out }

// Close stops intake and delivery. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// Len reports how many items are waiting for the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		var (
			next T
			ok   bool
		)
		if len(q.items) > 0 {
			next, ok = q.items[0], true
			q.items = q.items[1:]
		}
		q.mu.Unlock()

		if ok {
			select {
			case q.out <- next:
			case <-q.done:
				return
			}
			continue
		}
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
