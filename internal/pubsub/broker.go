// Package pubsub provides the in-memory fan-out primitives used by the
// message bus and the event publisher. Durable delivery is the store's
// job; everything here is best-effort and process-local.
package pubsub

import (
	"context"
	"sync"
)

const defaultBufferSize = 64

// Broker fans values out to any number of subscribers. Publish never
// blocks: a subscriber that falls more than bufferSize behind misses
// values. Subscriptions end when their context is cancelled or the
// broker closes.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[chan T]struct{}
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a broker with the default per-subscriber buffer (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan T]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe registers a new subscriber. The returned channel closes when
// ctx is cancelled or the broker closes. Subscribing to a closed broker
// yields an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan T)
		close(ch)
		return ch
	default:
	}

	sub := make(chan T, b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return // Close already shut the channel
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		select {
		case <-b.done:
			return
		default:
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers v to every subscriber that has buffer space left.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for sub := range b.subs {
		select {
		case sub <- v:
		default:
			// subscriber is full; drop rather than block the publisher
		}
	}
}

// Close shuts down the broker and every subscriber channel. Idempotent.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
