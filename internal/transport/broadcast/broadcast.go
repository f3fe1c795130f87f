// Package broadcast is an in-memory fan-out of values to any number of
// subscribers.
//
// Publish never blocks. When a subscriber's buffer is full its oldest
// pending value is discarded to make room, so a slow subscriber loses old
// values rather than stalling the publisher.
package broadcast

import (
	"sync"
	"sync/atomic"
)

type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	seq    uint64
	closed bool

	dropped atomic.Uint64
	onDrop  func()
}

// New returns a broadcaster. onDrop, if non-nil, is called once per
// discarded value.
func New[T any](onDrop func()) *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[uint64]chan T), onDrop: onDrop}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel; it is safe to call twice.
func (b *Broadcaster[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		b.offer(ch, v)
	}
}

func (b *Broadcaster[T]) offer(ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
			b.drop()
		default:
		}
	}
}

func (b *Broadcaster[T]) drop() {
	b.dropped.Add(1)
	if b.onDrop != nil {
		b.onDrop()
	}
}

// Dropped is the number of values discarded across all subscribers.
func (b *Broadcaster[T]) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
