// Package events provides the in-process fan-out bus that carries state
// transition notifications between the coordinator, the workflow engine, and
// the gateway.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscriber channel capacity used when a subscriber
// does not ask for a specific one.
const DefaultBuffer = 64

// Bus is a typed fan-out. Every subscriber owns a bounded channel; a
// publisher never blocks on a slow subscriber — the event is dropped for
// that subscriber and counted instead.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool

	logger  *slog.Logger
	dropped atomic.Int64
	onDrop  func(subscriber string)
}

type subscriber[T any] struct {
	name string
	ch   chan T
}

// NewBus creates an empty bus. logger may be nil.
func NewBus[T any](logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{
		subs:   make(map[int]*subscriber[T]),
		logger: logger.With("component", "events"),
	}
}

// SetDropHook installs a callback invoked whenever an event is dropped for a
// subscriber. Intended for metrics; must be set before the bus is used.
func (b *Bus[T]) SetDropHook(fn func(subscriber string)) {
	b.onDrop = fn
}

// Subscribe registers a named subscriber and returns its receive channel.
// The subscription ends when ctx is cancelled or the bus closes; either way
// the returned channel is closed.
func (b *Bus[T]) Subscribe(ctx context.Context, name string, buffer int) <-chan T {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber[T]{name: name, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return ch
}

func (b *Bus[T]) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers the event to every subscriber without blocking. Events
// are dropped per subscriber when that subscriber's buffer is full.
func (b *Bus[T]) Publish(evt T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(sub.name)
			}
			b.logger.Warn("event dropped for slow subscriber", "subscriber", sub.name)
		}
	}
}

// Close terminates every subscription. Publish becomes a no-op afterwards.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Bus[T]) Dropped() int64 {
	return b.dropped.Load()
}
