package events

import (
	"context"
	"sync"
)

// Handler receives published events. Handlers must not block.
type Handler func(Event)

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus publishes events and delivers them to subscribers.
type Bus interface {
	Publisher
	// Subscribe registers h and returns a func that removes it.
	Subscribe(h Handler) (unsubscribe func(), err error)
	Close() error
}

// LocalBus delivers events synchronously to in-process subscribers.
type LocalBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	closed   bool
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]Handler)}
}

// Publish calls every subscriber in turn.
func (b *LocalBus) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
	return nil
}

func (b *LocalBus) Subscribe(h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}, nil
}

// Close drops every subscriber.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]Handler)
	b.closed = true
	return nil
}

// IsConnected reports whether Close has not been called.
func (b *LocalBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
