// Package bus provides a typed, in-process event bus with ordered,
// synchronous delivery.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives one event. A returned error is logged and does not
// stop delivery to later handlers.
type Handler[T any] func(T) error

// Bus delivers events of type T to its subscribers in registration order.
// Publish runs the handlers on the caller's goroutine, so events published
// from a single goroutine are observed in publish order.
type Bus[T any] struct {
	name   string
	logger *slog.Logger

	mu   sync.RWMutex
	subs []subscription[T]
	next int
}

type subscription[T any] struct {
	id int
	fn Handler[T]
}

// New creates an empty bus. name identifies the bus in log records.
func New[T any](name string, logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus[T]{
		name:   name,
		logger: logger,
	}
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Bus[T]) Subscribe(fn Handler[T]) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, subscription[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers evt to every current subscriber. Handlers may
// subscribe or unsubscribe during delivery; changes take effect from the
// next Publish. The returned error joins every handler failure.
func (b *Bus[T]) Publish(evt T) error {
	b.mu.RLock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error

	for _, s := range subs {
		if err := b.deliver(s, evt); err != nil {
			b.logger.Warn("event handler failed",
				slog.String("bus", b.name),
				slog.Int("handler", s.id),
				slog.String("error", err.Error()),
			)

			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (b *Bus[T]) deliver(s subscription[T], evt T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return s.fn(evt)
}

// Reset removes every subscriber.
func (b *Bus[T]) Reset() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}
