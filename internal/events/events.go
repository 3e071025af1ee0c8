// Package events is a minimal typed publish/subscribe registry.
package events

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Listener handles one dispatched payload.
type Listener[T any] func(ctx context.Context, payload T) error

// Event holds the ordered listeners for one event name.
type Event[T any] struct {
	name string

	mu        sync.Mutex
	next      uint64
	order     []uint64
	listeners map[uint64]Listener[T]
}

// New returns an Event with no listeners.
func New[T any](name string) *Event[T] {
	return &Event[T]{
		name:      name,
		listeners: make(map[uint64]Listener[T]),
	}
}

// Name returns the event name.
func (e *Event[T]) Name() string {
	return e.name
}

// Subscribe registers fn and returns a function that removes it. Calling
// the returned function more than once is harmless.
func (e *Event[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.next
	e.next++
	e.order = append(e.order, id)
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if _, ok := e.listeners[id]; !ok {
			return
		}

		delete(e.listeners, id)

		for i, v := range e.order {
			if v == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
}

// Len returns the number of registered listeners.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.order)
}

// Clear removes every listener.
func (e *Event[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.order = nil
	e.listeners = make(map[uint64]Listener[T])
}

// Dispatch runs every listener concurrently and returns once all of them
// have finished. A failing listener does not stop the others; the first
// error is returned.
func (e *Event[T]) Dispatch(ctx context.Context, payload T) error {
	e.mu.Lock()
	snapshot := make([]Listener[T], 0, len(e.order))
	for _, id := range e.order {
		snapshot = append(snapshot, e.listeners[id])
	}
	e.mu.Unlock()

	var g errgroup.Group
	for _, fn := range snapshot {
		g.Go(func() error {
			return fn(ctx, payload)
		})
	}

	return g.Wait()
}
