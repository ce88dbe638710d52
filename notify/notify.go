// Package notify provides small in-process broadcast signals. Listeners are
// registered under opaque handles so unsubscribing is O(1), idempotent, and
// safe while a dispatch is in flight; an in-flight dispatch may still deliver
// one value to a listener that just unsubscribed.
package notify

import (
	"runtime/debug"
	"sync"
)

// Subscription undoes a Subscribe. The zero value is inert.
type Subscription struct {
	cancel func()
}

// Unsubscribe removes the listener. Calling it more than once is harmless.
func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Signal broadcasts values of type T to registered listeners.
type Signal[T any] struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]func(T)
	onPanic   func(recovered any, stack []byte)
}

// NewSignal builds an empty signal.
func NewSignal[T any]() *Signal[T] {
	return &Signal[T]{listeners: make(map[uint64]func(T))}
}

// SetPanicHandler installs fn to observe listener panics. Without a handler
// panics are swallowed so one broken listener cannot take down the rest.
func (s *Signal[T]) SetPanicHandler(fn func(recovered any, stack []byte)) {
	s.mu.Lock()
	s.onPanic = fn
	s.mu.Unlock()
}

// Subscribe registers fn and returns its subscription handle.
func (s *Signal[T]) Subscribe(fn func(T)) Subscription {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()
	return Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}}
}

// Len reports the number of registered listeners.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Notify delivers value to every listener registered at call time. Delivery
// runs on a dispatch goroutine so callers never block on listeners.
func (s *Signal[T]) Notify(value T) {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	fns := make([]func(T), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	onPanic := s.onPanic
	s.mu.Unlock()

	go func() {
		for _, fn := range fns {
			invoke(fn, value, onPanic)
		}
	}()
}

func invoke[T any](fn func(T), value T, onPanic func(any, []byte)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r, debug.Stack())
		}
	}()
	fn(value)
}
