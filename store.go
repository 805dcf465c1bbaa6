package vchat

import (
	"sync"
	"sync/atomic"
)

// ============================================================================
// Observable Store
// ============================================================================

// Listener receives every value passed to Store.Set.
type Listener[T any] func(T)

type storeListener[T any] struct {
	fn     Listener[T]
	active atomic.Bool
}

// Store holds a single value and notifies subscribers on every Set.
//
// Listeners run synchronously, in subscription order. There is no equality
// check: setting the same value twice notifies twice. A Set issued from inside
// a listener is queued and delivered in a new pass once the current pass ends.
type Store[T any] struct {
	mu        sync.Mutex
	value     T
	listeners []*storeListener[T]
	queue     []T
	notifying bool
}

// NewStore creates a store holding initial.
func NewStore[T any](initial T) *Store[T] {
	return &Store[T]{value: initial}
}

// Get returns the current value.
func (s *Store[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the value and notifies every current subscriber with next.
func (s *Store[T]) Set(next T) {
	s.Update(func(T) T { return next })
}

// Update replaces the value with fn(current) under the store lock and
// notifies subscribers. fn must not call back into the store.
func (s *Store[T]) Update(fn func(T) T) {
	s.mu.Lock()
	next := fn(s.value)
	s.value = next
	s.queue = append(s.queue, next)
	if s.notifying {
		// the goroutine already notifying delivers it after the current pass
		s.mu.Unlock()
		return
	}
	s.notifying = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.notifying = false
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		listeners := append([]*storeListener[T]{}, s.listeners...)
		s.mu.Unlock()

		for _, l := range listeners {
			if l.active.Load() {
				l.fn(v)
			}
		}
	}
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (s *Store[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	l := &storeListener[T]{fn: fn}
	l.active.Store(true)

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	return func() {
		if !l.active.Swap(false) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, other := range s.listeners {
			if other == l {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				break
			}
		}
	}
}

// Len returns the number of active subscribers.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
