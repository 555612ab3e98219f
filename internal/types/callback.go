package types

import (
	"iter"
	"slices"
	"sync"
)

// CallbackManager is a registry of callbacks that preserves registration order.
// Zero value is ready to use. Safe for concurrent use.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    []callback[T]
	nextID int
}

type callback[T any] struct {
	id int
	fn T
}

func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers a callback and returns a function that removes it.
// The remove function is idempotent.
func (m *CallbackManager[T]) Add(fn T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.cbs = append(m.cbs, callback[T]{id, fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.cbs = slices.DeleteFunc(m.cbs, func(cb callback[T]) bool { return cb.id == id })
			m.mu.Unlock()
		})
	}
}

// All returns an iterator over the registered callbacks in registration order.
// Callbacks are snapshotted before iteration, so removing or adding callbacks
// from within a callback is allowed.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		snapshot := make([]T, len(m.cbs))
		for i, cb := range m.cbs {
			snapshot[i] = cb.fn
		}
		m.mu.RUnlock()

		for _, fn := range snapshot {
			if !yield(fn) {
				return
			}
		}
	}
}

// Range calls fn for every registered callback in registration order.
func (m *CallbackManager[T]) Range(fn func(T)) {
	for cb := range m.All() {
		fn(cb)
	}
}
