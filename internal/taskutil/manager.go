// Package taskutil tracks background goroutines with priorities
// so shutdown can reclaim them in a controlled order.
package taskutil

import (
	"context"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcall/internal/errorutil"
)

// Priority orders tasks for shutdown. Lower priority tasks are
// cancelled first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ErrShutdownTimeout is returned when tasks outlive the shutdown budget.
const ErrShutdownTimeout errorutil.Error = "task shutdown timeout"

type task struct {
	name   string
	pri    Priority
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs and tracks background tasks.
type Manager struct {
	mu     sync.Mutex
	tasks  map[*task]struct{}
	root   context.Context
	cancel context.CancelFunc
	closed bool
}

// NewManager returns a Manager whose tasks derive from ctx.
func NewManager(ctx context.Context) *Manager {
	root, cancel := context.WithCancel(ctx)
	return &Manager{
		tasks:  make(map[*task]struct{}),
		root:   root,
		cancel: cancel,
	}
}

// Go starts fn in a new goroutine tracked under name with the given
// priority. fn must return when its context is cancelled.
func (m *Manager) Go(name string, pri Priority, fn func(ctx context.Context)) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(m.root)
	t := &task{name: name, pri: pri, cancel: cancel, done: make(chan struct{})}
	m.tasks[t] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			close(t.done)
			m.mu.Lock()
			delete(m.tasks, t)
			m.mu.Unlock()
		}()
		fn(ctx)
	}()
	return true
}

// Len returns the number of live tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown cancels tasks in priority order, lowest first, and waits
// for each batch to exit. When ctx expires before all tasks finish,
// the remaining tasks are cancelled unconditionally and
// ErrShutdownTimeout is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, pri := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		if err := m.stopBatch(ctx, pri); err != nil {
			m.cancel()
			return errtrace.Wrap(err)
		}
	}
	m.cancel()
	return nil
}

func (m *Manager) stopBatch(ctx context.Context, pri Priority) error {
	m.mu.Lock()
	batch := make([]*task, 0, len(m.tasks))
	for t := range m.tasks {
		if t.pri == pri {
			batch = append(batch, t)
		}
	}
	m.mu.Unlock()

	for _, t := range batch {
		t.cancel()
	}
	for _, t := range batch {
		select {
		case <-t.done:
		case <-ctx.Done():
			return errtrace.Wrap(errorutil.NewWrapperError(ErrShutdownTimeout, ctx.Err()))
		}
	}
	return nil
}
