package session

import (
	"context"
	"sync"
)

// Executor runs handler work on behalf of the read loop. Hosts whose objects
// may only be touched from one thread (a GUI main loop) supply an executor
// that posts to that thread.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

// Execute calls f(fn).
func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs work directly on the read goroutine, preserving arrival order.
// Handlers run this way must not wait on Session.Request: its reply is read by
// the very goroutine they are blocking.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// MainLoop is a single-threaded executor: work posted from any goroutine runs
// in order on the goroutine that calls Run.
type MainLoop struct {
	work chan func()

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// NewMainLoop returns a loop that buffers up to backlog posted functions.
func NewMainLoop(backlog int) *MainLoop {
	if backlog <= 0 {
		backlog = 256
	}
	return &MainLoop{
		work: make(chan func(), backlog),
		done: make(chan struct{}),
	}
}

// Execute posts fn to the loop. Work posted after Run returned is dropped.
func (m *MainLoop) Execute(fn func()) {
	select {
	case <-m.done:
	case m.work <- fn:
	}
}

// Run drains posted work until ctx is cancelled.
func (m *MainLoop) Run(ctx context.Context) {
	defer m.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.work:
			fn()
		}
	}
}

func (m *MainLoop) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.done)
	}
}
