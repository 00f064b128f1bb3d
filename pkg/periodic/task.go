// Package periodic implements a fixed-interval callback loop scheduled on a
// shared worker pool, with deterministic stop semantics: Stop blocks until
// the running iteration has returned.
package periodic

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// stopWaitTimeout is the safety timeout on Stop's wait for the final
// iteration. It logs a warning rather than blocking indefinitely, matching
// spec.md's "5-second safety timeout" on the stop protocol.
const stopWaitTimeout = 5 * time.Second

// Enqueuer is the subset of workerpool.Pool the task needs. It is an
// interface rather than a concrete type so periodic can be tested and reused
// without importing workerpool.
type Enqueuer interface {
	Enqueue(func())
}

// New creates a Task that will invoke callback on the given interval once
// Start is called. name is used only for log messages.
func New(name string, pool Enqueuer, interval time.Duration, callback func(), logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{
		name:     name,
		pool:     pool,
		interval: interval,
		callback: callback,
		logger:   logger,
	}
}

// Task runs callback() on the worker pool repeatedly, sleeping interval
// between iterations, until Stop is called.
type Task struct {
	name     string
	pool     Enqueuer
	interval time.Duration
	callback func()
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// Start enqueues the task's loop on the worker pool. Start is idempotent.
func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.done = make(chan struct{})
	done := t.done
	t.pool.Enqueue(func() { t.loop(done) })
}

func (t *Task) loop(done chan struct{}) {
	defer close(done)
	for {
		t.mu.Lock()
		running := t.running
		t.mu.Unlock()
		if !running {
			return
		}
		t.runOnce()
		time.Sleep(t.interval)
	}
}

func (t *Task) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("periodic task callback panicked",
				zap.String("task", t.name), zap.Any("recover", r))
		}
	}()
	t.callback()
}

// Stop clears the running flag and blocks until the loop's current
// iteration has returned (or stopWaitTimeout elapses, in which case a
// warning is logged but Stop still returns).
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopWaitTimeout):
		t.logger.Warn("timed out waiting for periodic task to stop",
			zap.String("task", t.name))
	}
}

// Running reports whether the task's loop is currently active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
