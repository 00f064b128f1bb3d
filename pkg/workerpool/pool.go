// Package workerpool implements a bounded set of goroutines draining a
// shared task queue, with cooperative shutdown and a wait-for-idle barrier.
package workerpool

import (
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of work submitted to the pool. Panics raised from a Task
// are recovered by the worker that ran it and logged; they never bring the
// worker down.
type Task func()

// Stats is a point-in-time snapshot of the pool's queue and in-flight
// counters, exposed for tests and diagnostics.
type Stats struct {
	Queued   int
	InFlight int
}

// New creates a Pool with n workers. n <= 0 defaults to
// runtime.NumCPU(), with a floor of 1. The pool is not started until
// Start is called.
func New(n int, logger *zap.Logger) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:   n,
		logger: logger,
		tasks:  make(chan Task, 256),
	}
}

// Pool is a fixed-size set of workers draining a task queue.
type Pool struct {
	size   int
	logger *zap.Logger

	tasks chan Task
	done  chan struct{}

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup

	inFlight int32
	flightMu sync.Mutex
}

// Start spins up the pool's workers. Start is idempotent: calling it on an
// already-running pool is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.done = make(chan struct{})
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(p.done)
	}
}

// worker drains tasks until told to stop. done is captured at Start time
// rather than read from p on every iteration so a concurrent Stop/Start
// cycle can never hand a worker the wrong generation's channel.
func (p *Pool) worker(done chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-done:
			return
		case task := <-p.tasks:
			p.runTask(task)
		}
	}
}

func (p *Pool) runTask(task Task) {
	p.flightMu.Lock()
	p.inFlight++
	p.flightMu.Unlock()
	defer func() {
		p.flightMu.Lock()
		p.inFlight--
		p.flightMu.Unlock()
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.Any("recover", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Enqueue submits a task to be run by a worker. Enqueue on a stopped pool
// logs a warning and drops the task. The parameter is the unnamed func()
// type, not Task, so *Pool satisfies periodic.Enqueuer's method signature
// exactly (Task and func() are distinct types for interface matching even
// though Task's underlying type is func()).
func (p *Pool) Enqueue(task func()) {
	p.mu.Lock()
	running := p.running
	done := p.done
	p.mu.Unlock()
	if !running {
		p.logger.Warn("enqueue on stopped pool dropped a task")
		return
	}
	select {
	case p.tasks <- task:
	case <-done:
		p.logger.Warn("enqueue on stopped pool dropped a task")
	}
}

// Wait blocks until the task queue is empty and no task is in flight.
func (p *Pool) Wait() {
	for {
		p.flightMu.Lock()
		inFlight := p.inFlight
		p.flightMu.Unlock()
		if len(p.tasks) == 0 && inFlight == 0 {
			return
		}
		runtime.Gosched()
	}
}

// Stop sets running=false, drains no further tasks, and joins all workers.
// Tasks still queued when Stop is called are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	done := p.done
	p.mu.Unlock()

	close(done)
	p.wg.Wait()
}

// Stats returns a snapshot of the pool's current queue depth and in-flight
// task count.
func (p *Pool) Stats() Stats {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	return Stats{Queued: len(p.tasks), InFlight: int(p.inFlight)}
}
