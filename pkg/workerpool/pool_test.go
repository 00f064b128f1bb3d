package workerpool

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsEnqueuedTasks(t *testing.T) {
	p := New(4, nil)
	p.Start()
	defer p.Stop()

	var count int32
	for i := 0; i < 50; i++ {
		p.Enqueue(func() { atomic.AddInt32(&count, 1) })
	}
	p.Wait()

	if got := atomic.LoadInt32(&count); got != 50 {
		t.Fatalf("expected 50 tasks to run, got %d", got)
	}
}

func TestPoolRecoversPanickingTask(t *testing.T) {
	p := New(1, nil)
	p.Start()
	defer p.Stop()

	done := make(chan struct{})
	p.Enqueue(func() { panic("boom") })
	p.Enqueue(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic and continue")
	}
}

func TestEnqueueOnStoppedPoolIsNoop(t *testing.T) {
	p := New(1, nil)
	p.Start()
	p.Stop()

	// Should not panic or block.
	p.Enqueue(func() { t.Fatal("task must not run after Stop") })
}

func TestWaitReturnsOnceIdle(t *testing.T) {
	p := New(2, nil)
	p.Start()
	defer p.Stop()

	p.Enqueue(func() { time.Sleep(20 * time.Millisecond) })
	p.Wait()

	stats := p.Stats()
	if stats.InFlight != 0 || stats.Queued != 0 {
		t.Fatalf("expected idle pool after Wait, got %+v", stats)
	}
}
