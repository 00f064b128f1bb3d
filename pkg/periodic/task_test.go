package periodic

import (
	"sync/atomic"
	"testing"
	"time"
)

// inlinePool runs enqueued funcs in their own goroutine, standing in for
// workerpool.Pool without importing it.
type inlinePool struct{}

func (inlinePool) Enqueue(fn func()) { go fn() }

func TestTaskInvokesCallbackRepeatedly(t *testing.T) {
	var count int32
	task := New("test", inlinePool{}, 10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	}, nil)

	task.Start()
	time.Sleep(55 * time.Millisecond)
	task.Stop()

	if got := atomic.LoadInt32(&count); got < 3 {
		t.Fatalf("expected at least 3 invocations in 55ms at 10ms interval, got %d", got)
	}
}

func TestStopBlocksUntilIterationReturns(t *testing.T) {
	inIteration := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	task := New("slow", inlinePool{}, time.Millisecond, func() {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(inIteration)
			<-release
		}
	}, nil)

	task.Start()
	<-inIteration

	stopped := make(chan struct{})
	go func() {
		task.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the running iteration finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the iteration finished")
	}
}

func TestCallbackPanicDoesNotKillLoop(t *testing.T) {
	var count int32
	task := New("panicky", inlinePool{}, 5*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
		panic("boom")
	}, nil)

	task.Start()
	time.Sleep(40 * time.Millisecond)
	task.Stop()

	if got := atomic.LoadInt32(&count); got < 2 {
		t.Fatalf("expected loop to continue after panic, got %d invocations", got)
	}
}
