package wbase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NebulousLabs/qserv-worker/chunknum"
	"github.com/NebulousLabs/qserv-worker/wsched"
)

type fakeRunner struct {
	ran       int32
	cancelled int32
	err       error
	block     chan struct{}
}

func (r *fakeRunner) RunQuery(ctx context.Context) error {
	atomic.AddInt32(&r.ran, 1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

func (r *fakeRunner) Cancel() {
	atomic.AddInt32(&r.cancelled, 1)
}

type fakeHandle struct {
	released int32
}

func (h *fakeHandle) Release() { atomic.AddInt32(&h.released, 1) }

type fakeMemMan struct {
	handle *fakeHandle
	err    error
	block  chan struct{}
}

func (m *fakeMemMan) Acquire(ctx context.Context, t *Task) (ResourceHandle, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.handle, nil
}

type fakeSchedulerNotifier struct {
	notified int32
}

func (f *fakeSchedulerNotifier) TaskCancelled(*Task) {
	atomic.AddInt32(&f.notified, 1)
}

func newTestTask() *Task {
	v := chunknum.NewRangeValidator(0, 100)
	id, err := chunknum.New(5, v)
	if err != nil {
		panic(err)
	}
	return New("q1", 1, id, nil, wsched.ScanFast)
}

func TestTaskStateTransitionsAreMonotonic(t *testing.T) {
	task := newTestTask()
	if task.State() != Created {
		t.Fatalf("State() = %v, want CREATED", task.State())
	}
	now := time.Now()
	task.Queued(now)
	if task.State() != Queued {
		t.Fatalf("State() = %v, want QUEUED", task.State())
	}
	task.Started(now.Add(time.Millisecond))
	if task.State() != Running {
		t.Fatalf("State() = %v, want RUNNING", task.State())
	}
	dur := task.Finished(now.Add(2 * time.Millisecond))
	if task.State() != Finished {
		t.Fatalf("State() = %v, want FINISHED", task.State())
	}
	if dur != time.Millisecond {
		t.Fatalf("Finished duration = %v, want 1ms", dur)
	}
	// Queued after FINISHED must not move the state backward.
	task.Queued(now)
	if task.State() != Finished {
		t.Fatal("expected state to remain FINISHED, transitions are monotonic")
	}
}

func TestTaskCancelIsIdempotentAndWaitFree(t *testing.T) {
	task := newTestTask()
	runner := &fakeRunner{}
	task.SetQueryRunner(runner)
	sched := &fakeSchedulerNotifier{}
	task.SetScheduler(sched)

	task.Cancel()
	task.Cancel()
	task.Cancel()

	if !task.Cancelled() {
		t.Fatal("expected task to be cancelled")
	}
	if atomic.LoadInt32(&runner.cancelled) != 1 {
		t.Fatalf("runner.Cancel called %d times, want 1", runner.cancelled)
	}
	if atomic.LoadInt32(&sched.notified) != 1 {
		t.Fatalf("scheduler notified %d times, want 1", sched.notified)
	}
}

func TestSetQueryRunnerReportsAlreadyCancelled(t *testing.T) {
	task := newTestTask()
	task.Cancel()
	alreadyCancelled := task.SetQueryRunner(&fakeRunner{})
	if !alreadyCancelled {
		t.Fatal("expected SetQueryRunner to report the task was already cancelled")
	}
}

func TestRunWithoutQueryRunnerIsSchedulerMisconfigured(t *testing.T) {
	task := newTestTask()
	err := task.Run(context.Background())
	var scheduleErr wsched.ErrSchedulerMisconfigured
	if !errors.As(err, &scheduleErr) {
		t.Fatalf("Run() err = %v, want ErrSchedulerMisconfigured", err)
	}
	if task.State() != Finished {
		t.Fatal("expected task to reach FINISHED even on configuration error")
	}
}

func TestRunAcquiresAndReleasesResourceHandle(t *testing.T) {
	task := newTestTask()
	handle := &fakeHandle{}
	task.SetMemoryManager(&fakeMemMan{handle: handle})
	runner := &fakeRunner{}
	task.SetQueryRunner(runner)

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if !task.SafeToMove() {
		t.Fatal("expected SafeToMove to be true after WaitForResource succeeds")
	}
	if atomic.LoadInt32(&handle.released) != 1 {
		t.Fatalf("handle released %d times, want 1", handle.released)
	}
	if atomic.LoadInt32(&runner.ran) != 1 {
		t.Fatal("expected the installed runner to have executed")
	}
}

func TestWaitForResourceHonorsCancellation(t *testing.T) {
	task := newTestTask()
	block := make(chan struct{})
	task.SetMemoryManager(&fakeMemMan{block: block})
	runner := &fakeRunner{}
	task.SetQueryRunner(runner)

	done := make(chan error, 1)
	go func() {
		done <- task.Run(context.Background())
	}()

	// Give Run a moment to reach WaitForResource, then cancel instead of
	// ever unblocking the memory manager.
	time.Sleep(5 * time.Millisecond)
	task.Cancel()

	select {
	case err := <-done:
		var cancelErr wsched.ErrCancelled
		if !errors.As(err, &cancelErr) {
			t.Fatalf("Run() err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation while waiting for resource")
	}
	if atomic.LoadInt32(&runner.ran) != 0 {
		t.Fatal("runner should never have started; task was cancelled during the resource wait")
	}
	if task.SafeToMove() {
		t.Fatal("SafeToMove should remain false when WaitForResource never succeeds")
	}
}

func TestTaskWithNoMemoryManagerSkipsWait(t *testing.T) {
	task := newTestTask()
	runner := &fakeRunner{}
	task.SetQueryRunner(runner)
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	// No memory manager installed means WaitForResource had nothing to
	// grant, so SafeToMove legitimately stays false; Run must still have
	// executed the query.
	if task.SafeToMove() {
		t.Fatal("expected SafeToMove to remain false with no memory manager installed")
	}
	if atomic.LoadInt32(&runner.ran) != 1 {
		t.Fatal("expected runner to execute even with no memory manager installed")
	}
}
