package wbase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NebulousLabs/qserv-worker/build"
	"github.com/NebulousLabs/qserv-worker/chunknum"
	"github.com/NebulousLabs/qserv-worker/wsched"
)

// State is a Task's position in its CREATED -> QUEUED -> RUNNING ->
// FINISHED lifecycle. States are monotonic: once advanced, a Task never
// moves backward.
type State int

const (
	Created State = iota
	Queued
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Queued:
		return "QUEUED"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// QueryRunner is installed on a Task to actually execute its query
// against local storage. Repeated calls to Cancel must be harmless,
// matching TaskQueryRunner::cancel in the original source.
type QueryRunner interface {
	RunQuery(ctx context.Context) error
	Cancel()
}

// Scheduler lets a Task notify whatever scheduler queued it that it has
// been cancelled, without the Task needing to know which lane it landed
// in. Corresponds to TaskScheduler in the original source.
type Scheduler interface {
	TaskCancelled(t *Task)
}

// ResourceHandle is released exactly once, when the Task that acquired it
// reaches FINISHED. Corresponds to memman::MemMan::Handle in the original
// source.
type ResourceHandle interface {
	Release()
}

// MemoryManager grants a Task the handle for its working set, matching
// the "Memory manager" collaborator named in spec.md §6 and memman::MemMan
// in the original source. Acquire blocks until a handle is available or
// ctx is done.
type MemoryManager interface {
	Acquire(ctx context.Context, t *Task) (ResourceHandle, error)
}

// Task is a single unit of query work admitted to a worker: a chunk id,
// a query/job id pair, priority and scan-table metadata, and the
// lifecycle state machine described in the package doc comment.
// Construct one with New; the zero Task is not usable.
type Task struct {
	JobID int64
	User  string

	Chunk       chunknum.ChunkID
	ScanTables  []string
	Interactive bool
	// NearNeighbor marks a task produced by a near-neighbor query pair: the
	// parser collaborator (out of scope here) sets this when it wants the
	// task to stay in whatever group the group lane currently has open,
	// bypassing the usual chunk id match. See StickyGroup.
	NearNeighbor bool

	EntryTime time.Time

	queryID  string
	priority wsched.ScanPriority

	scheduler Scheduler

	cancelled    int32 // atomic bool, see Cancel/Cancelled
	cancelSignal chan struct{}

	mu         sync.Mutex
	state      State
	queuedAt   time.Time
	startedAt  time.Time
	finishedAt time.Time
	runner     QueryRunner

	memMan     MemoryManager
	handle     ResourceHandle
	safeToMove bool // set once WaitForResource returns successfully; see SafeToMove.
}

// New constructs a Task in the CREATED state.
func New(queryID string, jobID int64, chunkID chunknum.ChunkID, scanTables []string, priority wsched.ScanPriority) *Task {
	return &Task{
		queryID:      queryID,
		JobID:        jobID,
		Chunk:        chunkID,
		ScanTables:   scanTables,
		priority:     priority,
		EntryTime:    time.Now(),
		state:        Created,
		cancelSignal: make(chan struct{}),
	}
}

// SetMemoryManager installs the collaborator WaitForResource acquires a
// handle from. Corresponds to Task::setMemMan.
func (t *Task) SetMemoryManager(m MemoryManager) {
	t.mu.Lock()
	t.memMan = m
	t.mu.Unlock()
}

// SetScheduler installs the scheduler this task should notify on
// cancellation. Corresponds to Task::setTaskScheduler.
func (t *Task) SetScheduler(s Scheduler) {
	t.mu.Lock()
	t.scheduler = s
	t.mu.Unlock()
}

// SetQueryRunner installs the runner that performs this task's query. It
// returns true if the task was already cancelled by the time the runner
// was installed, in which case the caller should cancel the runner
// immediately rather than starting it - matching
// Task::setTaskQueryRunner's return value.
func (t *Task) SetQueryRunner(r QueryRunner) bool {
	t.mu.Lock()
	t.runner = r
	already := t.Cancelled()
	t.mu.Unlock()
	return already
}

// Cancel idempotently marks the task cancelled, forwards the
// cancellation to any installed QueryRunner, and notifies the owning
// scheduler. It never blocks.
func (t *Task) Cancel() {
	if !atomic.CompareAndSwapInt32(&t.cancelled, 0, 1) {
		return // already cancelled
	}
	close(t.cancelSignal)
	t.mu.Lock()
	runner := t.runner
	scheduler := t.scheduler
	t.mu.Unlock()
	if runner != nil {
		runner.Cancel()
	}
	if scheduler != nil {
		scheduler.TaskCancelled(t)
	}
}

// Cancelled reports whether Cancel has been called. Safe to call from any
// goroutine without blocking.
func (t *Task) Cancelled() bool {
	return atomic.LoadInt32(&t.cancelled) == 1
}

// ChunkID implements wsched.Chunked, letting the group and scan lanes
// bucket Tasks by chunk.
func (t *Task) ChunkID() (int64, bool) {
	v, err := t.Chunk.Value()
	if err != nil {
		return 0, false
	}
	return int64(v), true
}

// ScanPriority implements wsched.ScanCommand.
func (t *Task) ScanPriority() wsched.ScanPriority {
	return t.priority
}

// QueryID implements wsched.ScanCommand.
func (t *Task) QueryID() string {
	return t.queryID
}

// IsScan implements wsched.Scannable: a Task is routed to the shared-scan
// lane whenever it declares at least one scan table.
func (t *Task) IsScan() bool {
	return len(t.ScanTables) > 0
}

// StickyGroup implements wsched.Sticky: a near-neighbor task joins
// whatever group the group lane currently has open, regardless of chunk
// id.
func (t *Task) StickyGroup() bool {
	return t.NearNeighbor
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Queued transitions CREATED -> QUEUED and records the admission time.
func (t *Task) Queued(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Created {
		t.state = Queued
		t.queuedAt = now
	}
}

// Started transitions QUEUED -> RUNNING and records the start time.
func (t *Task) Started(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Queued || t.state == Created {
		t.state = Running
		t.startedAt = now
	}
}

// Finished transitions RUNNING -> FINISHED, records the finish time, and
// returns the task's total run time (finished - started).
func (t *Task) Finished(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Finished {
		t.state = Finished
		t.finishedAt = now
	}
	if t.startedAt.IsZero() {
		return 0
	}
	return t.finishedAt.Sub(t.startedAt)
}

// RunTime returns finished - started if the task has finished, or the
// time elapsed since it started otherwise. It is only well-defined once
// the task has at least reached RUNNING.
func (t *Task) RunTime(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	if t.state == Finished {
		return t.finishedAt.Sub(t.startedAt)
	}
	return now.Sub(t.startedAt)
}

// WaitForResource blocks until the installed MemoryManager grants this
// task's working-set handle, or ctx is done, or the task is cancelled.
// Corresponds to Task::waitForMemMan in the original source. A Task with
// no installed MemoryManager returns immediately: there is nothing to wait
// for. Once WaitForResource returns successfully, the task is marked
// "safe to move" (see SafeToMove) exactly as
// Task::_safeToMoveRunning is set true once waitForMemMan returns in the
// original.
func (t *Task) WaitForResource(ctx context.Context) error {
	t.mu.Lock()
	mm := t.memMan
	t.mu.Unlock()
	if mm == nil {
		return nil
	}
	handle, err := mm.Acquire(ctx, t)
	if err != nil {
		if t.Cancelled() || ctx.Err() != nil {
			return wsched.ErrCancelled("cancelled while waiting for resource")
		}
		return err
	}
	t.mu.Lock()
	t.handle = handle
	t.safeToMove = true
	t.mu.Unlock()
	return nil
}

// SafeToMove reports whether WaitForResource has returned successfully,
// i.e. whether this task has finished its memory-handle wait and moved on
// to actually running its query.
func (t *Task) SafeToMove() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.safeToMove
}

// releaseResource releases any held resource handle, matching spec.md §5's
// "released during on_finish" policy - folded into Task.Finished's defer
// in Run, since the Queue's OnFinish hook has no visibility into per-task
// resource state.
func (t *Task) releaseResource() {
	t.mu.Lock()
	h := t.handle
	t.handle = nil
	t.mu.Unlock()
	if h != nil {
		h.Release()
	}
}

// Run implements wsched.Command: it transitions the task to RUNNING, waits
// for its resource handle, runs the installed QueryRunner, releases the
// handle, and transitions to FINISHED. A Task with no installed
// QueryRunner is a configuration error and returns an error immediately
// rather than silently succeeding.
func (t *Task) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.cancelSignal:
			cancel()
		case <-runCtx.Done():
		}
	}()

	t.Started(time.Now())
	if err := t.WaitForResource(runCtx); err != nil {
		t.Finished(time.Now())
		return err
	}
	defer func() {
		t.releaseResource()
		t.Finished(time.Now())
	}()

	t.mu.Lock()
	runner := t.runner
	t.mu.Unlock()
	if runner == nil {
		return wsched.ErrSchedulerMisconfigured("task has no installed query runner")
	}
	if t.Cancelled() {
		return wsched.ErrCancelled(t.QueryID())
	}
	if err := runner.RunQuery(runCtx); err != nil {
		return build.ExtendErr("query "+t.QueryID()+" failed", err)
	}
	return nil
}

// LeavePool implements wsched.Evictable. It reports true only when the task
// has been cancelled and ctx is done. WorkerPool consults it after Run has
// returned, passing the pool-wide context that Shutdown cancels.
func (t *Task) LeavePool(ctx context.Context) bool {
	return t.Cancelled() && ctx.Err() != nil
}
