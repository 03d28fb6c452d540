package wcontrol

import (
	"context"
	"sync"
	"time"

	"github.com/NebulousLabs/threadgroup"

	"github.com/NebulousLabs/qserv-worker/persist"
	"github.com/NebulousLabs/qserv-worker/wbase"
	"github.com/NebulousLabs/qserv-worker/wsched"
)

// MySQLConfig is the opaque, already-parsed configuration for the
// worker's local embedded SQL storage collaborator. Parsing it from a
// config file is explicitly out of scope (spec.md §1); Foreman only
// stores and hands it to whatever collaborator a Task's QueryRunner
// eventually wires up against.
type MySQLConfig struct {
	Socket   string
	Username string
	Database string
}

// trackedTask wraps a *wbase.Task so Foreman can learn when it has
// finished running (to drop it from the in-flight set) without the
// wsched lanes losing visibility into the Task's Chunked/Sticky/Scannable/
// ScanCommand/Evictable facets, which they type-assert for directly.
type trackedTask struct {
	f *Foreman
	t *wbase.Task
}

func (w *trackedTask) Run(ctx context.Context) error {
	defer w.f.forget(w.t)
	return w.t.Run(ctx)
}

func (w *trackedTask) ChunkID() (int64, bool)             { return w.t.ChunkID() }
func (w *trackedTask) ScanPriority() wsched.ScanPriority  { return w.t.ScanPriority() }
func (w *trackedTask) QueryID() string                    { return w.t.QueryID() }
func (w *trackedTask) IsScan() bool                       { return w.t.IsScan() }
func (w *trackedTask) StickyGroup() bool                  { return w.t.StickyGroup() }
func (w *trackedTask) LeavePool(ctx context.Context) bool { return w.t.LeavePool(ctx) }

// Foreman is the worker facade: it owns the pool, the blend scheduler, and
// the resource manager a Task waits on, and is the sole integration seam
// between this subsystem and the worker's inbound RPC surface (out of
// scope here, per spec.md §1). Process is its only inbound operation.
// Grounded on core/modules/wcontrol/Foreman.h.
type Foreman struct {
	pool      *wsched.WorkerPool
	scheduler *wsched.BlendScheduler
	memMan    wbase.MemoryManager
	mysqlCfg  MySQLConfig
	logger    *persist.Logger

	tg threadgroup.ThreadGroup

	mu     sync.Mutex
	tasks  map[*wbase.Task]struct{}
	closed bool
}

// New constructs a Foreman over pool and scheduler, neither of which may
// be nil. memMan may be nil, in which case Tasks admitted through this
// Foreman run without a memory-handle wait (wbase.Task.WaitForResource
// becomes a no-op). A nil logger is replaced with a discard logger.
func New(pool *wsched.WorkerPool, scheduler *wsched.BlendScheduler, memMan wbase.MemoryManager, mysqlCfg MySQLConfig, logger *persist.Logger) (*Foreman, error) {
	if pool == nil || scheduler == nil {
		return nil, ErrForemanMisconfigured("Foreman requires both a worker pool and a scheduler")
	}
	if logger == nil {
		logger = persist.NewDiscardLogger()
	}
	return &Foreman{
		pool:      pool,
		scheduler: scheduler,
		memMan:    memMan,
		mysqlCfg:  mysqlCfg,
		logger:    logger,
		tasks:     make(map[*wbase.Task]struct{}),
	}, nil
}

// Process admits task to the worker: it installs this Foreman as the
// task's cancellation notifier and its MemoryManager (if one was
// configured), marks the task QUEUED, and hands it to the scheduler.
// Process never blocks on the task actually running - it returns as soon
// as the task is enqueued, matching spec.md §4.8 and §6's "non-blocking
// submission" contract.
func (f *Foreman) Process(task *wbase.Task) error {
	if err := f.tg.Add(); err != nil {
		return ErrForemanClosed("")
	}
	defer f.tg.Done()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrForemanClosed("")
	}
	f.tasks[task] = struct{}{}
	f.mu.Unlock()

	task.SetScheduler(f)
	if f.memMan != nil {
		task.SetMemoryManager(f.memMan)
	}
	task.Queued(time.Now())
	f.scheduler.Enqueue(&trackedTask{f: f, t: task})
	f.logger.Debugln("admitted task", task.QueryID())
	return nil
}

// TaskCancelled implements wbase.Scheduler. A cancelled task that is still
// QUEUED is not pulled out of its lane - spec.md §4.6 requires it still be
// handed to a worker so it can short-circuit inside Run - this hook exists
// purely so the Foreman's logs reflect cancellation promptly.
func (f *Foreman) TaskCancelled(t *wbase.Task) {
	f.logger.Debugln("task cancelled:", t.QueryID())
}

func (f *Foreman) forget(t *wbase.Task) {
	f.mu.Lock()
	delete(f.tasks, t)
	f.mu.Unlock()
}

// MySQLConfig returns the worker's local storage configuration, for
// collaborators (a QueryRunner implementation) that need it to open a
// connection.
func (f *Foreman) MySQLConfig() MySQLConfig {
	return f.mysqlCfg
}

// Pool returns the underlying WorkerPool, for diagnostics and tests.
func (f *Foreman) Pool() *wsched.WorkerPool { return f.pool }

// Scheduler returns the underlying BlendScheduler, for diagnostics and
// tests.
func (f *Foreman) Scheduler() *wsched.BlendScheduler { return f.scheduler }

// InFlight returns the number of tasks admitted through Process that have
// not yet finished running.
func (f *Foreman) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// Shutdown stops Process from accepting new tasks, cancels every task
// still in flight, and blocks until the pool has drained. Matches
// spec.md §4.8's shutdown contract.
func (f *Foreman) Shutdown() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	tasks := make([]*wbase.Task, 0, len(f.tasks))
	for t := range f.tasks {
		tasks = append(tasks, t)
	}
	f.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	f.tg.Stop()
	f.pool.Shutdown()
}
