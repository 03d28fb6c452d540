package wsched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NebulousLabs/threadgroup"

	"github.com/NebulousLabs/qserv-worker/build"
	"github.com/NebulousLabs/qserv-worker/persist"
)

// Evictable is implemented by a Command that can ask the worker that ran
// it to leave the pool. Ported from PoolEventThread::leavePool /
// CommandThreadPool in core/modules/util/ThreadPool.h: there, a Command
// reaches back into its EventThread through a weak pointer to trigger the
// eviction; here the worker calls LeavePool after Run has returned, passing
// the pool-wide context (the parent of Run's context, cancelled only by
// Shutdown), and the command reports its decision through the return
// value. A true result removes that worker from the pool, and a
// replacement is started if the pool is then below its target size.
type Evictable interface {
	LeavePool(ctx context.Context) bool
}

// exitCommand is the distinguished sentinel WorkerPool.Resize enqueues into
// the shared Queue to shrink the pool, matching ThreadPool::resize in the
// original source: shrinking never reaches into a specific worker, it
// pushes an exit command through the same queue real commands flow
// through, so any real command already ahead of it is dequeued and run to
// completion by a live worker first. Whichever worker eventually dequeues
// it simply exits instead of running it as ordinary work.
type exitCommand struct{}

func (exitCommand) Run(context.Context) error { return nil }

// resizePollInterval is how often WaitForResize re-checks whether the pool
// has settled at its target size. A production build can afford to poll
// coarsely; the test suite wants fast feedback.
var resizePollInterval = build.Select(build.Var{
	Standard: 25 * time.Millisecond,
	Dev:      10 * time.Millisecond,
	Testing:  2 * time.Millisecond,
}).(time.Duration)

// worker is one goroutine in a WorkerPool.
type worker struct {
	id   int
	done chan struct{} // closed when the worker goroutine has returned
}

// WorkerPool is a resizable set of goroutines that all dequeue from a
// shared Queue. Growing the pool is immediate; shrinking lets every
// command already queued ahead of the shrink request be dequeued and
// finished by a live worker before any worker actually exits, the same
// asymmetry ThreadPool::resize documents in core/modules/util/ThreadPool.h
// ("Growing the pool is simple, shrinking the pool is complex").
type WorkerPool struct {
	q      Queue
	logger *persist.Logger
	tg     threadgroup.ThreadGroup

	// ctx is cancelled exactly once, by Shutdown, so that an in-flight
	// Command's context (and Evictable.LeavePool's ctx.Err() check) can
	// observe pool teardown. Resize alone never cancels it: a plain shrink
	// lets running work finish undisturbed.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	target       int
	nextID       int
	workers      map[int]*worker
	pendingExits int // exit sentinels pushed but not yet claimed by a worker

	live      int32 // number of worker goroutines actually running, see Size
	joinQueue chan *worker
}

// NewWorkerPool constructs a pool with maxThreads workers pulling from q.
// A nil logger is replaced with a discard logger.
func NewWorkerPool(q Queue, maxThreads int, logger *persist.Logger) *WorkerPool {
	if logger == nil {
		logger = persist.NewDiscardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		q:         q,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[int]*worker),
		joinQueue: make(chan *worker, 64),
	}
	go p.joinLoop()
	p.Resize(maxThreads)
	return p
}

// joinLoop is WorkerPool's counterpart to EventThreadJoiner: a single
// background goroutine that reaps exited workers, so that shrinking the
// pool by many threads at once never blocks more than one goroutine
// waiting on worker exit at a time.
func (p *WorkerPool) joinLoop() {
	for w := range p.joinQueue {
		<-w.done
		atomic.AddInt32(&p.live, -1)
	}
}

// Resize sets the target worker count to n, spawning new workers
// immediately if n grows the pool, or pushing enough exit sentinels into
// the shared Queue to shrink it if n shrinks it. Shrinking never touches a
// specific worker directly: whichever worker dequeues an exit sentinel
// exits, so every real command queued ahead of it is guaranteed to be
// dequeued (and its Queue.OnFinish called) by a live worker first.
func (p *WorkerPool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = n

	effective := len(p.workers) - p.pendingExits
	for effective < p.target {
		p.startWorkerLocked()
		effective++
	}
	if excess := effective - p.target; excess > 0 {
		for i := 0; i < excess; i++ {
			p.q.Enqueue(exitCommand{})
		}
		p.pendingExits += excess
	}
}

func (p *WorkerPool) startWorkerLocked() {
	if p.tg.Add() != nil {
		return // pool already shut down
	}
	w := &worker{id: p.nextID, done: make(chan struct{})}
	p.nextID++
	p.workers[w.id] = w
	atomic.AddInt32(&p.live, 1)
	go p.runWorker(w)
}

func (p *WorkerPool) runWorker(w *worker) {
	defer close(w.done)
	defer p.tg.Done()
	for {
		cmd := p.q.Dequeue(true)
		if cmd == nil {
			// Dequeue(true) contractually blocks until a command is ready;
			// a nil return here means some Queue implementation violated
			// that contract, not that the pool is shutting down normally.
			build.Critical("Queue.Dequeue(true) returned nil")
			return
		}
		if _, exit := cmd.(exitCommand); exit {
			// Still run the command through OnStart/OnFinish so every
			// dequeued item - sentinel or real work - gets exactly one
			// OnFinish call, then leave the pool without re-dequeuing.
			p.q.OnStart(cmd)
			p.q.OnFinish(cmd)
			p.removeSelf(w)
			return
		}
		p.q.OnStart(cmd)
		cmdCtx, cancel := context.WithCancel(p.ctx)

		// If the Queue buckets by scan priority and cmd falls in a bucket
		// with a configured wall-clock limit, watch it concurrently with
		// running it: spec.md §4.5's per-task limit on how long an
		// over-running scan may hold a worker. Booting evicts this worker
		// exactly as a voluntary Evictable.LeavePool would; it never
		// cancels cmdCtx itself - §5 leaves that decision to cmd's own
		// runner, not to the pool.
		var booted int32
		stopMonitor := make(chan struct{})
		if d, ok := p.deadlineFor(cmd); ok && p.tg.Add() == nil {
			go func() {
				defer p.tg.Done()
				p.monitorDeadline(w, cmd, d, stopMonitor, &booted)
			}()
		}

		err := cmd.Run(cmdCtx)
		close(stopMonitor)
		cancel()
		p.q.OnFinish(cmd)
		if err != nil {
			p.logger.Debugln("command finished with error:", err)
		}
		if atomic.LoadInt32(&booted) != 0 {
			// monitorDeadline already evicted this worker while cmd was
			// still running; it no longer belongs to the pool.
			return
		}
		if ev, ok := cmd.(Evictable); ok && ev.LeavePool(p.ctx) {
			p.evictSelf(w)
			return
		}
	}
}

// scanDeadliner is implemented by a Queue that buckets commands by scan
// priority and can report the wall-clock limit that applies to a given
// one, plus attempt to boot an over-running command against its
// booted-count caps. ScanQueue implements it directly; BlendScheduler
// forwards to its shared-scan lane.
type scanDeadliner interface {
	DeadlineFor(cmd Command) (time.Duration, bool)
	TryBoot(queryID string) bool
}

// deadlineFor reports the wall-clock limit that applies to a running cmd,
// if the pool's Queue buckets by scan priority and one is configured for
// cmd's bucket.
func (p *WorkerPool) deadlineFor(cmd Command) (time.Duration, bool) {
	sd, ok := p.q.(scanDeadliner)
	if !ok {
		return 0, false
	}
	return sd.DeadlineFor(cmd)
}

// monitorDeadline waits for either stop (cmd finished on its own) or
// maxDuration to elapse. If the deadline fires first, it asks the Queue's
// booted-count caps (TryBoot) for permission to evict cmd's worker, and -
// if granted - evicts w without disturbing cmd, which keeps running until
// it returns on its own.
func (p *WorkerPool) monitorDeadline(w *worker, cmd Command, maxDuration time.Duration, stop <-chan struct{}, booted *int32) {
	timer := time.NewTimer(maxDuration)
	defer timer.Stop()
	select {
	case <-stop:
		return
	case <-timer.C:
	}
	sd, ok := p.q.(scanDeadliner)
	if !ok {
		return
	}
	sc, ok := cmd.(ScanCommand)
	if !ok {
		return
	}
	if !sd.TryBoot(sc.QueryID()) {
		return
	}
	atomic.StoreInt32(booted, 1)
	p.evictSelf(w)
}

// removeSelf retires w after it has claimed an exit sentinel pushed by
// Resize. The target count already accounts for this departure, so no
// replacement is spawned.
func (p *WorkerPool) removeSelf(w *worker) {
	p.mu.Lock()
	delete(p.workers, w.id)
	if p.pendingExits > 0 {
		p.pendingExits--
	}
	p.mu.Unlock()
	p.joinQueue <- w
}

// evictSelf removes w from the pool without changing the target count,
// then immediately starts a replacement if the pool is still under
// target, matching ThreadPool's behavior of creating a fresh
// PoolEventThread whenever one leaves voluntarily via Evictable.
func (p *WorkerPool) evictSelf(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, w.id)
	p.joinQueue <- w
	if len(p.workers)-p.pendingExits < p.target {
		p.startWorkerLocked()
	}
}

// WaitForResize blocks until the number of live worker goroutines matches
// the pool's target, or timeout elapses, returning whether it matched in
// time. Unlike the pool's membership bookkeeping (its worker map and
// target), which updates the instant Resize returns, the live count that
// Size reports lags by however long it takes a worker to reach
// and claim the exit sentinel its shrink request pushed - WaitForResize is
// how a caller observes that settling. Implemented as a short poll rather
// than a condition variable with a timeout, since sync.Cond offers no way
// to wait on either a broadcast or a deadline without racing the two.
func (p *WorkerPool) WaitForResize(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		target := p.target
		p.mu.Unlock()
		if int(atomic.LoadInt32(&p.live)) == target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(resizePollInterval)
	}
}

// Size returns the number of worker goroutines currently live.
func (p *WorkerPool) Size() int {
	return int(atomic.LoadInt32(&p.live))
}

// Shutdown drains the pool to zero workers and stops its joiner
// goroutine. It cancels the pool's shared context first, so any
// already-cancelled Command blocked mid-run can observe teardown via
// ctx.Err() (see Evictable), then pushes exit sentinels through Resize(0)
// exactly as a normal shrink does - every command still queued ahead of
// those sentinels is dequeued and finished by a live worker before the
// pool reaches zero.
func (p *WorkerPool) Shutdown() {
	p.cancel()
	p.Resize(0)
	for p.Size() > 0 {
		p.WaitForResize(50 * time.Millisecond)
	}
	p.tg.Stop()
	close(p.joinQueue)
}
