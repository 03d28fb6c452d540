package wsched

import (
	"sync"
	"time"
)

// Scannable is implemented by commands that know whether they declare
// scan tables, which is how BlendScheduler routes a command to the
// shared-scan lane instead of the group lane.
type Scannable interface {
	Command
	IsScan() bool
}

// BlendScheduler owns both lanes of the worker's command queue and
// implements Queue itself, so a WorkerPool can be handed a BlendScheduler
// exactly as it would a bare lane. Enqueue routes each command to the
// group lane or the shared-scan lane by inspecting it (via Scannable);
// Dequeue alternates strictly between the two lanes so neither starves
// the other. Grounded on BlendScheduler in
// core/modules/wsched/BlendScheduler.cc.
type BlendScheduler struct {
	group *GroupQueue
	scan  *ScanQueue

	mapMu sync.Mutex
	owner map[Command]Queue // which lane last accepted a given command

	mu           sync.Mutex
	cond         *sync.Cond
	lastFromScan bool
}

// NewBlendScheduler constructs a BlendScheduler over the given lanes,
// neither of which may be nil.
func NewBlendScheduler(group *GroupQueue, scan *ScanQueue) (*BlendScheduler, error) {
	if group == nil || scan == nil {
		return nil, ErrSchedulerMisconfigured("BlendScheduler requires both a group and a scan lane")
	}
	b := &BlendScheduler{group: group, scan: scan, owner: make(map[Command]Queue)}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

func (b *BlendScheduler) laneFor(cmd Command) Queue {
	if s, ok := cmd.(Scannable); ok && s.IsScan() {
		return b.scan
	}
	return b.group
}

func (b *BlendScheduler) recordOwner(cmd Command, q Queue) {
	b.mapMu.Lock()
	b.owner[cmd] = q
	b.mapMu.Unlock()
}

func (b *BlendScheduler) lookupOwner(cmd Command) Queue {
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	if q, ok := b.owner[cmd]; ok {
		return q
	}
	// Equal commands (such as several exit sentinels) share one map entry,
	// which the first OnFinish removes; route the rest by inspection.
	return b.laneFor(cmd)
}

func (b *BlendScheduler) forgetOwner(cmd Command) {
	b.mapMu.Lock()
	delete(b.owner, cmd)
	b.mapMu.Unlock()
}

// Enqueue implements Queue.
func (b *BlendScheduler) Enqueue(cmd Command) {
	lane := b.laneFor(cmd)
	b.recordOwner(cmd, lane)
	lane.Enqueue(cmd)
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// EnqueueBatch implements Queue. It partitions cmds by the lane each one
// routes to and hands each lane a single EnqueueBatch call, so the
// "atomic with respect to consumers" contract Queue.EnqueueBatch documents
// holds at the BlendScheduler level too: a worker can never dequeue part
// of a batch (e.g. one half of a sticky near-neighbor pair routed to the
// group lane) while the rest of that same batch has not been enqueued yet.
func (b *BlendScheduler) EnqueueBatch(cmds []Command) {
	groupCmds := make([]Command, 0, len(cmds))
	scanCmds := make([]Command, 0, len(cmds))
	for _, cmd := range cmds {
		lane := b.laneFor(cmd)
		b.recordOwner(cmd, lane)
		if lane == b.scan {
			scanCmds = append(scanCmds, cmd)
		} else {
			groupCmds = append(groupCmds, cmd)
		}
	}
	if len(groupCmds) > 0 {
		b.group.EnqueueBatch(groupCmds)
	}
	if len(scanCmds) > 0 {
		b.scan.EnqueueBatch(scanCmds)
	}
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *BlendScheduler) readyLocked() bool {
	return b.group.Ready() || b.scan.Ready()
}

// Ready implements Queue.
func (b *BlendScheduler) Ready() bool {
	return b.readyLocked()
}

// Dequeue implements Queue. Precisely replicates BlendScheduler::getCmd's
// alternation: whichever lane did NOT supply the previous command is
// preferred, and the other lane is used only if the preferred one has
// nothing ready.
func (b *BlendScheduler) Dequeue(wait bool) Command {
	b.mu.Lock()
	for wait && !b.readyLocked() {
		b.cond.Wait()
	}
	scanReady := b.scan.Ready()
	groupReady := b.group.Ready()

	var cmd Command
	var fromScan bool
	if b.lastFromScan {
		if groupReady {
			cmd, fromScan = b.group.Dequeue(false), false
		} else if scanReady {
			cmd, fromScan = b.scan.Dequeue(false), true
		}
	} else {
		if scanReady {
			cmd, fromScan = b.scan.Dequeue(false), true
		} else if groupReady {
			cmd, fromScan = b.group.Dequeue(false), false
		}
	}
	if cmd != nil {
		b.lastFromScan = fromScan
	}
	b.mu.Unlock()
	if cmd == nil && wait {
		// A lane stopped being ready between the readiness check and the
		// dequeue (another worker started a command); wait again.
		return b.Dequeue(true)
	}
	return cmd
}

// OnStart implements Queue.
func (b *BlendScheduler) OnStart(cmd Command) {
	b.lookupOwner(cmd).OnStart(cmd)
}

// OnFinish implements Queue.
func (b *BlendScheduler) OnFinish(cmd Command) {
	b.lookupOwner(cmd).OnFinish(cmd)
	b.forgetOwner(cmd)
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Group returns the group lane, for callers (tests, Foreman diagnostics)
// that need direct visibility into lane state.
func (b *BlendScheduler) Group() *GroupQueue { return b.group }

// Scan returns the shared-scan lane.
func (b *BlendScheduler) Scan() *ScanQueue { return b.scan }

// DeadlineFor implements the scanDeadliner contract WorkerPool's eviction
// monitor consults, forwarding to the shared-scan lane since the group
// lane never has a wall-clock limit.
func (b *BlendScheduler) DeadlineFor(cmd Command) (time.Duration, bool) {
	return b.scan.DeadlineFor(cmd)
}

// TryBoot implements the scanDeadliner contract, forwarding to the
// shared-scan lane's booted-count caps.
func (b *BlendScheduler) TryBoot(queryID string) bool {
	return b.scan.TryBoot(queryID)
}
