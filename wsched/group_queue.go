package wsched

import (
	"sync"

	"github.com/NebulousLabs/qserv-worker/build"
)

// Chunked is implemented by commands that are associated with a single
// spatial chunk, letting GroupQueue batch same-chunk work together. A
// command that does not implement Chunked is always placed in its own
// singleton group.
type Chunked interface {
	ChunkID() (id int64, ok bool)
}

// Sticky is implemented by a command that must join whatever group is
// currently open in the group lane, bypassing the chunk id match
// otherwise required - spec.md §4.5's "explicitly marked 'must stay in
// current group' - used for near-neighbor pairs."
type Sticky interface {
	Command
	StickyGroup() bool
}

// group holds every command queued for a single chunk, up to maxAccepted.
// Ported from GroupQueue in core/modules/wsched/GroupScheduler.h; the
// condition-variable/mutex pair of the original's enclosing scheduler is
// not needed here since GroupQueue (the lane) below already serializes
// access to every group it owns.
type group struct {
	chunkID     int64
	hasChunkID  bool
	maxAccepted int
	accepted    int
	cmds        []Command
}

func newGroup(maxAccepted int, first Command) *group {
	g := &group{maxAccepted: maxAccepted}
	if c, ok := first.(Chunked); ok {
		if id, ok := c.ChunkID(); ok {
			g.chunkID, g.hasChunkID = id, true
		}
	}
	g.accept(first)
	return g
}

// accept tries to add cmd to this group, returning false if the group is
// full or cmd belongs to a different chunk. A command marked Sticky joins
// regardless of chunk id, as long as the group still has room.
func (g *group) accept(cmd Command) bool {
	if g.accepted >= g.maxAccepted {
		return false
	}
	if len(g.cmds) > 0 {
		if s, ok := cmd.(Sticky); ok && s.StickyGroup() {
			g.cmds = append(g.cmds, cmd)
			g.accepted++
			return true
		}
	}
	if g.hasChunkID {
		c, ok := cmd.(Chunked)
		if !ok {
			return false
		}
		id, ok := c.ChunkID()
		if !ok || id != g.chunkID {
			return false
		}
	} else if len(g.cmds) > 0 {
		// A group without a chunk id only ever holds its first command.
		return false
	}
	g.cmds = append(g.cmds, cmd)
	g.accepted++
	return true
}

func (g *group) pop() Command {
	if len(g.cmds) == 0 {
		return nil
	}
	cmd := g.cmds[0]
	g.cmds = g.cmds[1:]
	return cmd
}

func (g *group) empty() bool {
	return len(g.cmds) == 0
}

// GroupQueue is the group lane: a cross between FIFO and shared scan.
// Commands are dispatched in the order they arrive, except that several
// commands queued back to back for the same chunk are grouped together so
// that a worker picking one up is likely to find the chunk's data already
// warm in cache. Grounded on GroupScheduler in
// core/modules/wsched/GroupScheduler.h.
type GroupQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	groups     []*group
	maxThreads int
	maxReserve int
	maxGroup   int
	inFlight   int
}

// NewGroupQueue constructs a group lane allowing up to maxThreads
// concurrently running commands plus maxReserve more (the reserve is always
// added to the limit), batching at most maxGroupSize commands per chunk.
func NewGroupQueue(maxThreads, maxReserve, maxGroupSize int) (*GroupQueue, error) {
	var errs []error
	if maxThreads < 1 {
		errs = append(errs, ErrSchedulerMisconfigured("group lane maxThreads must be positive"))
	}
	if maxGroupSize < 1 {
		errs = append(errs, ErrSchedulerMisconfigured("group lane maxGroupSize must be positive"))
	}
	if maxReserve < 0 {
		errs = append(errs, ErrSchedulerMisconfigured("group lane maxReserve must not be negative"))
	}
	if err := build.ComposeErrors(errs...); err != nil {
		return nil, err
	}
	q := &GroupQueue{maxThreads: maxThreads, maxReserve: maxReserve, maxGroup: maxGroupSize}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Enqueue implements Queue.
func (q *GroupQueue) Enqueue(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(cmd)
	q.cond.Broadcast()
}

func (q *GroupQueue) enqueueLocked(cmd Command) {
	if n := len(q.groups); n > 0 {
		if q.groups[n-1].accept(cmd) {
			return
		}
	}
	q.groups = append(q.groups, newGroup(q.maxGroup, cmd))
}

// EnqueueBatch implements Queue.
func (q *GroupQueue) EnqueueBatch(cmds []Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cmd := range cmds {
		q.enqueueLocked(cmd)
	}
	q.cond.Broadcast()
}

func (q *GroupQueue) readyLocked() bool {
	return q.inFlight < q.maxThreads+q.maxReserve && len(q.groups) > 0
}

// Ready implements Queue.
func (q *GroupQueue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyLocked()
}

// Dequeue implements Queue.
func (q *GroupQueue) Dequeue(wait bool) Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	for wait && !q.readyLocked() {
		q.cond.Wait()
	}
	if !q.readyLocked() {
		return nil
	}
	g := q.groups[0]
	cmd := g.pop()
	if g.empty() {
		q.groups = q.groups[1:]
	}
	return cmd
}

// OnStart implements Queue.
func (q *GroupQueue) OnStart(Command) {
	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()
}

// OnFinish implements Queue.
func (q *GroupQueue) OnFinish(Command) {
	q.mu.Lock()
	q.inFlight--
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Size returns the number of groups currently queued (not the number of
// individual commands), matching GroupScheduler::getSize in the original.
func (q *GroupQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.groups)
}

// InFlight returns the number of commands this lane is currently running.
func (q *GroupQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}
