// Package wbase implements Task, the unit of work a worker node carries
// from admission through completion: a query's chunk id, priority and
// scan-table metadata, a monotonic CREATED/QUEUED/RUNNING/FINISHED state
// machine, and a cancellation flag that can be set from any goroutine at
// any time.
//
// Grounded on core/modules/wbase/Task.h in the Qserv source tree. The
// original Task inherits from util::CommandThreadPool specifically so a
// running query can ask its PoolEventThread to leave the pool while it
// waits on a slow resource; here that capability is just the
// wsched.Evictable interface, implemented directly on *Task. The
// std::weak_ptr<TaskScheduler> back-reference is a plain Scheduler field:
// Go's garbage collector already tolerates the reference cycle a strong
// pointer back to the owning scheduler would create, so there is nothing
// for a weak pointer to buy here (see DESIGN.md for this Open Question's
// resolution).
package wbase
