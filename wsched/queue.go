package wsched

import "context"

// Command is a unit of work that a WorkerPool thread runs. Queries arrive
// as Tasks (package wbase), which implement Command.
type Command interface {
	Run(ctx context.Context) error
}

// Queue is a thread-safe source of Commands for a WorkerPool. Derived
// queues (GroupQueue, ScanQueue, BlendScheduler) apply whatever ordering
// and admission policy they like; OnStart/OnFinish let them track
// in-flight work without the WorkerPool needing to know any of their
// internals, mirroring util::CommandQueue's commandStart/commandFinish
// hooks.
type Queue interface {
	// Enqueue adds cmd to the queue and wakes a waiting consumer.
	Enqueue(cmd Command)
	// EnqueueBatch adds cmds atomically with respect to Ready/Dequeue.
	EnqueueBatch(cmds []Command)
	// Dequeue removes and returns the next runnable command. If wait is
	// true and nothing is runnable, it blocks until something is, or nil
	// if the queue has been closed out from under the wait. If wait is
	// false, it returns nil immediately when nothing is runnable.
	Dequeue(wait bool) Command
	// Ready reports whether Dequeue(false) would return a non-nil
	// command right now.
	Ready() bool
	// OnStart is called by the WorkerPool immediately before cmd.Run.
	OnStart(cmd Command)
	// OnFinish is called by the WorkerPool immediately after cmd.Run
	// returns, regardless of outcome.
	OnFinish(cmd Command)
}
