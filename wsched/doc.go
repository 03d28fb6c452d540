// Package wsched implements the command queues and worker pool that drive
// query execution on a worker node: a group lane that keeps commands for
// the same chunk together, a shared-scan lane that multiplexes several
// queries over one disk scan, a BlendScheduler that alternates strictly
// between the two, and a resizable WorkerPool that drains whichever
// scheduler it is handed.
//
// Grounded on core/modules/util/EventThread.h, core/modules/util/ThreadPool.h,
// core/modules/wsched/BlendScheduler.cc and core/modules/wsched/GroupScheduler.h
// in the Qserv source tree. The C++ EventThread/PoolEventThread/ThreadPool
// class hierarchy collapses here into a single WorkerPool built on
// goroutines and github.com/NebulousLabs/threadgroup, since Go needs no
// inheritance to get a thread that knows how to evict itself from its
// pool - that capability is just the Evictable interface.
package wsched
