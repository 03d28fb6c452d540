// Package wcontrol implements Foreman, the worker-side facade that owns a
// WorkerPool, a BlendScheduler, and the collaborators a running Task needs
// (a MemoryManager and the worker's local SQL storage configuration).
// Foreman.Process is the single entry point inbound task messages arrive
// through; everything downstream of it - lane routing, thread pooling,
// cooperative eviction - belongs to package wsched.
//
// Grounded on core/modules/wcontrol/Foreman.h in the Qserv source tree,
// structurally shaped after modules/host/host.go's facade-over-subsystems
// pattern: a struct embedding a logger and a threadgroup.ThreadGroup,
// references to its collaborators, a New(...) constructor, and a
// Shutdown() teardown that stops accepting work before draining it.
package wcontrol
