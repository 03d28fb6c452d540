// Package persist holds the on-disk convenience shared by the worker
// subsystems: a startup/shutdown-bracketed file logger. It offers no state
// load/save. Nothing here parses a configuration file format; that remains
// the config-parsing collaborator's job.
package persist

const (
	// persistDir is the subdirectory tests create their scratch logs
	// and state files under, namespaced by package the way the teacher
	// does it.
	persistDir = "persist"
)
