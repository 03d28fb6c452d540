package placement

import "fmt"

// Worker is a worker node's identity: an opaque name plus the network
// endpoint its ingest service listens on. Matches spec.md §3's "Worker
// identity."
type Worker struct {
	Name string
	// IngestHost and IngestPort address the worker's data-ingest service -
	// the endpoint attached to a Placement so the ingest HTTP collaborator
	// (out of scope here) knows where to stream chunk data.
	IngestHost string
	IngestPort int
	// Enabled workers participate in placement; a disabled worker is kept
	// in the configuration (e.g. for historical replica lookups) but is
	// never chosen for a new chunk.
	Enabled bool
}

// Endpoint formats w's ingest address.
func (w Worker) Endpoint() string {
	return fmt.Sprintf("%s:%d", w.IngestHost, w.IngestPort)
}

// Family is a set of databases sharing one partitioning scheme; colocation
// applies within a family. Matches the GLOSSARY's "Family" and spec.md
// §3's "database family."
type Family struct {
	Name                   string
	NumStripes             int32
	NumSubStripesPerStripe int32
	// Databases lists every database, published or being ingested, that
	// belongs to this family. The colocation scan in Place iterates this
	// list (excluding the target database) to find workers already
	// hosting a chunk elsewhere in the family.
	Databases []string
}

// Config is the read-only configuration collaborator named in spec.md §6:
// the worker set with endpoints, and database-family membership. It is a
// plain struct built once by a config-parsing collaborator (out of scope
// here) and passed by reference into New, matching spec.md §9's
// "no hidden global state inside the core."
type Config struct {
	Workers []Worker
	// Families maps a family name to its definition.
	Families map[string]Family
	// DatabaseFamily maps a database name to the family it belongs to.
	DatabaseFamily map[string]string
	// RandomizeTies controls how leastLoaded breaks a tie among equally
	// loaded candidate workers. The default (false) picks the
	// lexicographically smallest name, keeping placement deterministic for
	// testing per spec.md §9's recommendation. Setting it true spreads
	// load uniformly at random among the tied candidates instead, which a
	// deployment with many more workers than a test fixture may prefer.
	RandomizeTies bool
}

func (c Config) familyFor(database string) (Family, error) {
	name, ok := c.DatabaseFamily[database]
	if !ok {
		return Family{}, ErrConfig("database " + database + " is not a member of any family")
	}
	fam, ok := c.Families[name]
	if !ok {
		return Family{}, ErrConfig("database " + database + " names family " + name + " which is not configured")
	}
	return fam, nil
}

func (c Config) enabledWorkerNames() []string {
	names := make([]string, 0, len(c.Workers))
	for _, w := range c.Workers {
		if w.Enabled {
			names = append(names, w.Name)
		}
	}
	return names
}

func (c Config) workerByName(name string) (Worker, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return Worker{}, false
}
