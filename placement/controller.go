package placement

import (
	"sort"
	"sync"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/fastrand"

	"github.com/NebulousLabs/qserv-worker/chunknum"
	"github.com/NebulousLabs/qserv-worker/persist"
)

// Placement is one chunk's placement decision: the worker chosen and the
// ingest endpoint a caller should stream the chunk's data to.
type Placement struct {
	Chunk    uint32
	Worker   string
	Endpoint string
}

// ChunkPlacementController decides, for each chunk in an ingest batch,
// which worker will host it - honoring family-wide colocation and
// least-loaded tie-breaks. Grounded on spec.md §4.9.
type ChunkPlacementController struct {
	cfg    Config
	db     DatabaseServices
	logger *persist.Logger

	validators map[string]*chunknum.SphericalValidator

	// mu is ingest_mgmt_mtx in spec.md §4.9/§5: held for the duration of
	// an entire batch Place call, never across I/O other than the
	// DatabaseServices calls the placement itself needs.
	mu sync.Mutex
}

// New constructs a controller over cfg, consulting db for replica state.
// A nil logger is replaced with a discard logger.
func New(cfg Config, db DatabaseServices, logger *persist.Logger) (*ChunkPlacementController, error) {
	if db == nil {
		return nil, ErrConfig("a DatabaseServices collaborator is required")
	}
	if len(cfg.enabledWorkerNames()) == 0 {
		return nil, ErrConfig("at least one enabled worker is required")
	}
	if logger == nil {
		logger = persist.NewDiscardLogger()
	}
	validators := make(map[string]*chunknum.SphericalValidator, len(cfg.Families))
	for name, fam := range cfg.Families {
		validators[name] = chunknum.NewSphericalValidator(fam.NumStripes, fam.NumSubStripesPerStripe)
	}
	return &ChunkPlacementController{
		cfg:        cfg,
		db:         db,
		logger:     logger,
		validators: validators,
	}, nil
}

// Place decides a worker for every chunk in chunks, in database, producing
// the full mapping atomically: the whole batch is computed under a single
// mutex acquisition, and any single chunk's rejection aborts the entire
// request (spec.md §4.9/§7). Replicas already saved for chunks processed
// earlier in the same batch are not rolled back on a later chunk's
// rejection - SaveReplica is idempotent by (worker, database, chunk), so a
// retried batch converges to the same placements.
//
// A single-chunk call is the degenerate case of a one-element batch.
func (c *ChunkPlacementController) Place(chunks []uint32, database string) ([]Placement, error) {
	fam, err := c.cfg.familyFor(database)
	if err != nil {
		return nil, errors.AddContext(err, "cannot place for database "+database)
	}
	validator := c.validators[fam.Name]

	c.mu.Lock()
	defer c.mu.Unlock()

	// Validate every chunk before placing any of them, so a batch with one
	// bad chunk number never partially commits.
	for _, chunk := range chunks {
		if _, err := chunknum.New(chunk, validator); err != nil {
			return nil, &ErrPlacementRejected{Chunk: chunk, Reason: ReasonInvalidChunk}
		}
	}

	cache := make(map[string]int) // worker -> replica count, populated on demand
	results := make([]Placement, 0, len(chunks))
	for _, chunk := range chunks {
		worker, err := c.placeOne(chunk, database, fam, cache)
		if err != nil {
			return nil, err
		}
		w, _ := c.cfg.workerByName(worker)
		results = append(results, Placement{Chunk: chunk, Worker: worker, Endpoint: w.Endpoint()})
	}
	return results, nil
}

// placeOne implements the per-chunk decision of spec.md §4.9 steps 2-5.
func (c *ChunkPlacementController) placeOne(chunk uint32, database string, fam Family, cache map[string]int) (string, error) {
	existing, err := c.db.FindReplicas(chunk, database, true)
	if err != nil {
		return "", errors.AddContext(err, "looking up existing replicas")
	}
	if len(existing) > 1 {
		return "", &ErrPlacementRejected{Chunk: chunk, Reason: ReasonTooManyReplicas}
	}

	var worker string
	if len(existing) == 1 {
		worker = existing[0].Worker
	} else {
		colocated, err := c.colocatedWorkers(chunk, database, fam)
		if err != nil {
			return "", err
		}
		if len(colocated) > 0 {
			worker, err = c.leastLoaded(colocated, cache)
		} else {
			worker, err = c.leastLoaded(c.cfg.enabledWorkerNames(), cache)
		}
		if err != nil {
			return "", err
		}
	}
	if worker == "" {
		return "", &ErrPlacementRejected{Chunk: chunk, Reason: ReasonNoSuitableWorker}
	}

	if err := c.db.SaveReplica(Replica{
		Chunk:      chunk,
		Worker:     worker,
		Database:   database,
		Status:     StatusComplete,
		VerifyTime: time.Now(),
	}); err != nil {
		return "", errors.AddContext(err, "saving placement")
	}
	cache[worker]++
	c.logger.Debugln("placed chunk", chunk, "in", database, "on", worker)
	return worker, nil
}

// colocatedWorkers returns the set of workers that already host chunk in
// some other database of fam - spec.md §4.9 step 3's colocation set.
func (c *ChunkPlacementController) colocatedWorkers(chunk uint32, database string, fam Family) ([]string, error) {
	set := make(map[string]struct{})
	for _, other := range fam.Databases {
		if other == database {
			continue
		}
		reps, err := c.db.FindReplicas(chunk, other, true)
		if err != nil {
			return nil, errors.AddContext(err, "scanning family for colocated replicas")
		}
		for _, r := range reps {
			set[r.Worker] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names, nil
}

// leastLoaded picks the candidate with the fewest replicas of any chunk in
// any database. Ties are broken by lexicographically smallest name unless
// cfg.RandomizeTies is set, in which case they are broken uniformly at
// random via fastrand - spec.md §9's deterministic-by-default resolution
// of the source's iteration-order tie-break. Counts are looked up from
// cache, falling back to DatabaseServices.NumWorkerReplicas and caching
// the result so later chunks in the same batch see updated dispositions
// without requerying.
func (c *ChunkPlacementController) leastLoaded(candidates []string, cache map[string]int) (string, error) {
	names := append([]string(nil), candidates...)
	sort.Strings(names)

	bestCount := -1
	var tied []string
	for _, name := range names {
		count, ok := cache[name]
		if !ok {
			n, err := c.db.NumWorkerReplicas(name, "", true)
			if err != nil {
				return "", errors.AddContext(err, "counting replicas on worker "+name)
			}
			cache[name] = n
			count = n
		}
		switch {
		case bestCount < 0 || count < bestCount:
			bestCount = count
			tied = []string{name}
		case count == bestCount:
			tied = append(tied, name)
		}
	}
	if len(tied) == 0 {
		return "", nil
	}
	if c.cfg.RandomizeTies && len(tied) > 1 {
		return tied[fastrand.Intn(len(tied))], nil
	}
	return tied[0], nil
}

// ValidateTransaction checks that transaction id is a live transaction
// targeting database, rejecting ingest into a transaction that has
// already been committed, aborted, or belongs to a different database.
// Supplements spec.md §6's Transaction collaborator contract, which Place
// itself does not need (a placement call is not scoped to one
// transaction), but which an ingest HTTP collaborator (out of scope here)
// would call before accepting chunk data for a transaction.
func (c *ChunkPlacementController) ValidateTransaction(id int64, database string) error {
	info, err := c.db.Transaction(id)
	if err != nil {
		return errors.AddContext(err, "looking up transaction")
	}
	if info.State != TxStarted {
		return errors.New("transaction is not in the STARTED state")
	}
	if info.Database != database {
		return errors.New("transaction does not belong to database " + database)
	}
	return nil
}
