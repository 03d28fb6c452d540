// Package placement implements ChunkPlacementController, the ingest-time
// decision of which worker will host a newly ingested chunk. Placement
// honors two constraints: colocation (every database in a partitioning
// family that already hosts a chunk on some worker should keep putting
// that chunk there for every other database in the family) and load
// balance (absent any colocation constraint, prefer the worker currently
// holding the fewest replicas).
//
// Grounded on spec.md §4.9 for the algorithm itself (there is no surviving
// single-file analogue in the retrieval pack's original_source/, which
// only kept ChunkNumber.{h,cc} from core/modules/replica/), and on
// modules/host/contractmanager/sectoradd.go's managedAddSector
// (single-mutex, look-up-then-place-then-commit, idempotent-by-key) and
// storagefolders.go's emptiestStorageFolder (deterministic linear scan for
// a least-loaded target) for the Go-idiomatic shape of "placement under
// one mutex, idempotent commit, cached load counters."
package placement
