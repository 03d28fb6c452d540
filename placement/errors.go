package placement

import "fmt"

// ErrConfig reports a configuration that cannot place anything. New
// returns it for a nil DatabaseServices or no enabled workers; Place
// returns it, with added context, for a database with no family
// membership.
type ErrConfig string

func (e ErrConfig) Error() string {
	return "placement controller misconfigured: " + string(e)
}

// RejectReason is the PlacementRejected subkind named in spec.md §7.
type RejectReason int

const (
	// ReasonInvalidChunk means the chunk number failed validation against
	// the target database family's spherical validator.
	ReasonInvalidChunk RejectReason = iota
	// ReasonTooManyReplicas means more than one replica of the chunk
	// already exists in the target database, which should never happen
	// for an unpublished ingest.
	ReasonTooManyReplicas
	// ReasonNoSuitableWorker means no enabled worker was available to
	// host the chunk.
	ReasonNoSuitableWorker
)

func (r RejectReason) String() string {
	switch r {
	case ReasonInvalidChunk:
		return "invalid-chunk"
	case ReasonTooManyReplicas:
		return "too-many-replicas"
	case ReasonNoSuitableWorker:
		return "no-suitable-worker"
	default:
		return "unknown"
	}
}

// ErrPlacementRejected is returned by (*ChunkPlacementController).Place
// when any chunk in the batch cannot be placed; per spec.md §7 the whole
// batch request is rejected, though replicas already saved for earlier
// chunks in the batch are not rolled back (see Place's doc comment).
type ErrPlacementRejected struct {
	Chunk  uint32
	Reason RejectReason
	Detail string
}

func (e *ErrPlacementRejected) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("placement rejected for chunk %d: %s", e.Chunk, e.Reason)
	}
	return fmt.Sprintf("placement rejected for chunk %d: %s: %s", e.Chunk, e.Reason, e.Detail)
}
