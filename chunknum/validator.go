package chunknum

import (
	"math"
	"sync/atomic"
)

// overflowValue is the sentinel chunk number used to tag rows not
// associated with any spatial chunk. It must be preserved exactly across
// serialization of chunk ids, hence the literal rather than a computed
// value (this is the same literal the original C++ source uses).
const overflowValue uint32 = 1234567890

// validatorSeq hands out identity ids to every constructed validator, so
// that two validators built from identical parameters still compare
// unequal — matching ChunkNumberValidator's atomic-counter-based identity
// in the original.
var validatorSeq uint64

func nextValidatorID() uint64 {
	return atomic.AddUint64(&validatorSeq, 1)
}

// Validator decides whether a chunk number is valid for some partitioning
// scheme, and identifies the distinguished overflow chunk. Validators are
// compared by identity: two Validator values are "the same" only if they
// are the same instance, never merely because they were constructed with
// equal parameters.
type Validator interface {
	// Valid reports whether value is valid under this validator, which is
	// true for the overflow value and for the validator's domain.
	Valid(value uint32) bool
	// Overflow reports whether value is valid and is the overflow chunk.
	Overflow(value uint32) bool
	// OverflowValue returns the value that denotes the overflow chunk.
	OverflowValue() uint32
	// id returns this validator's identity token, used to implement
	// identity equality without exposing comparable pointers to callers
	// who might hold validators by value.
	id() uint64
}

// sameValidator reports whether a and b are the same validator instance.
func sameValidator(a, b Validator) bool {
	if a == nil || b == nil {
		return false
	}
	return a.id() == b.id()
}

// RangeValidator accepts any chunk number in the closed interval
// [Min, Max], plus the overflow sentinel. It corresponds to
// ChunkNumberSingleRangeValidator in the original source.
type RangeValidator struct {
	Min, Max uint32
	ident    uint64
}

// NewRangeValidator constructs a validator for the closed interval
// [min, max].
func NewRangeValidator(min, max uint32) *RangeValidator {
	return &RangeValidator{Min: min, Max: max, ident: nextValidatorID()}
}

// DefaultValidator returns a validator accepting the full domain of
// uint32, the zero-value validator used when a ChunkID is constructed
// without an explicit one (ported from ChunkNumber::defaultValidator() in
// the original, which lazily constructs a single process-wide range
// validator over the full unsigned int domain).
func DefaultValidator() *RangeValidator {
	return defaultValidator
}

var defaultValidator = NewRangeValidator(0, math.MaxUint32)

// Valid implements Validator.
func (v *RangeValidator) Valid(value uint32) bool {
	return v.Overflow(value) || (value >= v.Min && value <= v.Max)
}

// Overflow implements Validator.
func (v *RangeValidator) Overflow(value uint32) bool {
	return value == overflowValue
}

// OverflowValue implements Validator.
func (v *RangeValidator) OverflowValue() uint32 {
	return overflowValue
}

func (v *RangeValidator) id() uint64 { return v.ident }

// SphericalValidator validates chunk numbers produced by the Qserv
// spherical partitioning scheme, parameterized by the number of latitude
// stripes and the number of sub-stripes per stripe. It corresponds to
// ChunkNumberQservValidator in the original source, which in turn wraps
// lsst::sphgeom::Chunker — an external geometry collaborator that is out
// of scope for this repository. The stripe/chunk-count bookkeeping below
// is a faithful, self-contained approximation of that scheme (each stripe
// is given a chunk count proportional to its circumference, keeping
// chunks close to square near the equator and coarser near the poles),
// sufficient to validate and round-trip chunk numbers without depending on
// the geometry library itself.
type SphericalValidator struct {
	NumStripes             int32
	NumSubStripesPerStripe int32

	chunksPerStripe    []int32
	maxChunksPerStripe int32
	ident              uint64
}

// NewSphericalValidator constructs a validator for the given partitioning
// parameters. Both parameters must be positive.
func NewSphericalValidator(numStripes, numSubStripesPerStripe int32) *SphericalValidator {
	if numStripes < 1 {
		numStripes = 1
	}
	if numSubStripesPerStripe < 1 {
		numSubStripesPerStripe = 1
	}
	chunksPerStripe := make([]int32, numStripes)
	height := math.Pi / float64(numStripes)
	var maxChunks int32
	for i := int32(0); i < numStripes; i++ {
		centerLat := -math.Pi/2 + (float64(i)+0.5)*height
		n := int32(math.Round(2 * math.Pi * math.Cos(centerLat) / height))
		if n < 1 {
			n = 1
		}
		chunksPerStripe[i] = n
		if n > maxChunks {
			maxChunks = n
		}
	}
	return &SphericalValidator{
		NumStripes:             numStripes,
		NumSubStripesPerStripe: numSubStripesPerStripe,
		chunksPerStripe:        chunksPerStripe,
		maxChunksPerStripe:     maxChunks,
		ident:                  nextValidatorID(),
	}
}

// Valid implements Validator.
func (v *SphericalValidator) Valid(value uint32) bool {
	if v.Overflow(value) {
		return true
	}
	stripe := int32(value / uint32(v.maxChunksPerStripe))
	chunkInStripe := int32(value % uint32(v.maxChunksPerStripe))
	if stripe < 0 || stripe >= v.NumStripes {
		return false
	}
	return chunkInStripe < v.chunksPerStripe[stripe]
}

// Overflow implements Validator.
func (v *SphericalValidator) Overflow(value uint32) bool {
	return value == overflowValue
}

// OverflowValue implements Validator.
func (v *SphericalValidator) OverflowValue() uint32 {
	return overflowValue
}

func (v *SphericalValidator) id() uint64 { return v.ident }

// NumChunks returns the total number of valid (non-overflow) chunk numbers
// under this validator, summed across all stripes.
func (v *SphericalValidator) NumChunks() int64 {
	var total int64
	for _, n := range v.chunksPerStripe {
		total += int64(n)
	}
	return total
}
