package chunknum

import "github.com/NebulousLabs/qserv-worker/encoding"

// ChunkID is a validated chunk number, paired with the Validator that
// vouches for it. The zero ChunkID is not valid; construct one with New
// or NewOverflow.
type ChunkID struct {
	value     uint32
	validator Validator
	valid     bool
}

// New constructs a ChunkID from value under validator. It returns
// ErrNotValid if value is not accepted by validator, matching
// ChunkNumber(unsigned int value, ...)'s constructor in the original
// source, which throws ChunkNumberNotValid rather than deferring the
// failure to later use.
func New(value uint32, validator Validator) (ChunkID, error) {
	if validator == nil {
		validator = DefaultValidator()
	}
	if !validator.Valid(value) {
		return ChunkID{}, ErrNotValid("chunk number rejected by validator")
	}
	return ChunkID{value: value, validator: validator, valid: true}, nil
}

// NewOverflow constructs the distinguished overflow ChunkID for validator,
// used to tag rows that do not belong to any spatial chunk.
func NewOverflow(validator Validator) ChunkID {
	if validator == nil {
		validator = DefaultValidator()
	}
	id, err := New(validator.OverflowValue(), validator)
	if err != nil {
		// A Validator's contract guarantees Valid(OverflowValue()) is
		// always true; a validator that violates it is misconfigured and
		// should fail loudly rather than hand back a silently-invalid id.
		panic("chunknum: validator rejected its own overflow value: " + err.Error())
	}
	return id
}

// IsValid reports whether the ChunkID was accepted by its validator at
// construction time.
func (c ChunkID) IsValid() bool {
	return c.valid
}

// IsOverflow reports whether c is the overflow chunk for its validator.
func (c ChunkID) IsOverflow() bool {
	return c.valid && c.validator.Overflow(c.value)
}

// Value returns the underlying chunk number and an error if c is not
// valid.
func (c ChunkID) Value() (uint32, error) {
	if !c.valid {
		return 0, ErrNotValid("chunk id was constructed from a rejected value")
	}
	return c.value, nil
}

// Validator returns the validator c was constructed with.
func (c ChunkID) Validator() Validator {
	return c.validator
}

// Equal reports whether a and b denote the same chunk number under the
// same validator instance. It returns ErrNotValid if either operand is
// invalid or they were built from different validator instances, since
// ChunkNumber::operator== in the original source treats ids from distinct
// partitioning schemes as incomparable rather than merely unequal.
func Equal(a, b ChunkID) (bool, error) {
	if err := checkComparable(a, b); err != nil {
		return false, err
	}
	return a.value == b.value, nil
}

// Less reports whether a sorts before b. It returns ErrNotValid if either
// operand is invalid or they do not share a validator instance, since
// there is no well-defined order across partitioning schemes.
func Less(a, b ChunkID) (bool, error) {
	if err := checkComparable(a, b); err != nil {
		return false, err
	}
	return a.value < b.value, nil
}

// checkComparable reports ErrNotValid unless a and b are both valid and
// share a validator instance.
func checkComparable(a, b ChunkID) error {
	if !a.valid || !b.valid {
		return ErrNotValid("cannot compare invalid chunk ids")
	}
	if !sameValidator(a.validator, b.validator) {
		return ErrNotValid("cannot compare chunk ids across validators")
	}
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler: it serializes c's
// chunk number, including the overflow sentinel, as 4 little-endian bytes
// — the bit-exact wire/disk boundary format spec.md §6 requires be
// preserved exactly across serialization. Marshaling an invalid ChunkID is
// an error.
func (c ChunkID) MarshalBinary() ([]byte, error) {
	v, err := c.Value()
	if err != nil {
		return nil, err
	}
	return encoding.EncUint32(v), nil
}

// DecodeValue reconstructs the raw chunk number from its 4-byte
// little-endian wire/disk encoding. It performs no validation; callers
// reconstructing a full ChunkID should pass the result to New along with
// the appropriate Validator.
func DecodeValue(b []byte) uint32 {
	return encoding.DecUint32(b)
}

// String implements fmt.Stringer for diagnostic logging.
func (c ChunkID) String() string {
	if !c.valid {
		return "chunk(invalid)"
	}
	if c.IsOverflow() {
		return "chunk(overflow)"
	}
	return "chunk(" + uitoa(c.value) + ")"
}

// uitoa is a tiny unsigned-to-decimal helper, avoiding a strconv import for
// a single call site.
func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
