// Package encoding implements the fixed-width little-endian integer codec
// used at the wire/disk boundary — in particular for serializing a
// chunknum.ChunkID's numeric value, including the overflow sentinel,
// exactly as named in the boundary-format contract. Adapted from Sia's
// encoding package, trimmed to the single 32-bit codec chunknum actually
// exercises: no component in this repository puts a 64-bit integer on the
// wire or on disk, so the teacher's wider EncInt64/EncUint64 family was not
// carried forward (see DESIGN.md).
package encoding

import (
	"encoding/binary"
)

// EncUint32 encodes a uint32 as a slice of 4 bytes.
func EncUint32(i uint32) (b []byte) {
	b = make([]byte, 4)
	binary.LittleEndian.PutUint32(b, i)
	return
}

// DecUint32 decodes a slice of 4 bytes into a uint32.
// If len(b) < 4, the slice is padded with zeros.
func DecUint32(b []byte) uint32 {
	b2 := b
	if len(b) < 4 {
		b2 = make([]byte, 4)
		copy(b2, b)
	}
	return binary.LittleEndian.Uint32(b2)
}
