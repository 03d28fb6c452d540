// Package chunknum implements ChunkID, a validated partition identifier for
// the spherical chunking scheme used to shard an astronomical catalog.
//
// A ChunkID is only meaningful relative to the Validator it was constructed
// with: two ChunkIDs are comparable only when both are valid and share the
// same Validator instance (identity, not structural, equality — two
// validators built with identical parameters are still distinct for the
// purpose of comparison). This mirrors
// lsst::qserv::replica::ChunkNumber/ChunkNumberValidator in the original
// Qserv source (see original_source/core/modules/replica/ChunkNumber.{h,cc}
// in the retrieval pack this module was built from), ported to Go: the
// abstract-base-class + virtual-dispatch hierarchy becomes a small
// Validator interface with exactly two concrete implementations, and the
// "identity equality between validator instances" rule becomes a
// comparison of per-instance identity tokens.
package chunknum
