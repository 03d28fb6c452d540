// Package inputlines reads lines of text from a list of input files in an
// IO-efficient, parallel way. Each file is split into blocks of a fixed
// size (the last block in a file may be shorter), and blocks are read
// exactly at their byte offsets, without any prior seeking to align on
// line boundaries. Both file opens and block reads can proceed in
// parallel across many goroutines sharing one *Reader.
//
// Lines that straddle a block boundary are assigned to whichever
// goroutine is the second to reach the boundary; this handoff is
// wait-free, implemented with a single atomic.Pointer compare-and-swap
// rather than the mutex fallback the original C++ source reaches for on
// platforms without a native CAS (Go always has one, so this port has a
// single code path - see DESIGN.md).
//
// Ported from admin/dupr/src/InputLines.{h,cc} in the Qserv source tree.
package inputlines
