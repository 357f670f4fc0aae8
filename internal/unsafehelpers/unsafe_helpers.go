// Package unsafehelpers centralises **all** unavoidable usage of the
// `unsafe` standard-library package so that the rest of temporal-slab stays
// clean and easier to audit.  Every helper is documented with clear pre-/
// post-conditions.
//
// ⚠️  **DISCLAIMER**   These helpers deliberately break the Go memory-safety
// model.  Use ONLY inside this repository; they are not part of the public
// API and may change without notice.
//
// All functions are `go:linkname`-free, cgo-free and pure Go 1.24.
//
// © 2025 arena-cache authors. MIT License.

package unsafehelpers

import (
	"encoding/binary"
	"unsafe"
)

/* -------------------------------------------------------------------------
   1. Alignment helpers
   ------------------------------------------------------------------------- */

// AlignUp rounds x up to the nearest multiple of align (which must be a power
// of two).
func AlignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns true if x is a power of two (exactly one bit set).
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && (x&(x-1)) == 0
}

/* -------------------------------------------------------------------------
   2. Handle prefix for the malloc-style convenience API
   ------------------------------------------------------------------------- */

// PrefixLen is the number of bytes reserved in front of a Malloc'd payload
// to stash the allocation handle.
const PrefixLen = 8

// WriteHandlePrefix stores h into the 8 bytes at the head of the slot and
// returns the payload view that follows.  slot must be the full slot slice
// (prefix + payload); the caller guarantees len(slot) >= PrefixLen.
func WriteHandlePrefix(slot []byte, h uint64) []byte {
	binary.LittleEndian.PutUint64(slot[:PrefixLen], h)
	return slot[PrefixLen:]
}

// ReadHandlePrefix recovers the handle stashed in front of a payload
// previously returned by WriteHandlePrefix.  The payload must still point
// into its original slot; handing in any other slice is undefined
// behaviour, which is why the public API validates the recovered handle
// through the registry before trusting it.
func ReadHandlePrefix(payload []byte) uint64 {
	base := unsafe.Pointer(unsafe.SliceData(payload))
	pfx := unsafe.Slice((*byte)(unsafe.Add(base, -PrefixLen)), PrefixLen)
	return binary.LittleEndian.Uint64(pfx)
}

/* -------------------------------------------------------------------------
   3. Goroutine-stable scan seed
   ------------------------------------------------------------------------- */

// StackSeed returns a value that is cheap to compute and stable enough per
// goroutine to diffuse bitmap scan collisions: the address of a stack
// local.  Goroutine stacks may move, so the value is a *hint*, never an
// identity – the adaptive scan only needs distinct goroutines to usually
// start at distinct words.
//
//go:noinline
func StackSeed() uintptr {
	var probe byte
	return uintptr(unsafe.Pointer(&probe))
}
