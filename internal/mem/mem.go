// Package mem is the single place where backing pages come from.  It hides
// the platform mapping primitives behind a tiny, stable surface so the rest
// of temporal-slab never touches golang.org/x/sys directly:
//   - `Map()`      – reserve one writable page.
//   - `Decommit()` – drop physical residency, keep the virtual mapping.
//   - `Unmap()`    – release the mapping (teardown only).
//
// The wrapper is intentionally minimal: **no pooling, no stats, no retry
// policy** – such concerns belong to upper layers (pool, metrics).
//
// Lifetime rules
// --------------
// A mapped page is never unmapped while the owning allocator is alive;
// Decommit only hints the kernel to reclaim physical frames.  This is what
// makes stale handles safe to probe: the virtual address stays readable for
// the allocator's whole lifetime.
//
// © 2025 arena-cache authors. MIT License.

package mem

import "os"

// DefaultPageSize is the platform page size, queried once at startup.
var DefaultPageSize = os.Getpagesize()

// Map reserves size bytes of zeroed, writable memory.
func Map(size int) ([]byte, error) { return sysMap(size) }

// Decommit hints the OS to drop the physical pages backing b while keeping
// the virtual range valid.  The next touch refaults zero pages.
func Decommit(b []byte) error { return sysDecommit(b) }

// Unmap releases the mapping.  Only called on allocator teardown.
func Unmap(b []byte) error { return sysUnmap(b) }
