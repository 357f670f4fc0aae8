// stats.go keeps the per-class counter block and its snapshot form.  Every
// counter is a plain atomic so the hot paths never share a cache line with
// a lock; aggregation across classes happens on the Prometheus/snapshot
// side, mirroring how arena-cache keeps shard-level counters only.
//
// © 2025 arena-cache authors. MIT License.

package pool

import "sync/atomic"

type counters struct {
	allocs atomic.Uint64
	frees  atomic.Uint64

	allocAttempts atomic.Uint64
	allocRetries  atomic.Uint64
	freeRetries   atomic.Uint64

	slowHits     atomic.Uint64 // slow-path entries (cache-miss flavour)
	closedRejects atomic.Uint64 // allocations refused against a CLOSING epoch

	lockFast      atomic.Uint64 // class mutex acquired via trylock probe
	lockContended atomic.Uint64 // probe failed, blocking Lock() followed

	publishes atomic.Uint64 // current-partial publications

	pageMaps     atomic.Uint64
	cacheHits    atomic.Uint64
	overflowHits atomic.Uint64

	emptyPushes   atomic.Uint64
	emptyHarvests atomic.Uint64
	recycled      atomic.Uint64

	decommits     atomic.Uint64
	decommitBytes atomic.Uint64
	decommitFails atomic.Uint64

	zombieRepairs atomic.Uint64
	invalidFrees  atomic.Uint64

	mappedBytes   atomic.Int64 // virtual bytes reserved, never shrinks
	residentBytes atomic.Int64 // resident estimate, shrinks on decommit
}

// ClassStats is the snapshot form of a pool's counters plus list state.
// JSON tags are the interface collaborators (inspector CLI, exporters)
// consume.
type ClassStats struct {
	Class int    `json:"class"`
	Size  uint32 `json:"size"`

	Allocs uint64 `json:"allocs"`
	Frees  uint64 `json:"frees"`

	AllocAttempts uint64 `json:"alloc_attempts"`
	AllocRetries  uint64 `json:"alloc_cas_retries"`
	FreeRetries   uint64 `json:"free_cas_retries"`

	SlowPathHits  uint64 `json:"slowpath_hits"`
	ClosedRejects uint64 `json:"closed_rejects"`

	LockFast      uint64 `json:"lock_fast"`
	LockContended uint64 `json:"lock_contended"`
	Publishes     uint64 `json:"publishes"`

	PageMaps     uint64 `json:"page_maps"`
	CacheHits    uint64 `json:"cache_hits"`
	OverflowHits uint64 `json:"overflow_hits"`

	EmptyPushes   uint64 `json:"empty_pushes"`
	EmptyHarvests uint64 `json:"empty_harvests"`
	Recycled      uint64 `json:"recycled"`

	Decommits     uint64 `json:"decommit_calls"`
	DecommitBytes uint64 `json:"decommit_bytes"`
	DecommitFails uint64 `json:"decommit_failures"`

	ZombieRepairs uint64 `json:"zombie_repairs"`
	InvalidFrees  uint64 `json:"invalid_frees"`

	MappedBytes   int64 `json:"mapped_bytes"`
	ResidentBytes int64 `json:"resident_bytes"`

	PartialSlabs  int `json:"partial_slabs"`
	FullSlabs     int `json:"full_slabs"`
	CachedSlabs   int `json:"cached_slabs"`
	OverflowSlabs int `json:"overflow_slabs"`

	ScanRandomized bool    `json:"scan_randomized"`
	RetryRate      float64 `json:"retry_rate"`
}

// EpochClassStats is the per-(class, epoch) snapshot.
type EpochClassStats struct {
	Class int `json:"class"`
	Epoch int `json:"epoch"`

	PartialSlabs     int   `json:"partial_slabs"`
	FullSlabs        int   `json:"full_slabs"`
	ReclaimableSlabs int   `json:"reclaimable_slabs"`
	EstimatedRSS     int64 `json:"estimated_rss"`
}
