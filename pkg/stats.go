package slab

// stats.go exposes the snapshot API external observers build on: the
// allocator itself performs no I/O and emits nothing – collaborators (the
// inspector CLI, exporters, debug endpoints) serialize these structs as
// they see fit, which is why everything carries JSON tags.
//
// © 2025 arena-cache authors. MIT License.

import (
	"time"

	"github.com/Voskan/temporal-slab/internal/pool"
)

// ClassStats is the per-size-class counter snapshot.
type ClassStats = pool.ClassStats

// EpochClassStats is the per-(class, epoch) snapshot.
type EpochClassStats = pool.EpochClassStats

// GlobalStats aggregates process-wide allocator state.
type GlobalStats struct {
	SizeClasses int `json:"size_classes"`
	Slabs       int `json:"slabs"`

	MappedBytes   int64 `json:"mapped_bytes"`
	ResidentBytes int64 `json:"resident_bytes"`

	Allocs       uint64 `json:"allocs"`
	Frees        uint64 `json:"frees"`
	SlowPathHits uint64 `json:"slowpath_hits"`

	DecommitCalls    uint64 `json:"decommit_calls"`
	DecommitBytes    uint64 `json:"decommit_bytes"`
	DecommitFailures uint64 `json:"decommit_failures"`

	ActiveEpoch   int    `json:"active_epoch"`
	ClosingEpochs int    `json:"closing_epochs"`
	CurrentEra    uint64 `json:"current_era"`
}

// EpochGlobalStats is the cross-class view of one ring slot.
type EpochGlobalStats struct {
	Epoch    int     `json:"epoch"`
	State    string  `json:"state"`
	Era      uint64  `json:"era"`
	AgeSecs  float64 `json:"age_seconds"`
	Refcount int64   `json:"refcount"`
	Label    string  `json:"label"`
	LabelID  uint8   `json:"label_id"`

	PartialSlabs     int   `json:"partial_slabs"`
	FullSlabs        int   `json:"full_slabs"`
	ReclaimableSlabs int   `json:"reclaimable_slabs"`
	EstimatedRSS     int64 `json:"estimated_rss"`
}

func stateString(st EpochState) string {
	switch st {
	case EpochActive:
		return "active"
	case EpochClosing:
		return "closing"
	default:
		return "unused"
	}
}

// Stats returns the process-wide aggregate snapshot.
func (a *Allocator) Stats() GlobalStats {
	g := GlobalStats{
		SizeClasses: len(a.pools),
		Slabs:       a.reg.Live(),
		ActiveEpoch: a.ring.Current(),
	}
	for _, p := range a.pools {
		st := p.Snapshot()
		g.MappedBytes += st.MappedBytes
		g.ResidentBytes += st.ResidentBytes
		g.Allocs += st.Allocs
		g.Frees += st.Frees
		g.SlowPathHits += st.SlowPathHits
		g.DecommitCalls += st.Decommits
		g.DecommitBytes += st.DecommitBytes
		g.DecommitFailures += st.DecommitFails
	}
	for e := 0; e < EpochCount; e++ {
		if a.ring.State(e) == EpochClosing {
			g.ClosingEpochs++
		}
	}
	g.CurrentEra = a.ring.Era(g.ActiveEpoch)
	return g
}

// ClassStats returns the counter snapshot for one size class.
func (a *Allocator) ClassStats(class int) (ClassStats, error) {
	if class < 0 || class >= len(a.pools) {
		return ClassStats{}, ErrUnsupportedSize
	}
	return a.pools[class].Snapshot(), nil
}

// EpochStats returns one pool's view of one epoch.
func (a *Allocator) EpochStats(class, epoch int) (EpochClassStats, error) {
	if class < 0 || class >= len(a.pools) {
		return EpochClassStats{}, ErrUnsupportedSize
	}
	if epoch < 0 || epoch >= EpochCount {
		return EpochClassStats{}, ErrInvalidEpoch
	}
	return a.pools[class].EpochSnapshot(epoch), nil
}

// EpochGlobalStats aggregates every pool's view of one ring slot plus the
// ring metadata.
func (a *Allocator) EpochGlobalStats(epoch int) (EpochGlobalStats, error) {
	if epoch < 0 || epoch >= EpochCount {
		return EpochGlobalStats{}, ErrInvalidEpoch
	}
	g := EpochGlobalStats{
		Epoch:    epoch,
		State:    stateString(a.ring.State(epoch)),
		Era:      a.ring.Era(epoch),
		Refcount: a.ring.Refs(epoch),
		Label:    a.ring.Label(epoch),
		LabelID:  a.ring.LabelID(epoch),
	}
	if a.ring.State(epoch) != EpochUnused {
		g.AgeSecs = time.Since(a.ring.OpenedAt(epoch)).Seconds()
	}
	for _, p := range a.pools {
		st := p.EpochSnapshot(epoch)
		g.PartialSlabs += st.PartialSlabs
		g.FullSlabs += st.FullSlabs
		g.ReclaimableSlabs += st.ReclaimableSlabs
		g.EstimatedRSS += st.EstimatedRSS
	}
	return g, nil
}
