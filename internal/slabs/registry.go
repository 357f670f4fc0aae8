// registry.go implements the central slab registry: a dense, index-addressed
// table mapping a compact 22-bit slab id to its current (header pointer,
// generation) pair.  Handle validation is a lock-free two-load sequence –
// pointer first, then generation – so a matching generation proves the
// pointer belongs to the handle's incarnation.
//
// The table is a two-level array: 64 lazily-published segments of 64Ki
// entries each.  Lookups never lock; id allocation and segment growth take
// a small mutex.
//
// © 2025 arena-cache authors. MIT License.

package slabs

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Voskan/temporal-slab/internal/handle"
)

// ErrIDSpaceExhausted is returned when all 2^22 slab ids are live at once.
var ErrIDSpaceExhausted = errors.New("slab id space exhausted")

const (
	segShift = 16
	segSize  = 1 << segShift
	segCount = (handle.MaxSlabID + 1) / segSize
)

type regEntry struct {
	ptr atomic.Pointer[Slab]
	gen atomic.Uint32
}

type segment [segSize]regEntry

// Registry is the id → (pointer, generation) table.
type Registry struct {
	segs [segCount]atomic.Pointer[segment]

	mu      sync.Mutex
	nextID  uint32
	freeIDs []uint32
}

// NewRegistry returns an empty registry.  Segments materialise on demand.
func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) entry(id uint32) *regEntry {
	seg := r.segs[id>>segShift].Load()
	if seg == nil {
		return nil
	}
	return &seg[id&(segSize-1)]
}

// ensureSegment publishes the segment covering id.  Caller holds r.mu.
func (r *Registry) ensureSegment(id uint32) *segment {
	idx := id >> segShift
	if seg := r.segs[idx].Load(); seg != nil {
		return seg
	}
	seg := new(segment)
	r.segs[idx].Store(seg)
	return seg
}

// Register allocates an id for s (recycling a freed one when available),
// bumps the slot's generation, publishes the pointer, and mirrors (id, gen)
// onto the slab header.  The generation bump happens before the publish so
// handles minted against a prior incarnation of a recycled id never match.
func (r *Registry) Register(s *Slab) (id, gen uint32, err error) {
	r.mu.Lock()
	if n := len(r.freeIDs); n > 0 {
		id = r.freeIDs[n-1]
		r.freeIDs = r.freeIDs[:n-1]
	} else {
		if r.nextID > handle.MaxSlabID {
			r.mu.Unlock()
			return 0, 0, ErrIDSpaceExhausted
		}
		id = r.nextID
		r.nextID++
	}
	seg := r.ensureSegment(id)
	r.mu.Unlock()

	e := &seg[id&(segSize-1)]
	gen = (e.gen.Load() + 1) & handle.GenMask
	e.gen.Store(gen)
	e.ptr.Store(s)
	s.setRegistered(id, gen)
	return id, gen, nil
}

// Lookup validates (id, expected generation) and returns the slab pointer,
// or nil for stale, foreign, or never-issued handles.  The pointer is read
// before the generation: if the generation still matches afterwards, the
// observed pointer is the current incarnation.
func (r *Registry) Lookup(id, gen uint32) *Slab {
	if id > handle.MaxSlabID {
		return nil
	}
	e := r.entry(id)
	if e == nil {
		return nil
	}
	s := e.ptr.Load()
	if s == nil {
		return nil
	}
	if e.gen.Load() != gen {
		return nil
	}
	return s
}

// BumpGeneration invalidates every outstanding handle against id while the
// slab stays registered for reuse.  Called on cache-push, under the owning
// pool's mutex.  Returns the new generation.
func (r *Registry) BumpGeneration(id uint32) uint32 {
	e := r.entry(id)
	g := (e.gen.Load() + 1) & handle.GenMask
	e.gen.Store(g)
	return g
}

// Retire clears the backing pointer, bumps the generation and recycles the
// id.  The pool never calls it: runtime recycling uses BumpGeneration so
// the mapping stays live, and teardown leaves registry entries in place.
func (r *Registry) Retire(id uint32) {
	e := r.entry(id)
	if e == nil {
		return
	}
	e.ptr.Store(nil)
	e.gen.Store((e.gen.Load() + 1) & handle.GenMask)
	r.mu.Lock()
	r.freeIDs = append(r.freeIDs, id)
	r.mu.Unlock()
}

// Live counts registered slabs.  Snapshot use only.
func (r *Registry) Live() int {
	r.mu.Lock()
	issued := int(r.nextID) - len(r.freeIDs)
	r.mu.Unlock()
	return issued
}
