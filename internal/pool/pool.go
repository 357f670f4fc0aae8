// Package pool implements the per-size-class slab pool – the hottest
// component of temporal-slab.  A Pool owns every slab on its lists, its
// recycling cache, its overflow list and its empty queue; the allocator
// facade owns the pools.
//
// Concurrency model
// -----------------
// The allocation fast path and the free path's bit clear are lock-free:
// they read the per-epoch current-partial publication, CAS bitmap bits, and
// push emptied slabs onto a Treiber stack.  Everything that mutates list
// membership – the slow path, empty-queue harvest, epoch close, and the
// FULL→PARTIAL move of a free out of a full slab – runs under the
// per-class mutex.  On those paths the mutex is probed with TryLock first
// so fast versus contended acquisitions are counted without clocks;
// snapshots and teardown lock it directly.
//
// Continuous recycling is deliberately decoupled from epoch close: frees
// feed the empty queue, and any slow-path entrant drains it into the cache.
// Coupling recycling to reclamation convoys the slow path under long-lived
// epochs, so the empty queue must stay producer-lock-free.
//
// © 2025 arena-cache authors. MIT License.

package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/Voskan/temporal-slab/internal/epochring"
	"github.com/Voskan/temporal-slab/internal/handle"
	"github.com/Voskan/temporal-slab/internal/mem"
	"github.com/Voskan/temporal-slab/internal/slabs"
	"github.com/Voskan/temporal-slab/internal/unsafehelpers"
)

var (
	// ErrEpochClosed rejects allocations against a CLOSING (or never
	// activated) epoch.
	ErrEpochClosed = errors.New("epoch is closing")
	// ErrOutOfMemory covers backing-map failure and id-space exhaustion.
	ErrOutOfMemory = errors.New("out of memory")
)

// Sink receives slow-event notifications.  The facade plugs a Prometheus
// adapter in here; the default is a no-op so the pool never checks for nil.
type Sink interface {
	SlowPath(class int)
	PageMapped(class, bytes int)
	Decommitted(class, bytes int)
	DecommitFailed(class int)
}

// NopSink is the default Sink.
type NopSink struct{}

func (NopSink) SlowPath(int)        {}
func (NopSink) PageMapped(int, int) {}
func (NopSink) Decommitted(int, int) {}
func (NopSink) DecommitFailed(int)  {}

// Config carries the immutable knobs for one pool.
type Config struct {
	Class             int
	Size              uint32
	PageSize          int
	CacheCapacity     int
	DecommitOnRecycle bool
	Sink              Sink
}

// CloseResult summarises one EpochClose pass over a pool.
type CloseResult struct {
	Reclaimed      int
	BytesReclaimed uint64
	ResidentBefore int64
	ResidentAfter  int64
}

// Pool is the per-size-class state.
type Pool struct {
	class    uint8
	size     uint32
	pageSize int
	cacheCap int
	decommit bool
	sink     Sink

	ring *epochring.Ring
	reg  *slabs.Registry

	// current is the per-epoch lock-free publication pointer: the slab
	// allocations should try first.  Non-null reads outside the mutex are
	// valid but may observe a slab racing toward full.
	current [epochring.Slots]atomic.Pointer[slabs.Slab]

	mu       sync.Mutex
	partial  [epochring.Slots]slabList
	full     [epochring.Slots]slabList
	cache    []*slabs.Slab // bounded LIFO of recyclable slabs
	overflow []*slabs.Slab // unbounded spillover
	pages    [][]byte      // every mapping ever made; teardown only

	emptyHead atomic.Pointer[slabs.Slab] // MPSC Treiber stack

	c    counters
	scan scanControl
}

// New constructs an empty pool bound to the shared ring and registry.
func New(cfg Config, ring *epochring.Ring, reg *slabs.Registry) *Pool {
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	p := &Pool{
		class:    uint8(cfg.Class),
		size:     cfg.Size,
		pageSize: cfg.PageSize,
		cacheCap: cfg.CacheCapacity,
		decommit: cfg.DecommitOnRecycle,
		sink:     sink,
		ring:     ring,
		reg:      reg,
		scan:     newScanControl(),
	}
	p.cache = make([]*slabs.Slab, 0, cfg.CacheCapacity)
	return p
}

// Size returns the object size this pool serves.
func (p *Pool) Size() uint32 { return p.size }

/* -------------------------------------------------------------------------
   Allocation
   ------------------------------------------------------------------------- */

// Allocate claims one slot in the given epoch and returns the slot storage
// plus its handle.  Lock-free on the fast path; falls into the mutexed slow
// path on a publication miss or a full current-partial.
func (p *Pool) Allocate(epoch int) ([]byte, handle.Handle, error) {
	seed := unsafehelpers.StackSeed()
	if p.ring.State(epoch) != epochring.StateActive {
		p.c.closedRejects.Add(1)
		return nil, handle.Nil, ErrEpochClosed
	}
	if s := p.current[epoch].Load(); s != nil {
		if buf, h, ok := p.tryAlloc(s, seed); ok {
			return buf, h, nil
		}
	}
	return p.allocSlow(epoch, seed)
}

// tryAlloc runs one bitmap sweep over s and mints a handle on success.
// The generation is read before the slot claim and re-validated after: a
// harvest may recycle an apparently-empty slab while a fast path races a
// slot into it.  On a generation flip the slot is handed straight back and
// the caller falls to the slow path.  Slow-path callers hold the class
// mutex, which excludes harvest, so the undo branch never runs there.
func (p *Pool) tryAlloc(s *slabs.Slab, seed uintptr) ([]byte, handle.Handle, bool) {
	gen := s.Generation()
	words := (int(s.Slots()) + 31) / 32
	slot, retries, ok := s.TryAlloc(p.scan.startWord(seed, words))
	attempt := p.c.allocAttempts.Add(1)
	if retries > 0 {
		p.c.allocRetries.Add(uint64(retries))
	}
	p.scan.observe(attempt, &p.c.allocAttempts, &p.c.allocRetries)
	if !ok {
		return nil, handle.Nil, false
	}
	if s.Generation() != gen {
		wasFull, emptied, _, freed := s.FreeSlot(slot)
		if freed {
			p.finishFree(s, wasFull, emptied)
		}
		return nil, handle.Nil, false
	}
	p.c.allocs.Add(1)
	h := handle.New(s.ID(), gen, uint8(slot), p.class)
	return s.Slot(slot), h, true
}

func (p *Pool) lock() {
	if p.mu.TryLock() {
		p.c.lockFast.Add(1)
		return
	}
	p.c.lockContended.Add(1)
	p.mu.Lock()
}

func (p *Pool) allocSlow(epoch int, seed uintptr) ([]byte, handle.Handle, error) {
	p.lock()
	defer p.mu.Unlock()
	p.c.slowHits.Add(1)
	p.sink.SlowPath(int(p.class))

	// The epoch may have flipped to CLOSING while we waited for the lock.
	if p.ring.State(epoch) != epochring.StateActive {
		p.c.closedRejects.Add(1)
		return nil, handle.Nil, ErrEpochClosed
	}

	// Another slow-path entrant may have published a usable slab already.
	if s := p.current[epoch].Load(); s != nil {
		if buf, h, ok := p.tryAlloc(s, seed); ok {
			return buf, h, nil
		}
	}

	p.harvestLocked(-1)

	era := p.ring.Era(epoch)
	for {
		s := p.usablePartialLocked(epoch)
		if s == nil {
			var err error
			if s, err = p.obtainLocked(epoch, era); err != nil {
				return nil, handle.Nil, err
			}
			p.partial[epoch].pushFront(s)
			s.SetTag(slabs.TagPartial)
		}
		p.publishLocked(epoch, s)
		if buf, h, ok := p.tryAlloc(s, seed); ok {
			return buf, h, nil
		}
		// The freshly published slab raced to full under concurrent fast
		// paths; migrate it and pick another.
		p.migrateFullLocked(s)
	}
}

// usablePartialLocked returns a partial-list slab with free slots, running
// the zombie repair sweep along the way.
func (p *Pool) usablePartialLocked(epoch int) *slabs.Slab {
	for s := p.partial[epoch].front(); s != nil; {
		next := s.ListNext()
		switch {
		case s.FreeCount() > 0 && !s.Full():
			return s
		case s.FreeCount() > 0 && s.Full():
			// free_count says free slots, bitmap says full: zombie.
			// Double-check for stability before repairing; a racing free
			// resolves the disagreement on its own.
			if s.FreeCount() > 0 && s.Full() {
				p.migrateFullLocked(s)
				p.c.zombieRepairs.Add(1)
			}
		default:
			p.migrateFullLocked(s)
		}
		s = next
	}
	return nil
}

func (p *Pool) publishLocked(epoch int, s *slabs.Slab) {
	s.MarkPublished()
	p.current[epoch].Store(s)
	p.c.publishes.Add(1)
}

// migrateFullLocked moves a slab off the partial list onto the full list
// and drops its publication if it still holds one.
func (p *Pool) migrateFullLocked(s *slabs.Slab) {
	if s.Tag() != slabs.TagPartial {
		return
	}
	epoch := s.Epoch()
	p.partial[epoch].remove(s)
	p.full[epoch].pushFront(s)
	s.SetTag(slabs.TagFull)
	p.current[epoch].CompareAndSwap(s, nil)
}

// obtainLocked produces a fresh slab: cache pop, overflow pop, or a new
// mapping, in that order.
func (p *Pool) obtainLocked(epoch int, era uint64) (*slabs.Slab, error) {
	var s *slabs.Slab
	switch {
	case len(p.cache) > 0:
		s = p.cache[len(p.cache)-1]
		p.cache = p.cache[:len(p.cache)-1]
		p.c.cacheHits.Add(1)
	case len(p.overflow) > 0:
		s = p.overflow[len(p.overflow)-1]
		p.overflow = p.overflow[:len(p.overflow)-1]
		p.c.overflowHits.Add(1)
	default:
		page, err := mem.Map(p.pageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: map %d bytes: %v", ErrOutOfMemory, p.pageSize, err)
		}
		s = slabs.New(p.class, p.size, page)
		if _, _, err := p.reg.Register(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
		p.pages = append(p.pages, page)
		p.c.pageMaps.Add(1)
		p.c.mappedBytes.Add(int64(p.pageSize))
		p.c.residentBytes.Add(int64(p.pageSize))
		p.sink.PageMapped(int(p.class), p.pageSize)
	}
	s.Adopt(epoch, era)
	return s, nil
}

/* -------------------------------------------------------------------------
   Free path
   ------------------------------------------------------------------------- */

// Free releases the slot named by h.  Returns false for stale, foreign,
// double or otherwise invalid handles; it never dereferences slot storage.
func (p *Pool) Free(h handle.Handle) bool {
	s := p.reg.Lookup(h.SlabID(), h.Generation())
	if s == nil || s.Class() != p.class {
		p.c.invalidFrees.Add(1)
		return false
	}
	wasFull, emptied, retries, ok := s.FreeSlot(h.Slot())
	if retries > 0 {
		p.c.freeRetries.Add(uint64(retries))
	}
	if !ok {
		p.c.invalidFrees.Add(1)
		return false
	}
	p.c.frees.Add(1)
	p.finishFree(s, wasFull, emptied)
	return true
}

// finishFree handles the list and queue consequences of a cleared bit:
// FULL→PARTIAL migration under the mutex, and the lock-free empty-queue
// push when the slab just emptied.
func (p *Pool) finishFree(s *slabs.Slab, wasFull, emptied bool) {
	if wasFull {
		p.lock()
		if s.Tag() == slabs.TagFull {
			epoch := s.Epoch()
			p.full[epoch].remove(s)
			p.partial[epoch].pushFront(s)
			s.SetTag(slabs.TagPartial)
		}
		p.mu.Unlock()
	}
	if emptied && s.TryEnqueue() {
		p.pushEmpty(s)
		p.c.emptyPushes.Add(1)
	}
}

/* -------------------------------------------------------------------------
   Empty queue and continuous recycling
   ------------------------------------------------------------------------- */

func (p *Pool) pushEmpty(s *slabs.Slab) {
	for {
		head := p.emptyHead.Load()
		s.SetNextEmpty(head)
		if p.emptyHead.CompareAndSwap(head, s) {
			return
		}
	}
}

// harvestLocked detaches the whole empty chain in one CAS and recycles each
// slab that is still empty.  reclaimEpoch >= 0 marks an EpochClose pass:
// slabs adopted by that epoch are decommitted unconditionally because the
// caller has asserted quiescence for it.  Returns how many slabs of
// reclaimEpoch were recycled.
func (p *Pool) harvestLocked(reclaimEpoch int) (reclaimed int) {
	chain := p.emptyHead.Swap(nil)
	for s := chain; s != nil; {
		next := s.NextEmpty()
		s.SetNextEmpty(nil)
		s.ClearEnqueued()
		p.c.emptyHarvests.Add(1)

		// Drop the publication first so no new fast path can adopt the
		// slab, then validate emptiness defensively: the published slab
		// may have picked allocations up again between emptying and
		// harvest.
		p.current[s.Epoch()].CompareAndSwap(s, nil)
		if s.FreeCount() != int32(s.Slots()) {
			s = next
			continue
		}
		reclaim := reclaimEpoch >= 0 && s.Epoch() == reclaimEpoch
		p.recycleLocked(s, reclaim)
		if reclaim {
			reclaimed++
		}
		s = next
	}
	return reclaimed
}

// recycleLocked detaches s from its list, optionally decommits its page,
// bumps its registry generation (killing every surviving handle), and
// parks it in the cache or the overflow list.
func (p *Pool) recycleLocked(s *slabs.Slab, reclaim bool) {
	epoch := s.Epoch()
	switch s.Tag() {
	case slabs.TagPartial:
		p.partial[epoch].remove(s)
	case slabs.TagFull:
		p.full[epoch].remove(s)
	}
	s.SetTag(slabs.TagNone)
	p.current[epoch].CompareAndSwap(s, nil)

	// Decommit policy: an EpochClose pass reclaims every harvested page;
	// continuous recycling only touches never-published slabs, because a
	// racing fast path may still hold the old publication pointer.
	if p.decommit && (reclaim || !s.WasPublished()) {
		if err := mem.Decommit(s.Page()); err != nil {
			p.c.decommitFails.Add(1)
			p.sink.DecommitFailed(int(p.class))
		} else {
			p.c.decommits.Add(1)
			p.c.decommitBytes.Add(uint64(p.pageSize))
			p.c.residentBytes.Add(-int64(p.pageSize))
			p.sink.Decommitted(int(p.class), p.pageSize)
		}
	}

	s.SetGeneration(p.reg.BumpGeneration(s.ID()))
	s.ClearPublished()
	p.c.recycled.Add(1)

	if len(p.cache) < p.cacheCap {
		p.cache = append(p.cache, s)
	} else {
		p.overflow = append(p.overflow, s)
	}
}

/* -------------------------------------------------------------------------
   Epoch lifecycle hooks
   ------------------------------------------------------------------------- */

// OnAdvance clears the closing epoch's publication so no fast path can keep
// allocating from a slab the epoch no longer accepts.
func (p *Pool) OnAdvance(closedEpoch int) {
	p.current[closedEpoch].Store(nil)
}

// CloseEpoch harvests every empty slab belonging to the given (CLOSING)
// epoch and returns their pages.  Non-empty slabs stay in place for later
// closes.  Calling it on an epoch with nothing to reclaim is a no-op.
func (p *Pool) CloseEpoch(epoch int) CloseResult {
	p.lock()
	defer p.mu.Unlock()

	res := CloseResult{ResidentBefore: p.c.residentBytes.Load()}
	res.Reclaimed = p.harvestLocked(epoch)
	res.BytesReclaimed = uint64(res.Reclaimed) * uint64(p.pageSize)

	for _, list := range []*slabList{&p.partial[epoch], &p.full[epoch]} {
		for s := list.front(); s != nil; {
			next := s.ListNext()
			if s.FreeCount() == int32(s.Slots()) {
				p.recycleLocked(s, true)
				res.Reclaimed++
				res.BytesReclaimed += uint64(p.pageSize)
			}
			s = next
		}
	}
	res.ResidentAfter = p.c.residentBytes.Load()
	return res
}

/* -------------------------------------------------------------------------
   Snapshots & teardown
   ------------------------------------------------------------------------- */

// Snapshot returns the counter block plus list lengths.  List lengths are
// read under the mutex so they are mutually consistent.
func (p *Pool) Snapshot() ClassStats {
	st := ClassStats{
		Class: int(p.class),
		Size:  p.size,

		Allocs:        p.c.allocs.Load(),
		Frees:         p.c.frees.Load(),
		AllocAttempts: p.c.allocAttempts.Load(),
		AllocRetries:  p.c.allocRetries.Load(),
		FreeRetries:   p.c.freeRetries.Load(),
		SlowPathHits:  p.c.slowHits.Load(),
		ClosedRejects: p.c.closedRejects.Load(),
		LockFast:      p.c.lockFast.Load(),
		LockContended: p.c.lockContended.Load(),
		Publishes:     p.c.publishes.Load(),
		PageMaps:      p.c.pageMaps.Load(),
		CacheHits:     p.c.cacheHits.Load(),
		OverflowHits:  p.c.overflowHits.Load(),
		EmptyPushes:   p.c.emptyPushes.Load(),
		EmptyHarvests: p.c.emptyHarvests.Load(),
		Recycled:      p.c.recycled.Load(),
		Decommits:     p.c.decommits.Load(),
		DecommitBytes: p.c.decommitBytes.Load(),
		DecommitFails: p.c.decommitFails.Load(),
		ZombieRepairs: p.c.zombieRepairs.Load(),
		InvalidFrees:  p.c.invalidFrees.Load(),
		MappedBytes:   p.c.mappedBytes.Load(),
		ResidentBytes: p.c.residentBytes.Load(),

		ScanRandomized: p.scan.randomized.Load(),
		RetryRate:      p.scan.rate(),
	}
	p.mu.Lock()
	for e := 0; e < epochring.Slots; e++ {
		st.PartialSlabs += p.partial[e].len()
		st.FullSlabs += p.full[e].len()
	}
	st.CachedSlabs = len(p.cache)
	st.OverflowSlabs = len(p.overflow)
	p.mu.Unlock()
	return st
}

// EpochSnapshot reports this pool's view of one epoch.
func (p *Pool) EpochSnapshot(epoch int) EpochClassStats {
	st := EpochClassStats{Class: int(p.class), Epoch: epoch}
	p.mu.Lock()
	st.PartialSlabs = p.partial[epoch].len()
	st.FullSlabs = p.full[epoch].len()
	for _, list := range []*slabList{&p.partial[epoch], &p.full[epoch]} {
		for s := list.front(); s != nil; s = s.ListNext() {
			if s.FreeCount() == int32(s.Slots()) {
				st.ReclaimableSlabs++
			}
		}
	}
	st.EstimatedRSS = int64(st.PartialSlabs+st.FullSlabs) * int64(p.pageSize)
	p.mu.Unlock()
	return st
}

// VerifyInvariants walks every attached slab under the mutex and checks
// popcount(bitmap) + free_count == N.  Test support.
func (p *Pool) VerifyInvariants() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for e := 0; e < epochring.Slots; e++ {
		for _, list := range []*slabList{&p.partial[e], &p.full[e]} {
			for s := list.front(); s != nil; s = s.ListNext() {
				if got := s.AllocatedBits() + int(s.FreeCount()); got != int(s.Slots()) {
					err = multierr.Append(err, fmt.Errorf(
						"slab %d: popcount+free = %d, want %d", s.ID(), got, s.Slots()))
				}
			}
		}
	}
	return err
}

// Destroy unmaps every page the pool ever mapped.  The allocator facade
// calls this exactly once.  Registry entries are left as they are, so
// handles are not invalidated here; the facade refuses frees after Close.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for _, page := range p.pages {
		err = multierr.Append(err, mem.Unmap(page))
	}
	p.pages = nil
	p.cache = nil
	p.overflow = nil
	return err
}

// SetHeartbeatShift shrinks the adaptive sampling window.  Test support
// only; semantics are unchanged.
func (p *Pool) SetHeartbeatShift(shift uint) { p.scan.setHeartbeatShift(shift) }
