// Package slab implements a lifetime-aware slab allocator for small
// fixed-size objects.  Its central value is *temporal grouping*: allocations
// made during the same application-defined phase (an *epoch*) land in the
// same physical pages, so an entire phase can be reclaimed as a unit when it
// closes.  The target is fixed-size, high-churn workloads – request scopes,
// frame-scoped simulation data, per-transaction metadata – where tail
// latency and bounded resident memory matter more than generality.
//
// The public surface is a single Allocator object owning one slab registry,
// one 16-slot epoch ring, and one pool per size class.  Allocation and free
// paths are lock-free; list maintenance and reclamation run under short
// per-class critical sections.  The code relies on the internal packages
// declared in this repository; there is **no cgo** and everything is safe
// for cross-compilation.
//
// © 2025 arena-cache authors. MIT License.

package slab

import (
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Voskan/temporal-slab/internal/epochring"
	"github.com/Voskan/temporal-slab/internal/handle"
	"github.com/Voskan/temporal-slab/internal/pool"
	"github.com/Voskan/temporal-slab/internal/slabs"
	"github.com/Voskan/temporal-slab/internal/unsafehelpers"
)

// Handle is the opaque 64-bit reference returned by Allocate.  It stays
// cheap to copy, safe to send across goroutines, and is validated against
// the registry on every Free.
type Handle = handle.Handle

// NilHandle is the zero handle returned on allocation failure.
const NilHandle = handle.Nil

// EpochState is the lifecycle state of a ring slot.
type EpochState = epochring.State

// Re-exported lifecycle states.
const (
	EpochUnused  = epochring.StateUnused
	EpochActive  = epochring.StateActive
	EpochClosing = epochring.StateClosing
)

// EpochCount is the fixed ring size.
const EpochCount = epochring.Slots

// Allocator is the top-level object.  It is safe for concurrent use by any
// number of goroutines.
type Allocator struct {
	cfg  *config
	log  *zap.Logger
	sink metricsSink

	reg   *slabs.Registry
	ring  *epochring.Ring
	pools []*pool.Pool

	// classFor routes request sizes to pools in O(1); index is the
	// requested size, value the class index.
	classFor []uint8
	maxSize  uint32

	closed atomic.Bool
}

// New constructs an allocator.  The zero-option form uses the default size
// ladder (64..768 bytes), the platform page size, a 32-slab recycle cache
// per class, decommit-on-recycle, a nop logger and no metrics.
func New(opts ...Option) (*Allocator, error) {
	cfg := defaultConfig()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	a := &Allocator{
		cfg:  cfg,
		log:  cfg.logger,
		sink: newMetricsSink(cfg.sizeClasses, cfg.registry),
		reg:  slabs.NewRegistry(),
		ring: epochring.New(),
	}

	a.pools = make([]*pool.Pool, len(cfg.sizeClasses))
	for i, sz := range cfg.sizeClasses {
		a.pools[i] = pool.New(pool.Config{
			Class:             i,
			Size:              sz,
			PageSize:          cfg.pageSize,
			CacheCapacity:     cfg.cacheCapacity,
			DecommitOnRecycle: cfg.decommit,
			Sink:              a.sink,
		}, a.ring, a.reg)
	}

	a.maxSize = cfg.sizeClasses[len(cfg.sizeClasses)-1]
	a.classFor = make([]uint8, a.maxSize+1)
	cls := 0
	for sz := uint32(1); sz <= a.maxSize; sz++ {
		for cfg.sizeClasses[cls] < sz {
			cls++
		}
		a.classFor[sz] = uint8(cls)
	}
	return a, nil
}

/* -------------------------------------------------------------------------
   Allocation
   ------------------------------------------------------------------------- */

// Allocate claims one slot of at least size bytes in the given epoch.  The
// returned slice is the full slot (the size of the chosen class) backed by
// slab memory; it stays valid until the handle is freed or the epoch is
// reclaimed.  Fails with ErrUnsupportedSize, ErrInvalidEpoch,
// ErrEpochClosed or ErrOutOfMemory.
func (a *Allocator) Allocate(size, epoch int) ([]byte, Handle, error) {
	if a.closed.Load() {
		return nil, NilHandle, ErrAllocatorClosed
	}
	if epoch < 0 || epoch >= EpochCount {
		return nil, NilHandle, ErrInvalidEpoch
	}
	if size <= 0 || uint32(size) > a.maxSize {
		return nil, NilHandle, ErrUnsupportedSize
	}
	return a.pools[a.classFor[size]].Allocate(epoch)
}

// Free releases the slot named by h.  Returns true on success and false for
// stale, foreign, double or otherwise invalid handles – it never panics and
// never dereferences freed storage.
func (a *Allocator) Free(h Handle) bool {
	if a.closed.Load() || !h.FormatOK() {
		return false
	}
	cls := h.Class()
	if cls >= len(a.pools) {
		return false
	}
	return a.pools[cls].Free(h)
}

// Malloc is convenience sugar over Allocate: it reserves eight extra bytes,
// stashes the handle in front of the payload, and returns exactly size
// bytes.  Pair with FreeBytes.  Returns nil on any allocation failure,
// including a zero or negative size.
func (a *Allocator) Malloc(size, epoch int) []byte {
	if size <= 0 {
		return nil
	}
	buf, h, err := a.Allocate(size+unsafehelpers.PrefixLen, epoch)
	if err != nil {
		return nil
	}
	payload := unsafehelpers.WriteHandlePrefix(buf, uint64(h))
	return payload[:size]
}

// FreeBytes recovers the handle stashed by Malloc and frees through the
// primitive path.  A slice that did not come from Malloc yields a handle
// that fails registry validation, so the call returns false rather than
// corrupting anything.
func (a *Allocator) FreeBytes(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return a.Free(Handle(unsafehelpers.ReadHandlePrefix(b)))
}

/* -------------------------------------------------------------------------
   Epoch management
   ------------------------------------------------------------------------- */

// EpochCurrent returns the ring index of the ACTIVE epoch.
func (a *Allocator) EpochCurrent() int { return a.ring.Current() }

// EpochState returns the lifecycle state of the given ring slot.
func (a *Allocator) EpochState(epoch int) EpochState {
	if epoch < 0 || epoch >= EpochCount {
		return EpochUnused
	}
	return a.ring.State(epoch)
}

// EpochEra returns the era stamped at the slot's latest activation.
func (a *Allocator) EpochEra(epoch int) uint64 {
	if epoch < 0 || epoch >= EpochCount {
		return 0
	}
	return a.ring.Era(epoch)
}

// EpochAdvance transitions the current epoch ACTIVE→CLOSING and the next
// ring slot to ACTIVE with a fresh era.  Every pool drops the closing
// epoch's publication so no new fast path keeps allocating from the
// closing epoch's slabs.
func (a *Allocator) EpochAdvance() (closed, opened int) {
	closed, opened = a.ring.Advance()
	for _, p := range a.pools {
		p.OnAdvance(closed)
	}
	a.sink.EpochAdvanced()
	a.log.Debug("epoch advanced",
		zap.Int("closed", closed),
		zap.Int("opened", opened),
		zap.Uint64("era", a.ring.Era(opened)))
	return closed, opened
}

// EpochClose reclaims the given CLOSING epoch: every empty slab on its
// lists (and in the empty queue) is recycled and its physical pages are
// returned to the OS.  Slabs still holding live objects stay in place for a
// later close.  Closing an already-drained epoch is a no-op.
func (a *Allocator) EpochClose(epoch int) error {
	if a.closed.Load() {
		return ErrAllocatorClosed
	}
	if epoch < 0 || epoch >= EpochCount {
		return ErrInvalidEpoch
	}
	if a.ring.State(epoch) != EpochClosing {
		return ErrEpochNotClosing
	}

	var reclaimed int
	var bytes uint64
	for _, p := range a.pools {
		res := p.CloseEpoch(epoch)
		reclaimed += res.Reclaimed
		bytes += res.BytesReclaimed
	}
	a.sink.EpochClosed(reclaimed, bytes)
	a.log.Info("epoch closed",
		zap.Int("epoch", epoch),
		zap.Uint64("era", a.ring.Era(epoch)),
		zap.Int("reclaimed_slabs", reclaimed),
		zap.Uint64("reclaimed_bytes", bytes))
	return nil
}

// EpochSetLabel attaches a diagnostic label (truncated to 32 bytes) to the
// epoch's current incarnation.
func (a *Allocator) EpochSetLabel(epoch int, label string) error {
	if epoch < 0 || epoch >= EpochCount {
		return ErrInvalidEpoch
	}
	a.ring.SetLabel(epoch, label)
	return nil
}

// EpochLabel returns the label of the epoch's current incarnation.
func (a *Allocator) EpochLabel(epoch int) string {
	if epoch < 0 || epoch >= EpochCount {
		return ""
	}
	return a.ring.Label(epoch)
}

// EpochSetLabelID and EpochLabelID manage the compact 0..15 label.
func (a *Allocator) EpochSetLabelID(epoch int, id uint8) error {
	if epoch < 0 || epoch >= EpochCount {
		return ErrInvalidEpoch
	}
	a.ring.SetLabelID(epoch, id)
	return nil
}

func (a *Allocator) EpochLabelID(epoch int) uint8 {
	if epoch < 0 || epoch >= EpochCount {
		return 0
	}
	return a.ring.LabelID(epoch)
}

// EpochIncRefcount / EpochDecRefcount / EpochRefcount expose the per-epoch
// domain refcount for callers coordinating reclamation manually.
func (a *Allocator) EpochIncRefcount(epoch int) { a.ring.IncRef(epoch) }
func (a *Allocator) EpochDecRefcount(epoch int) { a.ring.DecRef(epoch) }
func (a *Allocator) EpochRefcount(epoch int) int64 {
	if epoch < 0 || epoch >= EpochCount {
		return 0
	}
	return a.ring.Refs(epoch)
}

/* -------------------------------------------------------------------------
   Teardown
   ------------------------------------------------------------------------- */

// Close releases every mapping and marks the allocator unusable.  All
// outstanding handles are dead after Close returns.  Idempotent.
func (a *Allocator) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	var err error
	for _, p := range a.pools {
		err = multierr.Append(err, p.Destroy())
	}
	if err != nil {
		a.log.Warn("allocator teardown reported unmap failures", zap.Error(err))
	}
	return err
}
