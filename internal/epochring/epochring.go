// Package epochring maintains the fixed cyclic set of *epochs* – temporal
// allocation phases used by temporal-slab to group allocations that die
// together.  Advancing the ring closes the current phase and opens the next
// one; reclamation of a closed phase is an explicit, separate step owned by
// the allocator facade.
//
// An epoch slot owns:
//   - a lifecycle state (ACTIVE or CLOSING);
//   - a monotonically increasing 64-bit *era* stamped at each activation,
//     so the same ring index can be told apart across wraps;
//   - metadata: open timestamp, domain refcount, optional 32-byte label and
//     compact label id.
//
// Concurrency model
// -----------------
// State and era are atomics forming an acquire/release pair with the
// allocation fast path: a thread observing ACTIVE also observes the era and
// metadata reset that preceded the activation.  Advance itself is expected
// to be called from one coordinating goroutine at a time; concurrent
// advances are not part of the contract.  The label is the only field wide
// enough to tear, so it hides behind a small mutex.
//
// © 2025 arena-cache authors. MIT License.

package epochring

import (
	"sync"
	"sync/atomic"
	"time"
)

// Slots is the ring size.  The handle format and the per-pool publication
// arrays are sized against it, so it is a constant rather than a knob.
const Slots = 16

// MaxLabelLen caps epoch labels; longer labels are truncated, not rejected.
const MaxLabelLen = 32

// State is the lifecycle state of one epoch slot.
type State uint32

const (
	// StateUnused marks a slot that has never been activated.  It behaves
	// like CLOSING for allocation purposes: nothing may allocate into it.
	StateUnused State = iota
	// StateActive accepts allocations.
	StateActive
	// StateClosing refuses allocations and is eligible for EpochClose.
	StateClosing
)

type epoch struct {
	state atomic.Uint32
	era   atomic.Uint64
	refs  atomic.Int64

	openedAt atomic.Int64 // unix nanos, stamped at activation

	mu       sync.Mutex
	label    [MaxLabelLen]byte
	labelLen int
	labelID  atomic.Uint32
}

// Ring is the 16-slot epoch ring plus the era counter.  Ring index wraps;
// era never does.
type Ring struct {
	epochs  [Slots]epoch
	current atomic.Uint32
	eraCtr  atomic.Uint64
}

// New constructs a ring with slot 0 active at era 1.
func New() *Ring {
	r := &Ring{}
	e := &r.epochs[0]
	e.era.Store(r.eraCtr.Add(1))
	e.openedAt.Store(time.Now().UnixNano())
	e.state.Store(uint32(StateActive))
	return r
}

// Current returns the ring index of the ACTIVE epoch.
func (r *Ring) Current() int { return int(r.current.Load()) }

// Advance marks the current epoch CLOSING, activates the next slot with a
// fresh era and reset metadata, and returns (closed, opened) ring indices.
func (r *Ring) Advance() (closed, opened int) {
	cur := int(r.current.Load())
	r.epochs[cur].state.Store(uint32(StateClosing))

	next := (cur + 1) % Slots
	e := &r.epochs[next]

	// Reset metadata before the slot becomes visible as ACTIVE.
	e.refs.Store(0)
	e.mu.Lock()
	e.labelLen = 0
	e.mu.Unlock()
	e.labelID.Store(0)
	e.openedAt.Store(time.Now().UnixNano())
	e.era.Store(r.eraCtr.Add(1))
	e.state.Store(uint32(StateActive))

	r.current.Store(uint32(next))
	return cur, next
}

// State returns the lifecycle state of the given slot.
func (r *Ring) State(i int) State { return State(r.epochs[i].state.Load()) }

// Era returns the era stamped at the slot's latest activation, zero if the
// slot was never activated.
func (r *Ring) Era(i int) uint64 { return r.epochs[i].era.Load() }

// OpenedAt returns the activation timestamp of the slot's current
// incarnation.
func (r *Ring) OpenedAt(i int) time.Time {
	return time.Unix(0, r.epochs[i].openedAt.Load())
}

// IncRef and DecRef maintain the epoch's domain refcount.  DecRef returns
// the post-decrement value so callers can detect the 1→0 edge.
func (r *Ring) IncRef(i int) int64 { return r.epochs[i].refs.Add(1) }
func (r *Ring) DecRef(i int) int64 { return r.epochs[i].refs.Add(-1) }

// Refs returns the current domain refcount.
func (r *Ring) Refs(i int) int64 { return r.epochs[i].refs.Load() }

// SetLabel attaches a human-readable label to the slot, truncated to
// MaxLabelLen bytes.  Labels reset on activation.
func (r *Ring) SetLabel(i int, s string) {
	e := &r.epochs[i]
	e.mu.Lock()
	n := copy(e.label[:], s)
	e.labelLen = n
	e.mu.Unlock()
}

// Label returns the slot's label, empty if none was set this incarnation.
func (r *Ring) Label(i int) string {
	e := &r.epochs[i]
	e.mu.Lock()
	s := string(e.label[:e.labelLen])
	e.mu.Unlock()
	return s
}

// SetLabelID and LabelID manage the compact numeric label (0..15) used by
// collaborators that attribute contention without string labels.
func (r *Ring) SetLabelID(i int, id uint8) { r.epochs[i].labelID.Store(uint32(id & 0x0F)) }
func (r *Ring) LabelID(i int) uint8        { return uint8(r.epochs[i].labelID.Load()) }
