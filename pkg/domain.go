package slab

// domain.go implements epoch domains: goroutine-held RAII-style scopes that
// bind a temporal phase to an application boundary (a request, a frame, a
// transaction).  A domain captures its epoch's era at creation; ring reuse
// is therefore detectable, and a domain whose slot was recycled by sixteen
// advances refuses to close the new incarnation.
//
// Threading model
// ---------------
// Go offers no portable goroutine identity, so the "thread-local" stack is
// an explicit DomainStack the owning goroutine keeps for itself.  Every
// domain operation validates it is running against the stack the domain
// belongs to; violations are caller bugs and panic rather than corrupting
// refcounts.  Sharing a DomainStack between goroutines is undefined.
//
// © 2025 arena-cache authors. MIT License.

// MaxDomainDepth bounds domain nesting per stack.
const MaxDomainDepth = 32

// DomainStack is the per-goroutine LIFO of entered domains.
type DomainStack struct {
	alloc *Allocator
	stack [MaxDomainDepth]*Domain
	depth int
}

// Domain is a scope over one epoch.  It does not own the allocations made
// within it; it only coordinates the epoch's refcount and optional
// auto-close.
type Domain struct {
	alloc     *Allocator
	owner     *DomainStack
	epoch     int
	era       uint64
	refs      int
	autoClose bool
	destroyed bool
}

// NewDomainStack creates an empty domain stack for the calling goroutine.
func (a *Allocator) NewDomainStack() *DomainStack {
	return &DomainStack{alloc: a}
}

// Create binds a new domain to the currently ACTIVE epoch, capturing its
// era.  The domain starts un-entered with refcount zero.
func (s *DomainStack) Create() *Domain {
	epoch := s.alloc.EpochCurrent()
	return &Domain{
		alloc: s.alloc,
		owner: s,
		epoch: epoch,
		era:   s.alloc.EpochEra(epoch),
	}
}

// Wrap binds a domain to an explicit ring slot; the caller asserts the slot
// is meaningful.  autoClose arms an EpochClose attempt when the last exit
// drops the epoch's refcount to zero and the captured era still matches.
func (s *DomainStack) Wrap(epoch int, autoClose bool) (*Domain, error) {
	if epoch < 0 || epoch >= EpochCount {
		return nil, ErrInvalidEpoch
	}
	return &Domain{
		alloc:     s.alloc,
		owner:     s,
		epoch:     epoch,
		era:       s.alloc.EpochEra(epoch),
		autoClose: autoClose,
	}, nil
}

// Enter pushes d onto the stack.  The local 0→1 transition increments the
// epoch's global refcount.  Re-entering an already-entered domain is legal
// and only deepens the local count.
func (s *DomainStack) Enter(d *Domain) {
	if d.owner != s {
		panic("slab: domain entered on a foreign stack")
	}
	if d.destroyed {
		panic("slab: domain used after Destroy")
	}
	if s.depth == MaxDomainDepth {
		panic("slab: domain nesting depth exceeded")
	}
	s.stack[s.depth] = d
	s.depth++
	d.refs++
	if d.refs == 1 {
		s.alloc.ring.IncRef(d.epoch)
	}
}

// Exit pops d, which must be the top of the stack (LIFO discipline).  The
// local 1→0 transition decrements the epoch's global refcount; if that was
// the last reference anywhere, the domain is armed for auto-close, and the
// captured era still matches, the bound epoch is closed.
func (s *DomainStack) Exit(d *Domain) {
	if d.owner != s {
		panic("slab: domain exited on a foreign stack")
	}
	if s.depth == 0 || s.stack[s.depth-1] != d {
		panic("slab: non-LIFO domain exit")
	}
	s.depth--
	s.stack[s.depth] = nil
	d.refs--
	if d.refs != 0 {
		return
	}
	remaining := s.alloc.ring.DecRef(d.epoch)
	if d.autoClose && remaining == 0 && s.alloc.EpochEra(d.epoch) == d.era {
		// The epoch may still be ACTIVE (not yet advanced past); the
		// close is then refused and a later explicit close reclaims it.
		_ = s.alloc.EpochClose(d.epoch)
	}
}

// Current returns the innermost entered domain, or nil.
func (s *DomainStack) Current() *Domain {
	if s.depth == 0 {
		return nil
	}
	return s.stack[s.depth-1]
}

// Depth returns the current nesting depth across all domains on the stack.
func (s *DomainStack) Depth() int { return s.depth }

// Epoch returns the bound ring slot.
func (d *Domain) Epoch() int { return d.epoch }

// Era returns the era captured when the domain was bound.
func (d *Domain) Era() uint64 { return d.era }

// Refs returns the domain's local refcount (its nesting depth).
func (d *Domain) Refs() int { return d.refs }

// ForceClose closes the bound epoch unconditionally – except that it still
// refuses when the captured era has diverged (the ring slot was reused) or
// the epoch is not CLOSING.
func (d *Domain) ForceClose() error {
	if d.alloc.EpochEra(d.epoch) != d.era {
		return ErrStaleDomain
	}
	return d.alloc.EpochClose(d.epoch)
}

// Destroy retires the domain.  It must not be entered anywhere; Destroy
// never closes epochs beyond the rules Exit already applies.
func (d *Domain) Destroy() {
	if d.refs != 0 {
		panic("slab: destroying an entered domain")
	}
	d.destroyed = true
}
