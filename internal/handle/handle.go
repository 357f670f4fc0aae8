// Package handle defines the opaque 64-bit reference returned by every
// allocation.  A handle carries enough identity to reach the owning slab
// through the registry and to survive slab recycling: the registry's
// generation counter is compared against the generation baked into the
// handle, so a reference into a recycled slab fails validation instead of
// aliasing a newer object (classic ABA protection).
//
// Bit layout, most-significant first:
//
//	slab id (22) | generation (24) | slot (8) | size class (8) | version (2)
//
// The version field is a format tag; it also guarantees that the zero value
// is never a valid handle.
//
// © 2025 arena-cache authors. MIT License.

package handle

// Handle is an opaque reference to a single allocated slot.
type Handle uint64

// Version is the current handle format tag.  Handles carrying any other
// version value are rejected outright.
const Version = 1

const (
	versionBits = 2
	classBits   = 8
	slotBits    = 8
	genBits     = 24
	slabIDBits  = 22

	versionShift = 0
	classShift   = versionShift + versionBits
	slotShift    = classShift + classBits
	genShift     = slotShift + slotBits
	slabIDShift  = genShift + genBits

	versionMask = 1<<versionBits - 1
	classMask   = 1<<classBits - 1
	slotMask    = 1<<slotBits - 1

	// GenMask bounds the registry generation counter; generations wrap
	// modulo 2^24 which leaves ~16M recycles before a stale handle could
	// theoretically collide.
	GenMask = 1<<genBits - 1

	// MaxSlabID is the largest registry index a handle can express.
	MaxSlabID = 1<<slabIDBits - 1
)

// Nil is the null handle returned on allocation failure.
const Nil Handle = 0

// New packs the identity tuple into a handle.  Arguments are assumed to be
// in range; the pool mints handles only from values it owns.
func New(slabID, gen uint32, slot, class uint8) Handle {
	return Handle(uint64(slabID)<<slabIDShift |
		uint64(gen&GenMask)<<genShift |
		uint64(slot)<<slotShift |
		uint64(class)<<classShift |
		Version)
}

// SlabID returns the registry index of the owning slab.
func (h Handle) SlabID() uint32 { return uint32(h >> slabIDShift) }

// Generation returns the registry generation captured at allocation time.
func (h Handle) Generation() uint32 { return uint32(h>>genShift) & GenMask }

// Slot returns the slot index inside the owning slab.
func (h Handle) Slot() int { return int(h>>slotShift) & slotMask }

// Class returns the size-class index encoded in the handle.
func (h Handle) Class() int { return int(h>>classShift) & classMask }

// FormatOK reports whether the handle carries the current format version.
// A torn or foreign 64-bit value almost always fails here before the
// registry is ever consulted.
func (h Handle) FormatOK() bool {
	return h != Nil && uint32(h)&versionMask == Version
}
