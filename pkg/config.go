package slab

// config.go defines the internal configuration object and the set of
// functional options that can be passed to New.  We hide the struct from the
// public API: users can only influence behaviour via Option.  This
// guarantees forward compatibility.
//
// Design notes
// ------------
// • All fields are initialised with sensible defaults in defaultConfig().
// • Options never allocate unless strictly necessary – they just capture
//   pointers to external objects (registry, logger …).
// • All fields are immutable once the Allocator is constructed – we do not
//   support live mutation from user land; hot-reload of size classes etc.
//   would complicate correctness proofs.
//
// © 2025 arena-cache authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/temporal-slab/internal/mem"
	"github.com/Voskan/temporal-slab/internal/pool"
	"github.com/Voskan/temporal-slab/internal/unsafehelpers"
)

// defaultSizeClasses spans the small-object range the allocator targets.
// The ladder is fixed at construction; requests route to the smallest class
// that fits.
var defaultSizeClasses = []uint32{64, 96, 128, 192, 256, 384, 512, 768}

// DefaultCacheCapacity bounds the per-class LIFO of recyclable slabs.
const DefaultCacheCapacity = 32

// Option is the functional option passed to New.
type Option func(*config)

// config bundles every knob that influences allocator behaviour.
type config struct {
	sizeClasses   []uint32
	cacheCapacity int
	pageSize      int
	decommit      bool

	// optional knobs
	registry *prometheus.Registry
	logger   *zap.Logger
}

/*
   ---------------- Default configuration ----------------
*/

func defaultConfig() *config {
	return &config{
		sizeClasses:   defaultSizeClasses,
		cacheCapacity: DefaultCacheCapacity,
		pageSize:      mem.DefaultPageSize,
		decommit:      true,
		logger:        zap.NewNop(),
		registry:      nil, // user must opt in to metrics
	}
}

/*
   ---------------- Functional options exposed to users ----------------
*/

// WithMetrics enables Prometheus metrics collection for the allocator
// instance.  Passing nil disables metrics (default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) {
		c.registry = reg
	}
}

// WithLogger plugs an external zap.Logger.  The allocator never logs on the
// allocation or free path; only slow events (epoch advance/close, unmap
// failures at teardown) are emitted.  Map failures surface as
// ErrOutOfMemory and decommit failures only in stats and metrics.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSizeClasses overrides the size-class ladder.  Sizes must be strictly
// ascending and fit one page.
func WithSizeClasses(sizes []uint32) Option {
	return func(c *config) {
		if len(sizes) > 0 {
			c.sizeClasses = sizes
		}
	}
}

// WithCacheCapacity bounds the per-class cache of recyclable slabs.
func WithCacheCapacity(n int) Option {
	return func(c *config) {
		c.cacheCapacity = n
	}
}

// WithPageSize overrides the backing-page size.  Must be a power of two.
// The default is the platform page.
func WithPageSize(n int) Option {
	return func(c *config) {
		c.pageSize = n
	}
}

// WithDecommit toggles decommit-on-recycle (default on).  With it off the
// allocator retains physical pages on every recycle path; only teardown
// releases memory.
func WithDecommit(enabled bool) Option {
	return func(c *config) {
		c.decommit = enabled
	}
}

/*
   ---------------- Helper: apply options & validate ----------------
*/

// applyOptions copies user-supplied options into cfg and validates
// invariants, bailing out early with a descriptive error.
func applyOptions(cfg *config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.cacheCapacity <= 0 {
		return errInvalidCacheCapacity
	}
	if cfg.pageSize < 512 || !unsafehelpers.IsPowerOfTwo(uintptr(cfg.pageSize)) {
		return errInvalidPageSize
	}
	if len(cfg.sizeClasses) == 0 || len(cfg.sizeClasses) > 255 {
		return errInvalidSizeClasses
	}
	var prev uint32
	for _, sz := range cfg.sizeClasses {
		if sz <= prev || int(sz) > cfg.pageSize {
			return errInvalidSizeClasses
		}
		// The malloc-style prefix needs eight bytes even in the smallest
		// class.
		if sz < 8 {
			return errInvalidSizeClasses
		}
		prev = sz
	}
	return nil
}

/*
   ---------------- Error values ----------------
*/

var (
	// ErrUnsupportedSize rejects requests of zero bytes or beyond the
	// largest size class.
	ErrUnsupportedSize = errors.New("unsupported allocation size")
	// ErrInvalidEpoch rejects epoch indices outside the ring.
	ErrInvalidEpoch = errors.New("epoch index out of range")
	// ErrEpochNotClosing rejects EpochClose on an epoch that has not been
	// advanced past.
	ErrEpochNotClosing = errors.New("epoch is not closing")
	// ErrStaleDomain rejects a force-close whose captured era no longer
	// matches the ring slot (the slot was reused by a newer epoch).
	ErrStaleDomain = errors.New("domain era no longer matches its epoch")
	// ErrAllocatorClosed rejects use after Close.
	ErrAllocatorClosed = errors.New("allocator is closed")

	// ErrEpochClosed and ErrOutOfMemory originate in the pool; re-exported
	// so callers never import internal packages.
	ErrEpochClosed = pool.ErrEpochClosed
	ErrOutOfMemory = pool.ErrOutOfMemory

	errInvalidCacheCapacity = errors.New("cache capacity must be > 0")
	errInvalidPageSize      = errors.New("page size must be a power of two >= 512")
	errInvalidSizeClasses   = errors.New("size classes must be strictly ascending, >= 8 bytes, and fit one page")
)
