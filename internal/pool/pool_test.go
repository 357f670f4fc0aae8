package pool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Voskan/temporal-slab/internal/epochring"
	"github.com/Voskan/temporal-slab/internal/handle"
	"github.com/Voskan/temporal-slab/internal/slabs"
)

const testPageSize = 4096

func newTestPool(t *testing.T, size uint32) (*Pool, *epochring.Ring) {
	t.Helper()
	ring := epochring.New()
	reg := slabs.NewRegistry()
	p := New(Config{
		Class:             0,
		Size:              size,
		PageSize:          testPageSize,
		CacheCapacity:     32,
		DecommitOnRecycle: true,
	}, ring, reg)
	t.Cleanup(func() { _ = p.Destroy() })
	return p, ring
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	p, ring := newTestPool(t, 128)
	e := ring.Current()

	buf, h, err := p.Allocate(e)
	require.NoError(t, err)
	require.Len(t, buf, 128)
	require.True(t, h.FormatOK())

	// The slot is writable end to end.
	for i := range buf {
		buf[i] = byte(i)
	}

	assert.True(t, p.Free(h))
	assert.False(t, p.Free(h), "second free of the same handle")
	require.NoError(t, p.VerifyInvariants())
}

func TestAllocateIntoClosingEpochFails(t *testing.T) {
	p, ring := newTestPool(t, 128)
	closed, _ := ring.Advance()
	_, _, err := p.Allocate(closed)
	assert.ErrorIs(t, err, ErrEpochClosed)

	st := p.Snapshot()
	assert.Equal(t, uint64(1), st.ClosedRejects)
}

func TestAllocateIntoUnusedEpochFails(t *testing.T) {
	p, _ := newTestPool(t, 128)
	_, _, err := p.Allocate(7)
	assert.ErrorIs(t, err, ErrEpochClosed)
}

func TestHandleGenerationProtectsRecycledSlabs(t *testing.T) {
	p, ring := newTestPool(t, 128)
	e := ring.Current()
	n := int(slabs.SlotsFor(128, testPageSize))

	// Fill one slab exactly and free everything; the last free pushes the
	// slab onto the empty queue.
	handles := make([]handle.Handle, 0, n)
	for i := 0; i < n; i++ {
		_, h, err := p.Allocate(e)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.True(t, p.Free(h))
	}

	// Advance so the next allocation misses its publication and takes the
	// slow path, which harvests the queue and reuses the slab with a
	// bumped generation.
	_, opened := ring.Advance()
	p.OnAdvance(e)
	_, h2, err := p.Allocate(opened)
	require.NoError(t, err)

	// Every pre-recycle handle must now fail validation.
	for _, h := range handles {
		assert.False(t, p.Free(h), "stale handle into recycled slab")
	}
	assert.True(t, p.Free(h2))

	st := p.Snapshot()
	assert.NotZero(t, st.Recycled)
	assert.NotZero(t, st.EmptyPushes)
	assert.Equal(t, uint64(len(handles)), st.InvalidFrees)
}

func TestFullToPartialMigration(t *testing.T) {
	p, ring := newTestPool(t, 768) // 5 slots per slab keeps the test small
	e := ring.Current()
	n := int(slabs.SlotsFor(768, testPageSize))

	handles := make([]handle.Handle, 0, 2*n)
	for i := 0; i < 2*n; i++ { // fill two slabs
		_, h, err := p.Allocate(e)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	st := p.Snapshot()
	require.GreaterOrEqual(t, st.FullSlabs, 1)

	// Freeing one object out of a full slab must migrate it back.
	require.True(t, p.Free(handles[0]))
	st = p.Snapshot()
	assert.GreaterOrEqual(t, st.PartialSlabs, 1)
	require.NoError(t, p.VerifyInvariants())

	for _, h := range handles[1:] {
		require.True(t, p.Free(h))
	}
}

func TestContinuousRecyclingBoundsSlowPath(t *testing.T) {
	p, ring := newTestPool(t, 128)
	e := ring.Current()
	n := int(slabs.SlotsFor(128, testPageSize))

	// Sustained churn with a bounded working set and no epoch close: the
	// pool must recycle through its cache instead of mapping new pages.
	live := make([]handle.Handle, 0, n*2)
	for round := 0; round < 200; round++ {
		for i := 0; i < n*2; i++ {
			_, h, err := p.Allocate(e)
			require.NoError(t, err)
			live = append(live, h)
		}
		for _, h := range live {
			require.True(t, p.Free(h))
		}
		live = live[:0]
	}

	st := p.Snapshot()
	assert.LessOrEqual(t, st.PageMaps, uint64(8),
		"working set of 2 slabs must not keep mapping pages (got %d maps)", st.PageMaps)
	assert.NotZero(t, st.CacheHits)
	assert.NotZero(t, st.EmptyHarvests)
}

func TestCloseEpochReclaimsPages(t *testing.T) {
	p, ring := newTestPool(t, 128)
	e := ring.Current()
	n := int(slabs.SlotsFor(128, testPageSize))
	total := 10 * n

	handles := make([]handle.Handle, 0, total)
	for i := 0; i < total; i++ {
		_, h, err := p.Allocate(e)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.True(t, p.Free(h))
	}

	ring.Advance()
	res := p.CloseEpoch(e)

	st := p.Snapshot()
	recyclable := st.CachedSlabs + st.OverflowSlabs
	assert.GreaterOrEqual(t, recyclable, 10,
		"all ten emptied slabs must be recyclable after close")
	assert.NotZero(t, st.Decommits, "close must return pages")
	assert.LessOrEqual(t, res.ResidentAfter, res.ResidentBefore)

	// Closing again reclaims nothing further.
	res2 := p.CloseEpoch(e)
	assert.Zero(t, res2.Reclaimed)
}

func TestOnAdvanceDropsPublication(t *testing.T) {
	p, ring := newTestPool(t, 128)
	e := ring.Current()
	_, h, err := p.Allocate(e)
	require.NoError(t, err)
	require.NotNil(t, p.current[e].Load())

	p.OnAdvance(e)
	assert.Nil(t, p.current[e].Load())
	assert.True(t, p.Free(h), "frees stay valid after advance")
}

func TestCrossGoroutineFree(t *testing.T) {
	p, ring := newTestPool(t, 192)
	e := ring.Current()

	_, h, err := p.Allocate(e)
	require.NoError(t, err)

	done := make(chan bool)
	go func() { done <- p.Free(h) }()
	require.True(t, <-done)
	assert.False(t, p.Free(h))
}

func TestConcurrentChurnKeepsInvariants(t *testing.T) {
	p, ring := newTestPool(t, 64)
	e := ring.Current()

	var g errgroup.Group
	var failedFrees atomic.Uint64
	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			local := make([]handle.Handle, 0, 64)
			for i := 0; i < 2000; i++ {
				_, h, err := p.Allocate(e)
				if err != nil {
					return err
				}
				local = append(local, h)
				if len(local) == 64 {
					for _, lh := range local {
						if !p.Free(lh) {
							failedFrees.Add(1)
						}
					}
					local = local[:0]
				}
			}
			for _, lh := range local {
				p.Free(lh)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, p.VerifyInvariants())

	// A handle can be invalidated by a racing harvest in a vanishingly
	// narrow window; anything beyond noise means the generation scheme is
	// broken.
	assert.Less(t, failedFrees.Load(), uint64(5))
}

func TestAdaptiveScanSamplesUnderContention(t *testing.T) {
	p, ring := newTestPool(t, 64)
	e := ring.Current()
	// Shrink the heartbeat so the controller gets enough samples within a
	// test-sized run; thresholds and dwell are untouched.
	p.SetHeartbeatShift(8)

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		g.Go(func() error {
			for i := 0; i < 30000; i++ {
				_, h, err := p.Allocate(e)
				if err != nil {
					return err
				}
				if !p.Free(h) {
					t.Error("free failed under contention")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Whether the retry rate crosses the enable threshold depends on core
	// count and scheduling, so engagement is only logged; the pool must have
	// counted attempts and must still be sound.
	st := p.Snapshot()
	assert.NotZero(t, st.AllocAttempts)
	require.NoError(t, p.VerifyInvariants())
	if st.ScanRandomized {
		t.Logf("randomized scan engaged at retry rate %.3f", st.RetryRate)
	}
}

func TestZombieRepairBounded(t *testing.T) {
	p, ring := newTestPool(t, 64)
	e := ring.Current()

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 5000; i++ {
				_, h, err := p.Allocate(e)
				if err != nil {
					return err
				}
				p.Free(h)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := p.Snapshot()
	// Repairs are defense-in-depth, not routine: well under 0.1% of allocs.
	assert.Less(t, float64(st.ZombieRepairs), float64(st.Allocs)*0.001)
	require.NoError(t, p.VerifyInvariants())
}

func TestForeignHandleRejected(t *testing.T) {
	p, _ := newTestPool(t, 128)
	other, otherRing := newTestPool(t, 128)

	_, h, err := other.Allocate(otherRing.Current())
	require.NoError(t, err)

	// Same-shaped handle, different registry: must be rejected.
	assert.False(t, p.Free(h))
}

func TestSnapshotCountersMoveTogether(t *testing.T) {
	p, ring := newTestPool(t, 256)
	e := ring.Current()

	before := p.Snapshot()
	_, h, err := p.Allocate(e)
	require.NoError(t, err)
	require.True(t, p.Free(h))
	after := p.Snapshot()

	assert.Equal(t, before.Allocs+1, after.Allocs)
	assert.Equal(t, before.Frees+1, after.Frees)
	assert.Equal(t, before.InvalidFrees, after.InvalidFrees)
}
