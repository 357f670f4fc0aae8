package slab_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	slab "github.com/Voskan/temporal-slab/pkg"
)

func TestDomainEnterExitMirrorsRefcount(t *testing.T) {
	a := newTestAllocator(t)
	s := a.NewDomainStack()

	d := s.Create()
	e := d.Epoch()
	assert.Equal(t, a.EpochCurrent(), e)
	assert.Equal(t, int64(0), a.EpochRefcount(e))

	s.Enter(d)
	assert.Equal(t, int64(1), a.EpochRefcount(e), "local 0→1 increments the epoch refcount")
	assert.Equal(t, 1, d.Refs())
	assert.Same(t, d, s.Current())

	// Re-entering the same domain deepens only the local count.
	s.Enter(d)
	assert.Equal(t, int64(1), a.EpochRefcount(e))
	assert.Equal(t, 2, d.Refs())

	s.Exit(d)
	assert.Equal(t, int64(1), a.EpochRefcount(e))
	s.Exit(d)
	assert.Equal(t, int64(0), a.EpochRefcount(e), "local 1→0 decrements the epoch refcount")
	assert.Nil(t, s.Current())

	d.Destroy()
}

func TestDistinctDomainsNestLIFO(t *testing.T) {
	a := newTestAllocator(t)
	s := a.NewDomainStack()

	outer := s.Create()
	inner := s.Create()
	s.Enter(outer)
	s.Enter(inner)
	assert.Equal(t, 2, s.Depth())
	assert.Same(t, inner, s.Current())

	s.Exit(inner)
	s.Exit(outer)
	assert.Equal(t, 0, s.Depth())
}

func TestNonLIFOExitPanics(t *testing.T) {
	a := newTestAllocator(t)
	s := a.NewDomainStack()

	outer := s.Create()
	inner := s.Create()
	s.Enter(outer)
	s.Enter(inner)

	assert.Panics(t, func() { s.Exit(outer) })
}

func TestForeignStackPanics(t *testing.T) {
	a := newTestAllocator(t)
	s1 := a.NewDomainStack()
	s2 := a.NewDomainStack()

	d := s1.Create()
	assert.Panics(t, func() { s2.Enter(d) })
}

func TestNestingDepthLimit(t *testing.T) {
	a := newTestAllocator(t)
	s := a.NewDomainStack()
	d := s.Create()

	// The 32nd nested enter succeeds; the 33rd is a contract violation.
	for i := 0; i < slab.MaxDomainDepth; i++ {
		s.Enter(d)
	}
	assert.Equal(t, slab.MaxDomainDepth, s.Depth())
	assert.Panics(t, func() { s.Enter(d) })

	for i := 0; i < slab.MaxDomainDepth; i++ {
		s.Exit(d)
	}
}

func TestDestroyEnteredDomainPanics(t *testing.T) {
	a := newTestAllocator(t)
	s := a.NewDomainStack()
	d := s.Create()
	s.Enter(d)
	assert.Panics(t, func() { d.Destroy() })
	s.Exit(d)
	d.Destroy()
	assert.Panics(t, func() { s.Enter(d) }, "use after Destroy")
}

func TestAutoCloseFiresOnMatchingEra(t *testing.T) {
	a := newTestAllocator(t)
	s := a.NewDomainStack()

	e := a.EpochCurrent()
	d, err := s.Wrap(e, true)
	require.NoError(t, err)
	s.Enter(d)

	// Fill and drain a few slabs inside the domain's phase.
	handles := make([]slab.Handle, 0, 256)
	for i := 0; i < 256; i++ {
		_, h, err := a.Allocate(128, e)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.True(t, a.Free(h))
	}

	a.EpochAdvance()

	// Last exit drops the refcount to zero with a matching era: the
	// CLOSING epoch is reclaimed on the spot.
	s.Exit(d)
	st := a.Stats()
	assert.NotZero(t, st.DecommitCalls, "auto-close must have reclaimed the phase")
	d.Destroy()
}

func TestAutoCloseRefusesStaleEra(t *testing.T) {
	a := newTestAllocator(t)
	s := a.NewDomainStack()

	e := a.EpochCurrent()
	d, err := s.Wrap(e, true)
	require.NoError(t, err)
	s.Enter(d)

	// Wrap the ring completely plus one: slot e has been reused by a new
	// incarnation and is CLOSING again with a strictly newer era.
	for i := 0; i < slab.EpochCount+1; i++ {
		cur := a.EpochCurrent()
		_, h, allocErr := a.Allocate(64, cur)
		require.NoError(t, allocErr)
		require.True(t, a.Free(h))
		a.EpochAdvance()
	}
	require.Equal(t, slab.EpochClosing, a.EpochState(e))
	require.NotEqual(t, d.Era(), a.EpochEra(e))

	before := a.Stats()
	s.Exit(d)
	after := a.Stats()
	assert.Equal(t, before.DecommitCalls, after.DecommitCalls,
		"exit must not close the new incarnation of the ring slot")

	assert.ErrorIs(t, d.ForceClose(), slab.ErrStaleDomain)
	d.Destroy()
}

func TestForceCloseWithMatchingEra(t *testing.T) {
	a := newTestAllocator(t)
	s := a.NewDomainStack()

	d := s.Create()
	e := d.Epoch()
	a.EpochAdvance()
	require.NoError(t, d.ForceClose())
	assert.Equal(t, slab.EpochClosing, a.EpochState(e))
	d.Destroy()
}

func TestWrapValidatesEpoch(t *testing.T) {
	a := newTestAllocator(t)
	s := a.NewDomainStack()
	_, err := s.Wrap(-1, false)
	assert.ErrorIs(t, err, slab.ErrInvalidEpoch)
	_, err = s.Wrap(slab.EpochCount, false)
	assert.ErrorIs(t, err, slab.ErrInvalidEpoch)
}
