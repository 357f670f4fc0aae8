package slabs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookup(t *testing.T) {
	r := NewRegistry()
	s := New(0, 128, make([]byte, 4096))
	id, gen, err := r.Register(s)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID())
	assert.Equal(t, gen, s.Generation())
	assert.Same(t, s, r.Lookup(id, gen))
}

func TestLookupGenerationMismatch(t *testing.T) {
	r := NewRegistry()
	s := New(0, 128, make([]byte, 4096))
	id, gen, err := r.Register(s)
	require.NoError(t, err)

	assert.Nil(t, r.Lookup(id, gen+1))
	assert.Nil(t, r.Lookup(id+1, gen), "never-issued id")
	assert.Nil(t, r.Lookup(1<<22-1, 0), "id in an unmaterialised segment")
	assert.Nil(t, r.Lookup(1<<23, 0), "id beyond the 22-bit space")
}

func TestBumpGenerationInvalidatesOldHandles(t *testing.T) {
	r := NewRegistry()
	s := New(0, 128, make([]byte, 4096))
	id, gen, err := r.Register(s)
	require.NoError(t, err)

	newGen := r.BumpGeneration(id)
	assert.NotEqual(t, gen, newGen)
	assert.Nil(t, r.Lookup(id, gen), "old generation must fail")
	assert.Same(t, s, r.Lookup(id, newGen), "slab stays reachable under the new generation")
}

func TestRetireClearsAndRecyclesID(t *testing.T) {
	r := NewRegistry()
	s := New(0, 128, make([]byte, 4096))
	id, gen, err := r.Register(s)
	require.NoError(t, err)

	r.Retire(id)
	assert.Nil(t, r.Lookup(id, gen))

	// The freed id is handed out again with a fresh generation.
	s2 := New(0, 128, make([]byte, 4096))
	id2, gen2, err := r.Register(s2)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.NotEqual(t, gen, gen2)
	assert.Same(t, s2, r.Lookup(id2, gen2))
	assert.Nil(t, r.Lookup(id, gen), "pre-retire handle stays dead")
}

func TestLiveCount(t *testing.T) {
	r := NewRegistry()
	ids := make([]uint32, 0, 5)
	for i := 0; i < 5; i++ {
		s := New(0, 128, make([]byte, 4096))
		id, _, err := r.Register(s)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 5, r.Live())
	r.Retire(ids[0])
	assert.Equal(t, 4, r.Live())
}
