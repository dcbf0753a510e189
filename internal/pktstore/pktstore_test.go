package pktstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeReleasesBuffer(t *testing.T) {
	s := New(4, 2, false)

	p1 := s.Alloc()
	require.NotZero(t, p1)
	assert.Equal(t, 1, s.RefCount(p1))

	p2 := s.Clone(p1)
	require.NotZero(t, p2)
	assert.Equal(t, 2, s.RefCount(p1))
	assert.Equal(t, 2, s.RefCount(p2))

	s.Free(p1)
	assert.Equal(t, 1, s.RefCount(p2))

	s.Free(p2)
	assert.Equal(t, 0, s.RefCount(p2))

	// Buffer pool should be back to full capacity: two more allocs
	// must succeed.
	q1 := s.Alloc()
	q2 := s.Alloc()
	assert.NotZero(t, q1)
	assert.NotZero(t, q2)
}

func TestAllocExhaustion(t *testing.T) {
	s := New(2, 1, false)

	p1 := s.Alloc()
	require.NotZero(t, p1)

	p2 := s.Alloc()
	assert.Zero(t, p2, "buffer pool exhausted, alloc must fail")
}

func TestFreeIsIdempotent(t *testing.T) {
	s := New(2, 2, false)
	p := s.Alloc()
	s.Free(p)
	assert.NotPanics(t, func() { s.Free(p) })
	assert.NotPanics(t, func() { s.Free(0) })
}

func TestFullCopyIsIndependent(t *testing.T) {
	s := New(4, 4, false)
	p := s.Alloc()
	h := s.Header(p)
	h.BufferLen = 24
	s.SetHeader(p, h)
	copy(s.Buffer(p), []byte("hello world on the wire!"))

	cp := s.FullCopy(p)
	require.NotZero(t, cp)
	assert.Equal(t, 1, s.RefCount(p))
	assert.Equal(t, 1, s.RefCount(cp))

	s.Buffer(cp)[0] = 'H'
	assert.NotEqual(t, s.Buffer(p)[0], s.Buffer(cp)[0])
}

func TestLockFreeVariantMatchesSTBehavior(t *testing.T) {
	s := New(4, 2, true)

	p1 := s.Alloc()
	require.NotZero(t, p1)
	p2 := s.Clone(p1)
	require.NotZero(t, p2)
	assert.Equal(t, 2, s.RefCount(p1))

	s.Free(p1)
	s.Free(p2)
	assert.Equal(t, 0, s.RefCount(p2))

	p3 := s.Alloc()
	assert.NotZero(t, p3)
}
