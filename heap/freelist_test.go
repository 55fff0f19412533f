package heap

import (
	"testing"

	"github.com/memlabs/segheap/layout"
	"github.com/stretchr/testify/require"
)

func TestSizeClassBoundaries(t *testing.T) {
	cases := []struct {
		size  int
		class int
	}{
		{16, 0},
		{24, 0},
		{32, 0},
		{33, 1},
		{40, 1},
		{64, 1},
		{65, 2},
		{128, 2},
		{129, 3},
		{4096, 7},
		{4097, 8},
		{1 << 20, 15},
		{1<<20 + 8, 16},
		{1 << 24, 16},
		{1 << 30, 16},
	}

	for _, c := range cases {
		require.Equal(t, c.class, sizeClass(c.size), "size %d", c.size)
	}
}

func TestInsertIsLIFO(t *testing.T) {
	h, err := New(Options{})
	require.NoError(t, err)

	var refs []layout.Ref
	for i := 0; i < 3; i++ {
		ref, allocErr := h.Alloc(16)
		require.NoError(t, allocErr)
		refs = append(refs, ref)
	}
	_, err = h.Alloc(16)
	require.NoError(t, err)

	for _, ref := range refs {
		require.NoError(t, h.Free(ref))
	}

	// Head of the class is the most recently freed block, links run back in order
	class := sizeClass(24)
	require.Equal(t, refs[2], h.buckets[class])
	require.Equal(t, refs[1], layout.NextFree(h.arena, refs[2]))
	require.Equal(t, refs[0], layout.NextFree(h.arena, refs[1]))
	require.Equal(t, layout.NullRef, layout.NextFree(h.arena, refs[0]))
}

func TestRemoveFromMiddleOfList(t *testing.T) {
	h, err := New(Options{})
	require.NoError(t, err)

	var refs []layout.Ref
	for i := 0; i < 3; i++ {
		ref, allocErr := h.Alloc(16)
		require.NoError(t, allocErr)
		refs = append(refs, ref)
		_, err = h.Alloc(16)
		require.NoError(t, err)
	}

	for _, ref := range refs {
		require.NoError(t, h.Free(ref))
	}

	h.removeFreeBlock(refs[1])

	class := sizeClass(24)
	require.Equal(t, refs[2], h.buckets[class])
	require.Equal(t, refs[0], layout.NextFree(h.arena, refs[2]))
	require.Equal(t, refs[2], layout.PrevFree(h.arena, refs[0]))

	// Reinsert so the heap is consistent again
	h.insertFreeBlock(refs[1])
	require.NoError(t, h.Validate())
}

func TestFindFitEscalatesClasses(t *testing.T) {
	h, err := New(Options{})
	require.NoError(t, err)

	small, err := h.Alloc(24) // 32-byte block, class 0
	require.NoError(t, err)
	_, err = h.Alloc(16)
	require.NoError(t, err)
	large, err := h.Alloc(250) // 256-byte block, class 3
	require.NoError(t, err)
	_, err = h.Alloc(16)
	require.NoError(t, err)

	require.NoError(t, h.Free(small))
	require.NoError(t, h.Free(large))

	// A request too big for the class-0 block skips it and lands on the class-3 one
	ref, found := h.findFit(64)
	require.True(t, found)
	require.Equal(t, large, ref)

	// A request that fits the class-0 block takes it first
	ref, found = h.findFit(32)
	require.True(t, found)
	require.Equal(t, small, ref)
}

func TestFindFitScansWithinClass(t *testing.T) {
	h, err := New(Options{})
	require.NoError(t, err)

	bigger, err := h.Alloc(28) // 32-byte block
	require.NoError(t, err)
	_, err = h.Alloc(16)
	require.NoError(t, err)
	smaller, err := h.Alloc(12) // 16-byte block, same class
	require.NoError(t, err)
	_, err = h.Alloc(16)
	require.NoError(t, err)

	require.NoError(t, h.Free(bigger))
	require.NoError(t, h.Free(smaller))

	// smaller is the LIFO head of class 0 but cannot satisfy 32 bytes; the scan
	// must pass over it within the class
	ref, found := h.findFit(32)
	require.True(t, found)
	require.Equal(t, bigger, ref)
}

func TestAdjustSize(t *testing.T) {
	require.Equal(t, 16, adjustSize(1))
	require.Equal(t, 16, adjustSize(8))
	require.Equal(t, 16, adjustSize(12))
	require.Equal(t, 24, adjustSize(13))
	require.Equal(t, 24, adjustSize(16))
	require.Equal(t, 24, adjustSize(20))
	require.Equal(t, 32, adjustSize(24))
	require.Equal(t, 4104, adjustSize(4097))
}
