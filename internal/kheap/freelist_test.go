package kheap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeListAllocBasic(t *testing.T) {
	fl := NewFreeListAllocator(make([]byte, 4096))
	a, err := fl.Alloc(100)
	require.NoError(t, err)
	require.Len(t, a, 100)

	b, err := fl.Alloc(200)
	require.NoError(t, err)
	require.Len(t, b, 200)

	// Distinct, non-overlapping regions.
	a[0] = 1
	b[0] = 2
	require.Equal(t, byte(1), a[0])
}

func TestFreeListAllocExhaustion(t *testing.T) {
	fl := NewFreeListAllocator(make([]byte, 64))
	_, err := fl.Alloc(1000)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestFreeListFreeAndCoalesce(t *testing.T) {
	fl := NewFreeListAllocator(make([]byte, 256))
	a, err := fl.Alloc(64)
	require.NoError(t, err)
	b, err := fl.Alloc(64)
	require.NoError(t, err)

	require.NoError(t, fl.Free(a))
	require.NoError(t, fl.Free(b))

	// Freed space should be reusable as one contiguous block.
	c, err := fl.Alloc(200)
	require.NoError(t, err)
	require.Len(t, c, 200)
}

func TestFreeListInvalidFree(t *testing.T) {
	fl := NewFreeListAllocator(make([]byte, 64))
	err := fl.Free(make([]byte, 8)) // not from this allocator
	require.ErrorIs(t, err, ErrInvalidFree)
}

func TestHeapServesWholeSizeInChunks(t *testing.T) {
	// P5: allocating HEAP_SIZE bytes in 64 KiB chunks succeeds after init.
	const heapSize = 1 << 20 // 1 MiB, kept small for the test
	const chunk = 64 * 1024
	arena := make([]byte, heapSize)
	h := NewHeapFromArena(0xdead0000, arena)

	var chunks [][]byte
	total := 0
	for total < heapSize {
		buf, err := h.Alloc(chunk)
		require.NoError(t, err)
		chunks = append(chunks, buf)
		total += chunk
	}
	require.Equal(t, heapSize, total)
	require.Equal(t, heapSize/chunk, len(chunks))
}
