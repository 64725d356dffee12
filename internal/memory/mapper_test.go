package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const heapBase = uintptr(0xffff_c000_0000_0000)
const heapSize = 16 * PGSIZE

func TestMapRangeFreshMapping(t *testing.T) {
	table := NewSimTable()
	mapper := NewMapper(table, 0xffff_8000_0000_0000)
	fa := NewFrameAllocator([]Region{{Start: 0, End: 1 << 20, Usable: true}})

	err := mapper.MapRange(fa, heapBase, heapSize, PTE_P|PTE_W)
	require.NoError(t, err)
	require.Equal(t, 16, table.Len())
}

func TestMapRangeToleratesPreMappedPage(t *testing.T) {
	// S2: pre-map one page inside the heap range; init_heap-equivalent must
	// still succeed, that page stays mapped exactly once, and the rest get
	// mapped normally.
	table := NewSimTable()
	mapper := NewMapper(table, 0)
	fa := NewFrameAllocator([]Region{{Start: 0, End: 1 << 20, Usable: true}})

	preExisting := Pa(0x9000)
	table.PreMap(heapBase+3*PGSIZE, preExisting, PTE_P|PTE_W)

	err := mapper.MapRange(fa, heapBase, heapSize, PTE_P|PTE_W)
	require.NoError(t, err)
	require.Equal(t, 16, table.Len())

	got, ok := table.Translate(heapBase + 3*PGSIZE)
	require.True(t, ok)
	require.Equal(t, preExisting, got)
}

func TestMapRangeRollsBackOnExhaustion(t *testing.T) {
	table := NewSimTable()
	mapper := NewMapper(table, 0)
	// Only enough frames for half the range.
	fa := NewFrameAllocator([]Region{{Start: 0, End: 8 * PGSIZE, Usable: true}})

	err := mapper.MapRange(fa, heapBase, heapSize, PTE_P|PTE_W)
	require.ErrorIs(t, err, ErrOutOfFrames)
	require.Equal(t, 0, table.Len())
}

func TestUnmapRangeReleasesFrames(t *testing.T) {
	table := NewSimTable()
	mapper := NewMapper(table, 0)
	fa := NewFrameAllocator([]Region{{Start: 0, End: 4 * PGSIZE, Usable: true}})

	require.NoError(t, mapper.MapRange(fa, heapBase, 4*PGSIZE, PTE_P|PTE_W))
	mapper.UnmapRange(fa, heapBase, 4*PGSIZE)
	require.Equal(t, 0, table.Len())

	// Frames must be servable again.
	frame, ok := fa.AllocateFrame()
	require.True(t, ok)
	_ = frame
}
