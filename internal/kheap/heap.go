package kheap

import (
	"unsafe"

	"github.com/nyxkernel/nyxcore/internal/memory"
)

// Heap owns the kernel's single heap range. Once Init succeeds it is the
// global allocator for the kernel, matching spec.md §4.2's "post-init it is
// the global allocator" contract.
type Heap struct {
	alloc *FreeListAllocator
	base  uintptr
	size  uintptr
}

// Init maps every page in [base, base+size) RW/PRESENT via mapper, then
// hands the mapped range to a fresh FreeListAllocator. On any failure after
// partial success, MapRange has already unmapped and released every frame
// it mapped during this call (spec.md §4.2 step 2), so Init itself has
// nothing left to roll back.
func (h *Heap) Init(mapper *memory.Mapper, fa *memory.FrameAllocator, base, size uintptr) error {
	if err := mapper.MapRange(fa, base, size, memory.PTE_P|memory.PTE_W); err != nil {
		return err
	}
	h.base = base
	h.size = size
	h.alloc = NewFreeListAllocator(viewAt(base, size))
	return nil
}

// viewAt reinterprets the mapped virtual range as a byte slice. This is the
// one place the heap touches raw memory directly; everything above this
// layer works in terms of []byte.
func viewAt(base uintptr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}

// NewHeapFromArena builds a Heap directly over caller-provided backing
// memory, skipping the mapper entirely. This is how hosted tests and the
// out-of-kernel SLO/test tooling exercise the free-list allocator without a
// real MMU — spec.md's P5 property (heap init + alloc-in-chunks) is checked
// this way.
func NewHeapFromArena(base uintptr, arena []byte) *Heap {
	return &Heap{base: base, size: uintptr(len(arena)), alloc: NewFreeListAllocator(arena)}
}

// Alloc allocates size bytes from the heap.
func (h *Heap) Alloc(size int) ([]byte, error) {
	return h.alloc.Alloc(size)
}

// Free releases a previously allocated block.
func (h *Heap) Free(buf []byte) error {
	return h.alloc.Free(buf)
}

// FreeBytes reports bytes currently available.
func (h *Heap) FreeBytes() int {
	return h.alloc.FreeBytes()
}

// Base returns the heap's virtual base address.
func (h *Heap) Base() uintptr { return h.base }

// Size returns the heap's total size in bytes.
func (h *Heap) Size() uintptr { return h.size }
