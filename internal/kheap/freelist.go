// Package kheap implements the kernel heap (L2): a locked free-list
// allocator over a backing byte arena, initialized once after the L1 mapper
// is ready (spec.md §4.2). The allocator itself is grounded on the
// original_source heap.rs contract (map pages, hand base+size to the
// allocator, roll back on partial failure); it's written fresh here since
// the teacher is the Go runtime and has no free-list allocator of its own
// to adapt — the free-list bookkeeping below follows the same "locked
// singleton, first-fit scan" discipline the teacher applies to
// mem.Physmem_t. The bookkeeping itself (free-list nodes and the in-use
// map) is allocated on the Go heap, outside the arena.
package kheap

import (
	"errors"
	"sync"
	"unsafe"
)

// ErrOutOfMemory is returned when no free block is large enough.
var ErrOutOfMemory = errors.New("kheap: out of memory")

// ErrInvalidFree is returned when Free is called with a pointer the
// allocator never handed out.
var ErrInvalidFree = errors.New("kheap: invalid free")

const minBlockSize = 16
const alignment = 8

type freeBlock struct {
	offset int
	size   int
	next   *freeBlock
}

// FreeListAllocator is a first-fit free-list allocator over a fixed byte
// arena. It never grows; callers size the arena at construction.
type FreeListAllocator struct {
	mu    sync.Mutex
	arena []byte
	head  *freeBlock
	// inUse maps the offset of a live allocation to its size, so Free can
	// validate the pointer and recover the block size without a header
	// stored inline in the arena (keeping the hot allocation path free of
	// extra bookkeeping writes into caller-visible memory).
	inUse map[int]int
}

// NewFreeListAllocator builds an allocator over arena, which must already
// be backed by mapped, writable memory.
func NewFreeListAllocator(arena []byte) *FreeListAllocator {
	return &FreeListAllocator{
		arena: arena,
		head:  &freeBlock{offset: 0, size: len(arena)},
		inUse: make(map[int]int),
	}
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// Alloc returns a byte slice of length size backed by the arena, or
// ErrOutOfMemory if no free block is large enough.
func (a *FreeListAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("kheap: invalid size")
	}
	need := alignUp(size, alignment)
	if need < minBlockSize {
		need = minBlockSize
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var prev *freeBlock
	for b := a.head; b != nil; b = b.next {
		if b.size >= need {
			offset := b.offset
			if b.size == need {
				if prev == nil {
					a.head = b.next
				} else {
					prev.next = b.next
				}
			} else {
				b.offset += need
				b.size -= need
			}
			a.inUse[offset] = need
			return a.arena[offset : offset+size : offset+need], nil
		}
		prev = b
	}
	return nil, ErrOutOfMemory
}

// Free releases a slice previously returned by Alloc, merging it back into
// the free list (coalescing adjacent blocks to bound fragmentation).
func (a *FreeListAllocator) Free(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	offset := a.offsetOf(buf)

	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.inUse[offset]
	if !ok {
		return ErrInvalidFree
	}
	delete(a.inUse, offset)
	a.insertFree(offset, size)
	return nil
}

func (a *FreeListAllocator) offsetOf(buf []byte) int {
	base := unsafe.Pointer(&a.arena[0])
	p := unsafe.Pointer(&buf[0])
	return int(uintptr(p) - uintptr(base))
}

func (a *FreeListAllocator) insertFree(offset, size int) {
	nb := &freeBlock{offset: offset, size: size}

	if a.head == nil || offset < a.head.offset {
		nb.next = a.head
		a.head = nb
		a.coalesce(nb)
		return
	}

	cur := a.head
	for cur.next != nil && cur.next.offset < offset {
		cur = cur.next
	}
	nb.next = cur.next
	cur.next = nb
	a.coalesce(cur)
	if cur.next == nb {
		// cur and nb were not adjacent; nb may still touch its successor.
		a.coalesce(nb)
	}
}

// coalesce merges start with its immediate successors while they are
// address-contiguous.
func (a *FreeListAllocator) coalesce(start *freeBlock) {
	for start.next != nil && start.offset+start.size == start.next.offset {
		start.size += start.next.size
		start.next = start.next.next
	}
}

// FreeBytes returns the total number of bytes currently unallocated.
func (a *FreeListAllocator) FreeBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for b := a.head; b != nil; b = b.next {
		total += b.size
	}
	return total
}
