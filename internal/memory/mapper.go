package memory

import (
	"errors"
	"sync"
)

// ErrAlreadyMapped indicates a page was already present; heap bootstrap
// swallows this (spec.md §7: "Already-mapped page during heap bootstrap:
// swallowed"). Any other caller treats it as an ordinary error.
var ErrAlreadyMapped = errors.New("memory: page already mapped")

// ErrOutOfFrames indicates the backing FrameAllocator is exhausted.
var ErrOutOfFrames = errors.New("memory: frame allocator exhausted")

// PageTable abstracts the level-4 page table so the mapper can be driven
// either by a real linear-offset-mapped table (constructed by reading CR3,
// per spec.md §4.1) or, in tests, by a software model — mirroring the
// teacher's Page_i interface, which lets the rest of the kernel never know
// whether it's talking to real hardware.
type PageTable interface {
	// Translate returns the physical frame currently mapped at va, if any.
	Translate(va uintptr) (Pa, bool)
	// Map installs va -> pa with the given permission flags. Returns
	// ErrAlreadyMapped if va already has a mapping, whatever its frame.
	Map(va uintptr, pa Pa, flags Pa) error
	// Unmap removes any mapping at va. A no-op if nothing was mapped.
	Unmap(va uintptr)
}

// Mapper serializes access to a PageTable the way the teacher's with_mapper
// makes exclusive use statically visible — every caller must go through
// WithMapper instead of holding a table reference across calls.
type Mapper struct {
	mu     sync.Mutex
	table  PageTable
	offset uintptr // PhysMemOffset: constant linear offset for phys<->virt
}

// NewMapper constructs a mapper around an already-built page table view and
// the kernel's fixed physical-memory linear offset.
func NewMapper(table PageTable, physMemOffset uintptr) *Mapper {
	return &Mapper{table: table, offset: physMemOffset}
}

// WithMapper runs fn with exclusive access to the page table.
func (m *Mapper) WithMapper(fn func(PageTable) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.table)
}

// PhysToVirt applies the kernel's constant physical-memory offset.
func (m *Mapper) PhysToVirt(pa Pa) uintptr {
	return uintptr(pa) + m.offset
}

// MapRange maps every page in [va, va+size) to freshly allocated frames
// with the given flags. On any failure other than ErrAlreadyMapped, every
// page mapped earlier in this call is rolled back (unmapped and its frame
// released) so the caller sees an all-or-nothing batch. An ErrAlreadyMapped
// page is skipped and its spare frame released, matching the heap
// bootstrap's tolerated-race behavior (spec.md §4.2, §9).
func (m *Mapper) MapRange(fa *FrameAllocator, va uintptr, size uintptr, flags Pa) error {
	var mapped []uintptr

	rollback := func() {
		_ = m.WithMapper(func(pt PageTable) error {
			for _, v := range mapped {
				if frame, ok := pt.Translate(v); ok {
					pt.Unmap(v)
					fa.DeallocateFrame(frame)
				}
			}
			return nil
		})
	}

	for off := uintptr(0); off < size; off += PGSIZE {
		page := va + off
		frame, ok := fa.AllocateFrame()
		if !ok {
			rollback()
			return ErrOutOfFrames
		}

		err := m.WithMapper(func(pt PageTable) error {
			return pt.Map(page, frame, flags)
		})
		switch {
		case err == nil:
			mapped = append(mapped, page)
		case errors.Is(err, ErrAlreadyMapped):
			// Redundant frame: release it and move on, page already usable.
			fa.DeallocateFrame(frame)
		default:
			fa.DeallocateFrame(frame)
			rollback()
			return err
		}
	}
	return nil
}

// UnmapRange unmaps every page in [va, va+size) and releases the backing
// frames to fa.
func (m *Mapper) UnmapRange(fa *FrameAllocator, va uintptr, size uintptr) {
	_ = m.WithMapper(func(pt PageTable) error {
		for off := uintptr(0); off < size; off += PGSIZE {
			page := va + off
			if frame, ok := pt.Translate(page); ok {
				pt.Unmap(page)
				fa.DeallocateFrame(frame)
			}
		}
		return nil
	})
}
