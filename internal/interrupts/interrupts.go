// Package interrupts implements the descriptor-table handler registry and
// end-of-interrupt routing half of L3 (spec.md §4.5); TSC/RTC
// timekeeping lives in internal/timekeep. Grounded on the teacher's
// msi package (msi/msi.go) for the mutex-guarded fixed-table idiom, and
// on original_source/kernel/src/time.rs's APIC-if-initialized-else-PIC
// comment (still a TODO there) for the EOI routing rule this package
// actually implements.
package interrupts

import (
	"errors"
	"sync"

	"github.com/nyxkernel/nyxcore/internal/arch"
)

// Reserved vector numbers for the handlers the descriptor table installs
// unconditionally at boot.
const (
	VectorBreakpoint  = 3
	VectorPageFault   = 14
	VectorDoubleFault = 8
	VectorTimer       = 32
	VectorKeyboard    = 33
)

const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1
	picEOI           = 0x20

	apicEOIRegister = 0xFEE000B0
)

var ErrNoHandler = errors.New("interrupts: no handler installed for vector")

// Handler is invoked when its vector fires. It returns nothing and is not
// expected to block; the scheduler tick hook (for VectorTimer) is called
// synchronously from here.
type Handler func()

// Table is the descriptor table's handler registry plus EOI routing
// state. A zero Table uses the legacy PIC until SetAPICReady is called.
type Table struct {
	mu        sync.RWMutex
	handlers  map[uint8]Handler
	apicReady bool
}

// NewTable installs the handlers every boot always installs
// (breakpoint, page fault, double fault, timer, keyboard), per spec.md
// §4.5, leaving their bodies to the caller.
func NewTable(breakpoint, pageFault, doubleFault, timer, keyboard Handler) *Table {
	t := &Table{handlers: make(map[uint8]Handler)}
	t.Install(VectorBreakpoint, breakpoint)
	t.Install(VectorPageFault, pageFault)
	t.Install(VectorDoubleFault, doubleFault)
	t.Install(VectorTimer, timer)
	t.Install(VectorKeyboard, keyboard)
	return t
}

// Install registers (or replaces) the handler for vector.
func (t *Table) Install(vector uint8, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[vector] = h
}

// Dispatch invokes the handler for vector, then sends end-of-interrupt,
// routed to the APIC if it's initialized and to the legacy PIC otherwise.
func (t *Table) Dispatch(vector uint8) error {
	t.mu.RLock()
	h, ok := t.handlers[vector]
	apicReady := t.apicReady
	t.mu.RUnlock()

	if !ok {
		return ErrNoHandler
	}
	h()
	sendEOI(vector, apicReady)
	return nil
}

// SetAPICReady switches EOI routing to the APIC. Once set it is never
// cleared back to PIC routing for the life of the table.
func (t *Table) SetAPICReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apicReady = true
}

func sendEOI(vector uint8, apicReady bool) {
	if apicReady {
		arch.MmioWrite32(apicEOIRegister, 0)
		return
	}
	arch.Outb(picMasterCommand, picEOI)
	if vector >= 40 {
		arch.Outb(picSlaveCommand, picEOI)
	}
}

// RemapPIC reprograms the legacy 8259 PICs so their vectors don't overlap
// CPU exception vectors (0-31), moving the master to offsetMaster and the
// slave to offsetSlave.
func RemapPIC(offsetMaster, offsetSlave uint8) {
	const (
		icw1Init    = 0x11
		icw4_8086   = 0x01
	)
	masterMask := arch.Inb(picMasterData)
	slaveMask := arch.Inb(picSlaveData)

	arch.Outb(picMasterCommand, icw1Init)
	arch.Outb(picSlaveCommand, icw1Init)
	arch.Outb(picMasterData, offsetMaster)
	arch.Outb(picSlaveData, offsetSlave)
	arch.Outb(picMasterData, 4) // slave attached to IRQ2
	arch.Outb(picSlaveData, 2)
	arch.Outb(picMasterData, icw4_8086)
	arch.Outb(picSlaveData, icw4_8086)

	arch.Outb(picMasterData, masterMask)
	arch.Outb(picSlaveData, slaveMask)
}
