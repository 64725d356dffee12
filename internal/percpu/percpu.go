// Package percpu implements the per-CPU accounting structures (L4), spec.md
// §4.5. Each CpuData is update-heavy (it is not padded or aligned to a
// cache line; see cacheLinePad); the counters
// follow the teacher's Accnt_t convention (atomic adds on a plain field,
// no lock on the hot path) from accnt/accnt.go, generalized from "user and
// system nanoseconds" to the fuller per-CPU counter set of
// original_source/kernel/src/percpu.rs. Concurrency rules follow spec.md
// §5: counters use Relaxed-equivalent atomics (atomic.Add*), while Online
// and CurrentPid use SeqCst-equivalent atomics (atomic.*.Load/Store) since
// other CPUs make scheduling decisions based on them.
package percpu

import (
	"errors"
	"sync/atomic"

	"github.com/nyxkernel/nyxcore/internal/arch"
)

// MaxCPUs bounds the static per-CPU table, matching the teacher's
// runtime.MAXCPUS-equivalent ceiling for a single-image kernel.
const MaxCPUs = 256

var ErrTooManyCPUs = errors.New("percpu: exceeds MaxCPUs")
var ErrAlreadyPresent = errors.New("percpu: cpu already added")

// cacheLinePad is a zero-size marker field: it reserves no bytes and sets
// no alignment, so CpuData's size is not rounded to a 64-byte multiple and
// neighbouring CpuData values can share a cache line (original_source's
// percpu.rs uses repr(C, align(64)) for this; the Go type has no
// equivalent).
type cacheLinePad [0]byte

// CpuData holds one logical CPU's live counters and identity. All counter
// fields are updated with atomic.Add*/atomic.Load* only; never read or
// written directly outside this package.
type CpuData struct {
	_ cacheLinePad

	ID uint32

	// Online and CurrentPid are read by other CPUs making scheduling
	// decisions, so they use sequentially-consistent atomics.
	online     atomic.Bool
	currentPid atomic.Uint64

	// Tick counters, one per execution mode.
	userTicks   atomic.Uint64
	kernelTicks atomic.Uint64
	idleTicks   atomic.Uint64
	irqTicks    atomic.Uint64

	// Event counters.
	interrupts     atomic.Uint64
	contextSwitch  atomic.Uint64
	tlbShootdowns  atomic.Uint64
	pageFaults     atomic.Uint64
	cacheMisses    atomic.Uint64

	// Identity and telemetry, set rarely relative to the counters above.
	tscFreqHz     atomic.Uint64
	temperatureMC atomic.Int64 // milli-Celsius
	freqScalingPc atomic.Uint32
	numaNode      atomic.Uint32
	features      arch.Features

	// Stack pointers for the three execution contexts this CPU can be in.
	KernelStackTop    uintptr
	ExceptionStackTop uintptr
	IRQStackTop       uintptr
}

// Table is the fixed-size array of per-CPU state, indexed by CPU ID.
type Table struct {
	cpus  [MaxCPUs]CpuData
	count atomic.Uint32
}

// NewTable builds an empty table and initializes the boot CPU (BSP) as
// CPU 0, online, with the given stack tops and detected features.
func NewTable(kStack, excStack, irqStack uintptr) *Table {
	t := &Table{}
	bsp := &t.cpus[0]
	bsp.ID = 0
	bsp.KernelStackTop = kStack
	bsp.ExceptionStackTop = excStack
	bsp.IRQStackTop = irqStack
	bsp.features = arch.DetectFeatures()
	bsp.online.Store(true)
	t.count.Store(1)
	return t
}

// AddCPU brings up application processor id as an additional entry,
// copying detected feature bits and calibrated TSC frequency from the BSP
// (CPU 0) rather than re-detecting them, matching spec.md §4.7's
// add_cpu(cpu_id, apic_id) contract.
func (t *Table) AddCPU(id uint32, kStack, excStack, irqStack uintptr) error {
	if id >= MaxCPUs {
		return ErrTooManyCPUs
	}
	c := &t.cpus[id]
	if c.online.Load() {
		return ErrAlreadyPresent
	}
	bsp := &t.cpus[0]
	c.ID = id
	c.KernelStackTop = kStack
	c.ExceptionStackTop = excStack
	c.IRQStackTop = irqStack
	c.features = bsp.features
	c.tscFreqHz.Store(bsp.tscFreqHz.Load())
	c.online.Store(true)
	t.count.Add(1)
	return nil
}

// CPU returns the per-CPU record for id.
func (t *Table) CPU(id uint32) *CpuData {
	return &t.cpus[id]
}

// OnlineCount reports how many CPUs have been brought online.
func (t *Table) OnlineCount() uint32 {
	return t.count.Load()
}

// IsOnline reports whether this CPU has completed bring-up.
func (c *CpuData) IsOnline() bool { return c.online.Load() }

// SetCurrentPid records the pid currently scheduled on this CPU.
func (c *CpuData) SetCurrentPid(pid uint64) { c.currentPid.Store(pid) }

// CurrentPid returns the pid currently scheduled on this CPU.
func (c *CpuData) CurrentPid() uint64 { return c.currentPid.Load() }

func (c *CpuData) AddUserTicks(n uint64)     { c.userTicks.Add(n) }
func (c *CpuData) AddKernelTicks(n uint64)   { c.kernelTicks.Add(n) }
func (c *CpuData) AddIdleTicks(n uint64)     { c.idleTicks.Add(n) }
func (c *CpuData) AddIRQTicks(n uint64)      { c.irqTicks.Add(n) }
func (c *CpuData) AddInterrupt()             { c.interrupts.Add(1) }
func (c *CpuData) AddContextSwitch()         { c.contextSwitch.Add(1) }
func (c *CpuData) AddTLBShootdown()          { c.tlbShootdowns.Add(1) }
func (c *CpuData) AddPageFault()             { c.pageFaults.Add(1) }
func (c *CpuData) AddCacheMiss(n uint64)     { c.cacheMisses.Add(n) }
func (c *CpuData) SetTSCFreqHz(hz uint64)    { c.tscFreqHz.Store(hz) }
func (c *CpuData) TSCFreqHz() uint64         { return c.tscFreqHz.Load() }
func (c *CpuData) SetTemperatureMC(mc int64) { c.temperatureMC.Store(mc) }
func (c *CpuData) SetFreqScalingPercent(p uint32) { c.freqScalingPc.Store(p) }
func (c *CpuData) SetNUMANode(n uint32)      { c.numaNode.Store(n) }
func (c *CpuData) NUMANode() uint32          { return c.numaNode.Load() }
func (c *CpuData) Features() arch.Features   { return c.features }

// Utilization returns (user+kernel) / (user+kernel+idle) since boot, in
// the range [0, 1]. IRQ ticks are not part of this ratio (spec.md §4.7).
// Returns 0 when no ticks have been recorded yet.
func (c *CpuData) Utilization() float64 {
	user := c.userTicks.Load()
	kernel := c.kernelTicks.Load()
	idle := c.idleTicks.Load()
	total := user + kernel + idle
	if total == 0 {
		return 0
	}
	return float64(user+kernel) / float64(total)
}
