// Package arch holds the x86-64 architecture primitives (L0): port I/O,
// MMIO access, CPU feature detection, and the raw TSC read. Every other
// kernel package builds on top of these instead of touching hardware
// directly.
//
// Port I/O and the raw cycle counter read are body-less declarations bound
// via go:linkname rather than cgo, the way the teacher's kernel.go links
// mmio_read, mmio_write and delay. Their assembly bodies are not part of
// this repository.
package arch

import (
	_ "unsafe"

	"golang.org/x/sys/cpu"
)

//go:linkname outb outb
//go:nosplit
func outb(port uint16, val uint8)

//go:linkname outw outw
//go:nosplit
func outw(port uint16, val uint16)

//go:linkname outl outl
//go:nosplit
func outl(port uint16, val uint32)

//go:linkname inb inb
//go:nosplit
func inb(port uint16) uint8

//go:linkname inw inw
//go:nosplit
func inw(port uint16) uint16

//go:linkname inl inl
//go:nosplit
func inl(port uint16) uint32

//go:linkname rdtscAsm rdtscAsm
//go:nosplit
func rdtscAsm() uint64

//go:linkname mmioRead32 mmioRead32
//go:nosplit
func mmioRead32(addr uintptr) uint32

//go:linkname mmioWrite32 mmioWrite32
//go:nosplit
func mmioWrite32(addr uintptr, val uint32)

// Outb writes a byte to an I/O port.
func Outb(port uint16, val uint8) { outb(port, val) }

// Outw writes a word to an I/O port.
func Outw(port uint16, val uint16) { outw(port, val) }

// Outl writes a dword to an I/O port.
func Outl(port uint16, val uint32) { outl(port, val) }

// Inb reads a byte from an I/O port.
func Inb(port uint16) uint8 { return inb(port) }

// Inw reads a word from an I/O port.
func Inw(port uint16) uint16 { return inw(port) }

// Inl reads a dword from an I/O port.
func Inl(port uint16) uint32 { return inl(port) }

// MmioRead32 performs a 32-bit MMIO register read.
func MmioRead32(addr uintptr) uint32 { return mmioRead32(addr) }

// MmioWrite32 performs a 32-bit MMIO register write.
func MmioWrite32(addr uintptr, val uint32) { mmioWrite32(addr, val) }

// Rdtsc returns the raw time stamp counter value.
func Rdtsc() uint64 { return rdtscAsm() }

// Features summarizes the CPU feature bits relevant to the rest of the
// kernel (SMEP/SMAP-equivalent security posture, SSE/AVX levels used to
// decide which copy/zero routines are safe to use). Detection is delegated
// to golang.org/x/sys/cpu rather than hand-rolled CPUID parsing.
type Features struct {
	HasSSE42      bool
	HasAVX        bool
	HasAVX2       bool
	HasRDRAND     bool
	HasInvariantT bool // invariant TSC, approximated by ERMS+RDTSCP presence
}

// DetectFeatures reads the running CPU's feature bits.
func DetectFeatures() Features {
	return Features{
		HasSSE42:      cpu.X86.HasSSE42,
		HasAVX:        cpu.X86.HasAVX,
		HasAVX2:       cpu.X86.HasAVX2,
		HasRDRAND:     cpu.X86.HasRDRAND,
		HasInvariantT: cpu.X86.HasRDTSCP && cpu.X86.HasERMS,
	}
}
