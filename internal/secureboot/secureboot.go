// Package secureboot implements TPM-backed measured boot and A/B slot
// rollback (L8), spec.md §4.9. Grounded on
// original_source/kernel/src/secure_boot.rs for the PCR layout, boot
// measurement ordering, and A/B rollback state machine; the singleton's
// mutex discipline follows the teacher's Accnt_t (accnt/accnt.go):
// exported methods hold the lock for their whole body, including the TPM
// calls made by MeasureKernelBoot and Quote.
package secureboot

import (
	"errors"
	"sync"
)

// PcrIndex names a Platform Configuration Register slot.
type PcrIndex uint8

const (
	PcrFirmware PcrIndex = iota
	Pcr1
	Pcr2
	Pcr3
	Pcr4
	Pcr5
	Pcr6
	Pcr7
	PcrKernel       // PCR 8
	PcrKernelConfig // PCR 9
	Pcr10
	Pcr11
	Pcr12
	Pcr13
	Pcr14
	Pcr15
	PcrDebug // PCR 16
)

const tpmBaseAddr = 0xFED40000

var ErrTPMAbsent = errors.New("secureboot: no TPM present")
var ErrNoSuchSlot = errors.New("secureboot: no such boot slot")

// TPM abstracts the subset of TPM2 operations this package needs, so
// tests can exercise measurement and attestation logic against a fake
// device instead of real MMIO at 0xFED40000.
type TPM interface {
	Present() bool
	Startup() error
	Extend(pcr PcrIndex, digest [32]byte) error
	PCRValue(pcr PcrIndex) [32]byte
}

// BootMeasurement records one PCR extension performed during boot.
type BootMeasurement struct {
	PCR    PcrIndex
	Digest [32]byte
}

// SlotMetadata tracks one A/B boot slot's health.
type SlotMetadata struct {
	BootAttempts    uint32
	SuccessfulBoots uint32
	Bootable        bool
	Active          bool
}

// MaxBootAttempts is the attempt count at which a slot is considered
// failed and rollback is triggered.
const MaxBootAttempts = 3

// Manager is the measured-boot and rollback singleton.
type Manager struct {
	mu          sync.Mutex
	tpm         TPM
	present     bool
	measurements []BootMeasurement
	slots       [2]SlotMetadata
	activeSlot  int
}

// NewManager builds a Manager over tpm, with slot 0 active and bootable
// by default (first-boot state).
func NewManager(tpm TPM) *Manager {
	m := &Manager{tpm: tpm, activeSlot: 0}
	m.present = tpm != nil && tpm.Present()
	m.slots[0] = SlotMetadata{Bootable: true, Active: true}
	m.slots[1] = SlotMetadata{Bootable: true, Active: false}
	if m.present {
		_ = tpm.Startup()
	}
	return m
}

// MeasureKernelBoot measures the kernel image into PcrKernel, then the
// kernel configuration into PcrKernelConfig. This order is load-bearing
// (P13): a config measured before the kernel it configures would let an
// attacker swap kernels without changing the composite PCR state an
// attestor checks against PcrKernelConfig's known-good value. Both
// measurements are recorded in history regardless of TPM presence, but
// the PCR is only actually extended when a TPM is present.
func (m *Manager) MeasureKernelBoot(kernelDigest, configDigest [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.measurements = append(m.measurements, BootMeasurement{PCR: PcrKernel, Digest: kernelDigest})
	if m.present {
		_ = m.tpm.Extend(PcrKernel, kernelDigest)
	}

	m.measurements = append(m.measurements, BootMeasurement{PCR: PcrKernelConfig, Digest: configDigest})
	if m.present {
		_ = m.tpm.Extend(PcrKernelConfig, configDigest)
	}
}

// Measurements returns every measurement taken this boot, in order.
func (m *Manager) Measurements() []BootMeasurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BootMeasurement, len(m.measurements))
	copy(out, m.measurements)
	return out
}

// RecordBootAttempt increments the active slot's attempt counter. Call
// this once per boot, before the kernel is known to have succeeded.
func (m *Manager) RecordBootAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[m.activeSlot].BootAttempts++
}

// MarkBootSuccessful increments the active slot's successful-boot count
// and resets its attempt counter, so a single failure after many
// successful boots doesn't itself risk tripping rollback.
func (m *Manager) MarkBootSuccessful() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[m.activeSlot].SuccessfulBoots++
	m.slots[m.activeSlot].BootAttempts = 0
}

// CheckRollback reports whether the active slot has reached
// MaxBootAttempts without a successful boot.
func (m *Manager) CheckRollback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[m.activeSlot].BootAttempts >= MaxBootAttempts
}

// PerformRollback disables the active slot and switches to the other one.
// It does not itself trigger a reboot — the caller is expected to do so
// once this returns.
func (m *Manager) PerformRollback() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.slots[m.activeSlot].Bootable = false
	m.slots[m.activeSlot].Active = false

	other := 1 - m.activeSlot
	m.slots[other].Active = true
	m.activeSlot = other
}

// Slot returns a copy of the named slot's metadata (0 or 1).
func (m *Manager) Slot(i int) (SlotMetadata, error) {
	if i != 0 && i != 1 {
		return SlotMetadata{}, ErrNoSuchSlot
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[i], nil
}

// ActiveSlot returns the index of the currently active slot.
func (m *Manager) ActiveSlot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSlot
}

const quoteMagic = "TPM_QUOTE"

// Quote builds a TPM quote covering every PCR set in pcrMask (bit i
// selects PcrIndex(i), for i in 0..24) plus the caller-supplied nonce,
// binary-compatible with original_source/kernel/src/secure_boot.rs's
// Tpm::quote: magic bytes, then the little-endian pcr_mask, then the raw
// nonce, then each selected PCR's 32-byte value in ascending index order.
// Requires a present TPM, since a quote without one asserts nothing.
func (m *Manager) Quote(pcrMask uint32, nonce []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.present {
		return nil, ErrTPMAbsent
	}

	out := make([]byte, 0, len(quoteMagic)+4+len(nonce)+32*24)
	out = append(out, quoteMagic...)
	out = append(out, byte(pcrMask), byte(pcrMask>>8), byte(pcrMask>>16), byte(pcrMask>>24))
	out = append(out, nonce...)

	for i := 0; i < 24; i++ {
		if pcrMask&(1<<uint(i)) != 0 {
			v := m.tpm.PCRValue(PcrIndex(i))
			out = append(out, v[:]...)
		}
	}
	return out, nil
}
