// Package pcibus implements PCI configuration-space access, device
// enumeration, and MSI-X interrupt vector allocation (L7), spec.md §4.6.
// Grounded on original_source/kernel/src/pci.rs for the enumeration walk,
// capabilities-list parsing, and MSI-X table/PBA extraction, and on the
// teacher's msi package (msi/msi.go) for the mutex-guarded interrupt
// vector pool idiom, generalized here from msi.go's fixed 8-vector demo
// pool to a full 224-vector range (32..255) allocated per device.
package pcibus

import (
	"errors"
	"sync"

	"github.com/nyxkernel/nyxcore/internal/arch"
)

const (
	configAddressPort = 0xCF8
	configDataPort    = 0xCFC

	regVendorID       = 0x00
	regDeviceID       = 0x02
	regCommand        = 0x04
	regStatus         = 0x06
	regRevisionID     = 0x08
	regClassCode      = 0x09
	regHeaderType     = 0x0E
	regBAR0           = 0x10
	regCapabilitiesPtr = 0x34
	regInterruptLine  = 0x3C
	regInterruptPin   = 0x3D

	msixCapabilityID     = 0x11
	msixMessageControl   = 0x02
	msixTableOffsetReg   = 0x04
	msixPBAOffsetReg     = 0x08
	msixEnableBit        = 1 << 15
	msixTableSizeMask    = 0x7FF

	// msixTableEntrySize is the fixed 16-byte layout of one MSI-X table
	// entry: message_address_lo, message_address_hi, message_data,
	// vector_control (bit 0 = masked).
	msixTableEntrySize   = 16
	msixEntryAddrLo      = 0
	msixEntryAddrHi      = 4
	msixEntryData        = 8
	msixEntryVectorCtrl  = 12

	// lapicMSIBase is the fixed Local APIC MSI message-address base; the
	// target APIC id is packed into bits 12-19 (original_source/pci.rs:
	// 0xFEE00000 | (apic_id & 0xFF) << 12).
	lapicMSIBase = 0xFEE00000

	firstVector = 32
	lastVector  = 255

	cmdBusMaster   = 0x04
	cmdMemorySpace = 0x02
	cmdIOSpace     = 0x01
)

var ErrDeviceNotFound = errors.New("pcibus: device not found")
var ErrNoMSIX = errors.New("pcibus: device does not support MSI-X")
var ErrTooManyVectors = errors.New("pcibus: requested more vectors than the table supports")
var ErrInvalidBAR = errors.New("pcibus: invalid BAR address for MSI-X")
var ErrNoVectors = errors.New("pcibus: no interrupt vectors available")

// ConfigAccessor abstracts PCI configuration-space I/O so the enumeration
// and parsing logic can be exercised against a fake bus in tests, the way
// the teacher abstracts disk access behind Disk_i.
type ConfigAccessor interface {
	ReadByte(bus, device, function, offset uint8) uint8
	ReadWord(bus, device, function, offset uint8) uint16
	ReadDword(bus, device, function, offset uint8) uint32
	WriteWord(bus, device, function, offset uint8, value uint16)
}

func configAddress(bus, device, function, offset uint8) uint32 {
	return 0x80000000 |
		uint32(bus)<<16 |
		uint32(device)<<11 |
		uint32(function)<<8 |
		uint32(offset&0xFC)
}

// PortAccessor is the real ConfigAccessor, talking to the CF8/CFC I/O
// ports via arch's port-I/O primitives.
type PortAccessor struct{}

func (PortAccessor) ReadByte(bus, device, function, offset uint8) uint8 {
	arch.Outl(configAddressPort, configAddress(bus, device, function, offset))
	data := arch.Inl(configDataPort)
	return uint8(data >> ((offset & 3) * 8))
}

func (PortAccessor) ReadWord(bus, device, function, offset uint8) uint16 {
	arch.Outl(configAddressPort, configAddress(bus, device, function, offset))
	data := arch.Inl(configDataPort)
	return uint16(data >> ((offset & 2) * 8))
}

func (PortAccessor) ReadDword(bus, device, function, offset uint8) uint32 {
	arch.Outl(configAddressPort, configAddress(bus, device, function, offset))
	return arch.Inl(configDataPort)
}

func (PortAccessor) WriteWord(bus, device, function, offset uint8, value uint16) {
	arch.Outl(configAddressPort, configAddress(bus, device, function, offset))
	data := arch.Inl(configDataPort)
	shift := (offset & 2) * 8
	data = (data &^ (0xFFFF << shift)) | (uint32(value) << shift)
	arch.Outl(configDataPort, data)
}

// MmioAccessor abstracts the raw 32-bit MMIO writes used to program MSI-X
// table entries, the way ConfigAccessor abstracts config-space I/O — so
// ConfigureMSIX can be exercised against a fake in tests without touching
// real memory.
type MmioAccessor interface {
	MmioWrite32(addr uintptr, val uint32)
}

// RealMmio is the real MmioAccessor, writing through arch.MmioWrite32.
type RealMmio struct{}

func (RealMmio) MmioWrite32(addr uintptr, val uint32) { arch.MmioWrite32(addr, val) }

// Capability is one entry of a device's capabilities list.
type Capability struct {
	ID     uint8
	Offset uint8
	Data   [16]byte
}

// MsixInfo describes a device's MSI-X capability.
type MsixInfo struct {
	CapabilityOffset uint8
	TableSize        uint16
	TableOffset      uint32
	TableBAR         uint8
	PBAOffset        uint32
	PBABAR           uint8
}

// Device is one discovered PCI function.
type Device struct {
	Bus, Device, Function uint8
	VendorID, DeviceID    uint16
	ClassCode, Subclass, ProgIF, RevisionID uint8
	HeaderType                              uint8
	BARs                                    [6]uint32
	InterruptLine, InterruptPin             uint8
	Capabilities                            []Capability
	MSIX                                    *MsixInfo
}

type interruptVector struct {
	allocated bool
	owner     [3]uint8 // bus, device, function
}

// Manager owns the enumerated device list and the interrupt-vector pool,
// mirroring msi.Msivecs_t's mutex-guarded pool but scaled to the full
// post-legacy vector range.
type Manager struct {
	mu          sync.Mutex
	acc         ConfigAccessor
	mmio        MmioAccessor
	devices     []Device
	vectors     [lastVector + 1]interruptVector
	nextVector  uint16
}

// NewManager builds a Manager that issues configuration-space I/O through
// acc and MSI-X table-entry writes through mmio.
func NewManager(acc ConfigAccessor, mmio MmioAccessor) *Manager {
	return &Manager{acc: acc, mmio: mmio, nextVector: firstVector}
}

// EnumerateDevices walks every bus/device/function slot, probing each and
// recording the functions that respond. Multi-function devices (header
// type bit 0x80 set on function 0) have functions 1-7 probed too; single-
// function devices, and slots whose function 0 is absent, break out after
// function 0.
func (m *Manager) EnumerateDevices() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = m.devices[:0]
	for bus := 0; bus <= 255; bus++ {
		for device := uint8(0); device < 32; device++ {
			for function := uint8(0); function < 8; function++ {
				dev, ok := m.probeDevice(uint8(bus), device, function)
				if ok {
					m.devices = append(m.devices, dev)
				}
				if function == 0 {
					if !ok {
						break
					}
					headerType := m.acc.ReadByte(uint8(bus), device, 0, regHeaderType)
					if headerType&0x80 == 0 {
						break
					}
				}
			}
		}
	}
}

func (m *Manager) probeDevice(bus, device, function uint8) (Device, bool) {
	vendorID := m.acc.ReadWord(bus, device, function, regVendorID)
	if vendorID == 0xFFFF {
		return Device{}, false
	}

	d := Device{
		Bus: bus, Device: device, Function: function,
		VendorID:      vendorID,
		DeviceID:      m.acc.ReadWord(bus, device, function, regDeviceID),
		ClassCode:     m.acc.ReadByte(bus, device, function, regClassCode),
		Subclass:      m.acc.ReadByte(bus, device, function, regClassCode+1),
		ProgIF:        m.acc.ReadByte(bus, device, function, regClassCode+2),
		RevisionID:    m.acc.ReadByte(bus, device, function, regRevisionID),
		HeaderType:    m.acc.ReadByte(bus, device, function, regHeaderType) & 0x7F,
		InterruptLine: m.acc.ReadByte(bus, device, function, regInterruptLine),
		InterruptPin:  m.acc.ReadByte(bus, device, function, regInterruptPin),
	}
	for i := 0; i < 6; i++ {
		d.BARs[i] = m.acc.ReadDword(bus, device, function, regBAR0+uint8(i*4))
	}

	d.Capabilities = m.parseCapabilities(bus, device, function)
	d.MSIX = parseMsixCapability(m.acc, bus, device, function, d.Capabilities)
	return d, true
}

func (m *Manager) parseCapabilities(bus, device, function uint8) []Capability {
	status := m.acc.ReadWord(bus, device, function, regStatus)
	if status&0x10 == 0 {
		return nil
	}

	var caps []Capability
	capPtr := m.acc.ReadByte(bus, device, function, regCapabilitiesPtr) & 0xFC
	for capPtr != 0 {
		capID := m.acc.ReadByte(bus, device, function, capPtr)
		nextPtr := m.acc.ReadByte(bus, device, function, capPtr+1) & 0xFC

		var data [16]byte
		for i := uint8(0); i < 16; i++ {
			data[i] = m.acc.ReadByte(bus, device, function, capPtr+i)
		}
		caps = append(caps, Capability{ID: capID, Offset: capPtr, Data: data})
		capPtr = nextPtr
	}
	return caps
}

func parseMsixCapability(acc ConfigAccessor, bus, device, function uint8, caps []Capability) *MsixInfo {
	for _, cap := range caps {
		if cap.ID != msixCapabilityID {
			continue
		}
		msgCtrl := acc.ReadWord(bus, device, function, cap.Offset+msixMessageControl)
		tableSize := (msgCtrl & msixTableSizeMask) + 1

		tableOffsetBAR := acc.ReadDword(bus, device, function, cap.Offset+msixTableOffsetReg)
		pbaOffsetBAR := acc.ReadDword(bus, device, function, cap.Offset+msixPBAOffsetReg)

		return &MsixInfo{
			CapabilityOffset: cap.Offset,
			TableSize:        tableSize,
			TableOffset:      tableOffsetBAR &^ 0x7,
			TableBAR:         uint8(tableOffsetBAR & 0x7),
			PBAOffset:        pbaOffsetBAR &^ 0x7,
			PBABAR:           uint8(pbaOffsetBAR & 0x7),
		}
	}
	return nil
}

// Devices returns a snapshot of the enumerated device list.
func (m *Manager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, len(m.devices))
	copy(out, m.devices)
	return out
}

// FindByID returns the first enumerated device matching vendorID/deviceID.
func (m *Manager) FindByID(vendorID, deviceID uint16) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.VendorID == vendorID && d.DeviceID == deviceID {
			return d, true
		}
	}
	return Device{}, false
}

// allocateVectorLocked scans forward from nextVector for a free slot,
// advancing nextVector only when the slot it claims is exactly the one it
// was scanning from (mirrors the original's "only advance the watermark
// when we didn't have to skip over an allocated vector" behavior).
func (m *Manager) allocateVectorLocked(bus, device, function uint8) (uint16, bool) {
	for v := m.nextVector; v <= lastVector; v++ {
		if !m.vectors[v].allocated {
			m.vectors[v] = interruptVector{allocated: true, owner: [3]uint8{bus, device, function}}
			if v == m.nextVector {
				m.nextVector = v + 1
			}
			return v, true
		}
	}
	return 0, false
}

// AllocateInterruptVector reserves the next free post-legacy interrupt
// vector for the given device.
func (m *Manager) AllocateInterruptVector(bus, device, function uint8) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.allocateVectorLocked(bus, device, function)
	if !ok {
		return 0, ErrNoVectors
	}
	return v, nil
}

// ConfigureMSIX validates the device supports MSI-X and has the requested
// vector count available, allocates that many interrupt vectors, programs
// each allocated vector's MSI-X table entry to target apicID's local APIC,
// and enables MSI-X in the device's message-control register.
func (m *Manager) ConfigureMSIX(bus, device, function uint8, vectorsNeeded uint16, apicID uint8) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, d := range m.devices {
		if d.Bus == bus && d.Device == device && d.Function == function {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrDeviceNotFound
	}
	dev := &m.devices[idx]
	if dev.MSIX == nil {
		return nil, ErrNoMSIX
	}
	if vectorsNeeded > dev.MSIX.TableSize {
		return nil, ErrTooManyVectors
	}

	tableBARAddr := dev.BARs[dev.MSIX.TableBAR] &^ 0xF
	pbaBARAddr := dev.BARs[dev.MSIX.PBABAR] &^ 0xF
	if tableBARAddr == 0 || pbaBARAddr == 0 {
		return nil, ErrInvalidBAR
	}

	vectors := make([]uint16, 0, vectorsNeeded)
	for i := uint16(0); i < vectorsNeeded; i++ {
		v, ok := m.allocateVectorLocked(bus, device, function)
		if !ok {
			return nil, ErrNoVectors
		}
		vectors = append(vectors, v)
	}

	for i, vector := range vectors {
		m.configureMsixEntry(uintptr(tableBARAddr)+uintptr(dev.MSIX.TableOffset), uint16(i), vector, apicID)
	}

	msgCtrl := m.acc.ReadWord(bus, device, function, dev.MSIX.CapabilityOffset+msixMessageControl)
	msgCtrl |= msixEnableBit
	m.acc.WriteWord(bus, device, function, dev.MSIX.CapabilityOffset+msixMessageControl, msgCtrl)

	return vectors, nil
}

// configureMsixEntry writes one 16-byte MSI-X table entry: the message
// address targets apicID's local APIC at the fixed LAPIC MSI base, the
// message data is the raw vector number, and the vector starts unmasked.
func (m *Manager) configureMsixEntry(tableBase uintptr, entryIndex uint16, vector uint16, apicID uint8) {
	entryAddr := tableBase + uintptr(entryIndex)*msixTableEntrySize
	messageAddr := uint32(lapicMSIBase) | (uint32(apicID)&0xFF)<<12

	m.mmio.MmioWrite32(entryAddr+msixEntryAddrLo, messageAddr)
	m.mmio.MmioWrite32(entryAddr+msixEntryAddrHi, 0)
	m.mmio.MmioWrite32(entryAddr+msixEntryData, uint32(vector))
	m.mmio.MmioWrite32(entryAddr+msixEntryVectorCtrl, 0)
}

// EnableBusMastering, EnableMemorySpace, and EnableIOSpace set the
// corresponding bit in the device's PCI_COMMAND register.
func (m *Manager) EnableBusMastering(bus, device, function uint8) {
	m.setCommandBit(bus, device, function, cmdBusMaster)
}

func (m *Manager) EnableMemorySpace(bus, device, function uint8) {
	m.setCommandBit(bus, device, function, cmdMemorySpace)
}

func (m *Manager) EnableIOSpace(bus, device, function uint8) {
	m.setCommandBit(bus, device, function, cmdIOSpace)
}

func (m *Manager) setCommandBit(bus, device, function uint8, bit uint16) {
	cmd := m.acc.ReadWord(bus, device, function, regCommand)
	cmd |= bit
	m.acc.WriteWord(bus, device, function, regCommand, cmd)
}
