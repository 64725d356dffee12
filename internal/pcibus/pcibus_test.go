package pcibus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeFunction models one PCI function's configuration space as a
// word-addressable register map, enough to drive enumeration, capability
// parsing, and MSI-X configuration in a hosted test.
type fakeFunction struct {
	regs map[uint8]uint32 // offset (4-byte aligned) -> value
}

func newFakeFunction() *fakeFunction {
	return &fakeFunction{regs: map[uint8]uint32{regHeaderType: 0}}
}

func (f *fakeFunction) setByte(offset uint8, v uint8) {
	aligned := offset &^ 3
	shift := (offset & 3) * 8
	reg := f.regs[aligned]
	reg = (reg &^ (0xFF << shift)) | (uint32(v) << shift)
	f.regs[aligned] = reg
}

func (f *fakeFunction) setWord(offset uint8, v uint16) {
	aligned := offset &^ 3
	shift := (offset & 2) * 8
	reg := f.regs[aligned]
	reg = (reg &^ (0xFFFF << shift)) | (uint32(v) << shift)
	f.regs[aligned] = reg
}

func (f *fakeFunction) setDword(offset uint8, v uint32) {
	f.regs[offset&^3] = v
}

type fakeBus struct {
	functions map[[3]uint8]*fakeFunction
}

func newFakeBus() *fakeBus {
	return &fakeBus{functions: make(map[[3]uint8]*fakeFunction)}
}

func (b *fakeBus) add(bus, device, function uint8) *fakeFunction {
	f := newFakeFunction()
	b.functions[[3]uint8{bus, device, function}] = f
	return f
}

func (b *fakeBus) get(bus, device, function uint8) *fakeFunction {
	f, ok := b.functions[[3]uint8{bus, device, function}]
	if !ok {
		return nil
	}
	return f
}

func (b *fakeBus) ReadByte(bus, device, function, offset uint8) uint8 {
	f := b.get(bus, device, function)
	if f == nil {
		return 0xFF
	}
	aligned := offset &^ 3
	shift := (offset & 3) * 8
	return uint8(f.regs[aligned] >> shift)
}

func (b *fakeBus) ReadWord(bus, device, function, offset uint8) uint16 {
	f := b.get(bus, device, function)
	if f == nil {
		return 0xFFFF
	}
	aligned := offset &^ 3
	shift := (offset & 2) * 8
	return uint16(f.regs[aligned] >> shift)
}

func (b *fakeBus) ReadDword(bus, device, function, offset uint8) uint32 {
	f := b.get(bus, device, function)
	if f == nil {
		return 0xFFFFFFFF
	}
	return f.regs[offset&^3]
}

func (b *fakeBus) WriteWord(bus, device, function, offset uint8, value uint16) {
	f := b.get(bus, device, function)
	if f == nil {
		return
	}
	f.setWord(offset, value)
}

// fakeMmio records every MMIO dword write so tests can assert on the
// MSI-X table entries a configuration pass programs, without touching
// real memory.
type fakeMmio struct {
	writes map[uintptr]uint32
}

func newFakeMmio() *fakeMmio {
	return &fakeMmio{writes: make(map[uintptr]uint32)}
}

func (m *fakeMmio) MmioWrite32(addr uintptr, val uint32) {
	m.writes[addr] = val
}

func TestEnumerateDevicesFindsSingleFunctionDevice(t *testing.T) {
	bus := newFakeBus()
	f := bus.add(0, 3, 0)
	f.setWord(regVendorID, 0x8086)
	f.setWord(regDeviceID, 0x1234)
	f.setByte(regHeaderType, 0x00) // single function

	m := NewManager(bus, newFakeMmio())
	m.EnumerateDevices()

	devs := m.Devices()
	require.Len(t, devs, 1)
	require.Equal(t, uint16(0x8086), devs[0].VendorID)
	require.Equal(t, uint8(3), devs[0].Device)
}

func TestEnumerateDevicesSkipsAbsentSlots(t *testing.T) {
	bus := newFakeBus()
	m := NewManager(bus, newFakeMmio())
	m.EnumerateDevices()
	require.Empty(t, m.Devices())
}

func TestEnumerateDevicesWalksMultiFunction(t *testing.T) {
	bus := newFakeBus()
	f0 := bus.add(0, 5, 0)
	f0.setWord(regVendorID, 0x10DE)
	f0.setByte(regHeaderType, 0x80) // multi-function

	f1 := bus.add(0, 5, 1)
	f1.setWord(regVendorID, 0x10DE)

	m := NewManager(bus, newFakeMmio())
	m.EnumerateDevices()

	devs := m.Devices()
	require.Len(t, devs, 2)
}

func TestParseCapabilitiesWalksListWhenSupported(t *testing.T) {
	bus := newFakeBus()
	f := bus.add(0, 1, 0)
	f.setWord(regVendorID, 0x1AF4)
	f.setWord(regStatus, 0x10) // capabilities list supported
	f.setByte(regCapabilitiesPtr, 0x40)

	// One capability at 0x40, id=0x05 (MSI), next ptr 0x00 (end of list).
	f.setByte(0x40, 0x05)
	f.setByte(0x41, 0x00)

	m := NewManager(bus, newFakeMmio())
	m.EnumerateDevices()

	devs := m.Devices()
	require.Len(t, devs, 1)
	require.Len(t, devs[0].Capabilities, 1)
	require.Equal(t, uint8(0x05), devs[0].Capabilities[0].ID)
}

func TestParseCapabilitiesSkippedWhenNotSupported(t *testing.T) {
	bus := newFakeBus()
	f := bus.add(0, 1, 0)
	f.setWord(regVendorID, 0x1AF4)
	f.setWord(regStatus, 0x00)

	m := NewManager(bus, newFakeMmio())
	m.EnumerateDevices()

	require.Empty(t, m.Devices()[0].Capabilities)
}

func setupMsixDevice(bus *fakeBus) *fakeFunction {
	f := bus.add(0, 2, 0)
	f.setWord(regVendorID, 0x8086)
	f.setWord(regStatus, 0x10)
	f.setByte(regCapabilitiesPtr, 0x50)

	f.setByte(0x50, msixCapabilityID)
	f.setByte(0x51, 0x00)
	f.setWord(0x50+msixMessageControl, 3) // table size = 3+1 = 4
	f.setDword(0x50+msixTableOffsetReg, 0x2000|0x1)
	f.setDword(0x50+msixPBAOffsetReg, 0x3000|0x2)

	f.setDword(regBAR0+1*4, 0xF0000000) // BAR1 used by table
	f.setDword(regBAR0+2*4, 0xF0010000) // BAR2 used by PBA
	return f
}

func TestParseMsixCapabilityExtractsTableAndPBA(t *testing.T) {
	bus := newFakeBus()
	setupMsixDevice(bus)

	m := NewManager(bus, newFakeMmio())
	m.EnumerateDevices()

	dev := m.Devices()[0]
	require.NotNil(t, dev.MSIX)
	require.Equal(t, uint16(4), dev.MSIX.TableSize)
	require.Equal(t, uint8(1), dev.MSIX.TableBAR)
	require.Equal(t, uint32(0x2000), dev.MSIX.TableOffset)
	require.Equal(t, uint8(2), dev.MSIX.PBABAR)
	require.Equal(t, uint32(0x3000), dev.MSIX.PBAOffset)
}

func TestAllocateInterruptVectorAdvancesWatermark(t *testing.T) {
	m := NewManager(newFakeBus(), newFakeMmio())
	v1, err := m.AllocateInterruptVector(0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(firstVector), v1)

	v2, err := m.AllocateInterruptVector(0, 0, 1)
	require.NoError(t, err)
	require.Equal(t, uint16(firstVector+1), v2)
}

func TestConfigureMSIXEnablesAndAllocatesVectors(t *testing.T) {
	bus := newFakeBus()
	setupMsixDevice(bus)
	mmio := newFakeMmio()

	m := NewManager(bus, mmio)
	m.EnumerateDevices()

	vectors, err := m.ConfigureMSIX(0, 2, 0, 2, 0x07)
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	ctrl := bus.get(0, 2, 0).regs[0x50&^3]
	msgCtrl := uint16(ctrl >> 16) // message control is the upper half of the cap header dword
	require.NotZero(t, msgCtrl&msixEnableBit, "MSI-X enable bit set in message control")

	dev := m.Devices()[0]
	tableBase := uintptr(0xF0000000) + uintptr(dev.MSIX.TableOffset)
	wantAddr := uint32(0xFEE00000) | (uint32(0x07)&0xFF)<<12
	for i, vector := range vectors {
		entryAddr := tableBase + uintptr(i)*16
		require.Equal(t, wantAddr, mmio.writes[entryAddr+0], "entry %d message_address_lo", i)
		require.Equal(t, uint32(0), mmio.writes[entryAddr+4], "entry %d message_address_hi", i)
		require.Equal(t, uint32(vector), mmio.writes[entryAddr+8], "entry %d message_data", i)
		require.Equal(t, uint32(0), mmio.writes[entryAddr+12], "entry %d vector_control unmasked", i)
	}
}

func TestConfigureMSIXRejectsTooManyVectors(t *testing.T) {
	bus := newFakeBus()
	setupMsixDevice(bus)

	m := NewManager(bus, newFakeMmio())
	m.EnumerateDevices()

	_, err := m.ConfigureMSIX(0, 2, 0, 10, 0)
	require.ErrorIs(t, err, ErrTooManyVectors)
}

func TestConfigureMSIXRejectsDeviceWithoutMSIX(t *testing.T) {
	bus := newFakeBus()
	f := bus.add(0, 9, 0)
	f.setWord(regVendorID, 0x1234)

	m := NewManager(bus, newFakeMmio())
	m.EnumerateDevices()

	_, err := m.ConfigureMSIX(0, 9, 0, 1, 0)
	require.ErrorIs(t, err, ErrNoMSIX)
}
