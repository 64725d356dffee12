package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAreaRejectsOverlap(t *testing.T) {
	as := NewAddressSpace(1)
	require.NoError(t, as.AddArea(VmArea{Start: 0x2000, End: 0x4000, Kind: KindData, Perms: PermR | PermW | PermUser}))

	err := as.AddArea(VmArea{Start: 0x3000, End: 0x5000, Kind: KindHeap, Perms: PermR | PermW | PermUser})
	require.ErrorIs(t, err, ErrOverlap)
}

func TestAddAreaAdjacentIsFine(t *testing.T) {
	as := NewAddressSpace(1)
	require.NoError(t, as.AddArea(VmArea{Start: 0x1000, End: 0x2000, Kind: KindCode, Perms: PermR | PermX | PermUser}))
	require.NoError(t, as.AddArea(VmArea{Start: 0x2000, End: 0x3000, Kind: KindData, Perms: PermR | PermW | PermUser}))
	require.Len(t, as.Areas(), 2)
}

func TestAddAreaRejectsOutsideUserRange(t *testing.T) {
	as := NewAddressSpace(1)
	err := as.AddArea(VmArea{Start: 0, End: 0x1000, Kind: KindCode, Perms: PermR | PermX | PermUser})
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestAddAreaRejectsBadRange(t *testing.T) {
	as := NewAddressSpace(1)
	err := as.AddArea(VmArea{Start: 0x2000, End: 0x1000})
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestLookupFindsContainingArea(t *testing.T) {
	as := NewAddressSpace(1)
	require.NoError(t, as.AddArea(VmArea{Start: 0x1000, End: 0x3000, Kind: KindStack, Perms: PermR | PermW | PermUser}))

	area, ok := as.Lookup(0x1500)
	require.True(t, ok)
	require.Equal(t, KindStack, area.Kind)

	_, ok = as.Lookup(0x5000)
	require.False(t, ok)
}

func TestRemoveArea(t *testing.T) {
	as := NewAddressSpace(1)
	require.NoError(t, as.AddArea(VmArea{Start: 0x1000, End: 0x2000, Kind: KindMmap, Perms: PermR | PermUser}))

	require.NoError(t, as.RemoveArea(0x1000))
	require.ErrorIs(t, as.RemoveArea(0x1000), ErrNotFound)
}

func TestAreasReturnsSortedSnapshot(t *testing.T) {
	as := NewAddressSpace(1)
	require.NoError(t, as.AddArea(VmArea{Start: 0x3000, End: 0x4000, Kind: KindHeap, Perms: PermR | PermW | PermUser}))
	require.NoError(t, as.AddArea(VmArea{Start: 0x1000, End: 0x2000, Kind: KindCode, Perms: PermR | PermX | PermUser}))

	areas := as.Areas()
	require.Len(t, areas, 2)
	require.Equal(t, uintptr(0x1000), areas[0].Start)
	require.Equal(t, uintptr(0x3000), areas[1].Start)
}

func TestDestroyClearsAreas(t *testing.T) {
	as := NewAddressSpace(1)
	require.NoError(t, as.AddArea(VmArea{Start: 0x1000, End: 0x2000, Kind: KindCode, Perms: PermR | PermX | PermUser}))
	as.Destroy()
	require.Empty(t, as.Areas())
}
