package memory_test

import (
	"testing"

	"github.com/bobuhiro11/gosoo/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T) *memory.Memory {
	t.Helper()

	m, err := memory.New(memory.DefaultBase, 4*64<<10, 64<<10)
	require.NoError(t, err)

	t.Cleanup(func() { m.Close() })

	return m
}

func TestSlots(t *testing.T) {
	t.Parallel()

	m := newMemory(t)
	require.Len(t, m.Slots, 4)

	for i, s := range m.Slots {
		assert.Equal(t, uint64(memory.DefaultBase+i*64<<10), s.Phys)
		assert.Equal(t, uint64(16), s.Pages())
	}

	s, err := m.FreeSlot()
	require.NoError(t, err)
	assert.Equal(t, 0, s.Index)

	_, err = m.Reserve(0)
	assert.Error(t, err)

	s, err = m.Reserve(2)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Index)

	s, err = m.FreeSlot()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Index)

	s.Buf[0] = 0xaa
	require.NoError(t, m.Release(s))
	assert.Equal(t, byte(0), s.Buf[0])
	assert.Error(t, m.Release(s))
}

func TestBytesSharesSlotMemory(t *testing.T) {
	t.Parallel()

	m := newMemory(t)
	s, err := m.Slot(1)
	require.NoError(t, err)

	b, err := m.Bytes(s.Phys+8, 8)
	require.NoError(t, err)

	copy(b, []byte{0x88, 0x77})
	assert.Equal(t, []byte{0x88, 0x77}, s.Buf[8:10])

	pg, err := m.Page(s.PFN() + 1)
	require.NoError(t, err)

	pg[0] = 0x5a
	assert.Equal(t, byte(0x5a), s.Buf[memory.PageSize])

	_, err = m.Bytes(m.Base()+m.Size()-4, 8)
	assert.Error(t, err)
}

func TestPFN(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(0x40000), memory.PhysToPFN(0x40000000))
	assert.Equal(t, uint64(0x40001000), memory.PFNToPhys(0x40001))
}

func TestBadGeometry(t *testing.T) {
	t.Parallel()

	_, err := memory.New(memory.DefaultBase, 4096, 3000)
	assert.Error(t, err)
}

func TestAddressSpace(t *testing.T) {
	t.Parallel()

	as := memory.NewAddressSpace("ram", 0x1000, 0x4000)
	require.NoError(t, as.AddAddress(memory.NewAddressSpace("a", 0x1000, 0x1000)))
	assert.Error(t, as.AddAddress(memory.NewAddressSpace("b", 0x1800, 0x1000)))
	assert.Error(t, as.AddAddress(memory.NewAddressSpace("c", 0x4000, 0x2000)))
	require.NoError(t, as.AddAddress(memory.NewAddressSpace("d", 0x2000, 0x1000)))
}
