// Package memory carves host RAM into fixed-size slots, one per domain,
// and converts between physical addresses and page frame numbers.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// DefaultBase is where RAM starts in the physical address space.
	DefaultBase = 0x40000000
)

var (
	errNoSlotsAvail  = errors.New("no free memory slot")
	errSlotNotFound  = errors.New("unable to find memory slot")
	errBadGeometry   = errors.New("bad memory geometry")
	errOutOfRange    = errors.New("physical range outside RAM")
	errSlotNotPinned = errors.New("memory slot not in use")
)

// Slot is the RAM reserved for one domain.
type Slot struct {
	Index int
	Phys  uint64
	Size  int
	Buf   []byte
	AS    *AddressSpace

	busy bool
}

// PFN returns the frame number of the first page of s.
func (s *Slot) PFN() uint64 { return PhysToPFN(s.Phys) }

// Pages returns the number of pages in s.
func (s *Slot) Pages() uint64 { return uint64(s.Size) >> PageShift }

// Memory is host RAM.
type Memory struct {
	mu    sync.Mutex
	ram   []byte
	as    *AddressSpace
	Slots []*Slot
}

// New maps ramSize bytes of anonymous memory placed at physical address
// base, split into slots of slotSize bytes.
func New(base uint64, ramSize, slotSize int) (*Memory, error) {
	if slotSize <= 0 || slotSize%PageSize != 0 || ramSize < slotSize || base%PageSize != 0 {
		return nil, fmt.Errorf("%w: ram=%d slot=%d base=%#x", errBadGeometry, ramSize, slotSize, base)
	}

	ram, err := unix.Mmap(-1, 0, ramSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap ram: %w", err)
	}

	m := &Memory{
		ram: ram,
		as:  NewAddressSpace("phys-ram", base, uint64(ramSize)),
	}

	for i := 0; (i+1)*slotSize <= ramSize; i++ {
		s := &Slot{
			Index: i,
			Phys:  base + uint64(i*slotSize),
			Size:  slotSize,
			Buf:   ram[i*slotSize : (i+1)*slotSize : (i+1)*slotSize],
		}

		s.AS = NewAddressSpace(fmt.Sprintf("slot%d", i), s.Phys, uint64(slotSize))
		if err := m.as.AddAddress(s.AS); err != nil {
			unix.Munmap(ram)

			return nil, err
		}

		m.Slots = append(m.Slots, s)
	}

	return m, nil
}

// Close unmaps RAM. Slot buffers must not be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ram == nil {
		return nil
	}

	err := unix.Munmap(m.ram)
	m.ram = nil

	return err
}

// Base returns the physical address of the first byte of RAM.
func (m *Memory) Base() uint64 { return m.as.Start }

// Size returns the amount of RAM in bytes.
func (m *Memory) Size() uint64 { return m.as.Size }

// Slot returns slot i.
func (m *Memory) Slot(i int) (*Slot, error) {
	if i < 0 || i >= len(m.Slots) {
		return nil, fmt.Errorf("slot %d: %w", i, errSlotNotFound)
	}

	return m.Slots[i], nil
}

// FreeSlot reserves the lowest free slot.
func (m *Memory) FreeSlot() (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.Slots {
		if !s.busy {
			s.busy = true

			return s, nil
		}
	}

	return nil, errNoSlotsAvail
}

// Reserve marks slot i in use, failing if it already is.
func (m *Memory) Reserve(i int) (*Slot, error) {
	s, err := m.Slot(i)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.busy {
		return nil, fmt.Errorf("slot %d: %w", i, errAddrSpaceOccupied)
	}

	s.busy = true

	return s, nil
}

// Release returns s to the free pool and clears it.
func (m *Memory) Release(s *Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !s.busy {
		return fmt.Errorf("slot %d: %w", s.Index, errSlotNotPinned)
	}

	s.busy = false
	clear(s.Buf)

	return nil
}

// Bytes returns the n bytes of RAM at phys, as seen through a full
// physical mapping.
func (m *Memory) Bytes(phys uint64, n int) ([]byte, error) {
	if n <= 0 || !m.as.Contains(phys) || !m.as.Contains(phys+uint64(n)-1) {
		return nil, fmt.Errorf("[%#x, %#x): %w", phys, phys+uint64(n), errOutOfRange)
	}

	off := phys - m.as.Start

	return m.ram[off : off+uint64(n)], nil
}

// Page returns the page at pfn.
func (m *Memory) Page(pfn uint64) ([]byte, error) {
	return m.Bytes(PFNToPhys(pfn), PageSize)
}

// PhysToPFN converts a physical address to its page frame number.
func PhysToPFN(phys uint64) uint64 { return phys >> PageShift }

// PFNToPhys converts a page frame number to its physical address.
func PFNToPhys(pfn uint64) uint64 { return pfn << PageShift }
