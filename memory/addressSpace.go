package memory

import (
	"errors"
	"fmt"
)

var errAddrSpaceOccupied = errors.New("address space occupied")

// AddressSpace is a named physical range with named, non-overlapping
// sub-ranges.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

// End returns the first address past a.
func (a *AddressSpace) End() uint64 { return a.Start + a.Size }

// AddAddress reserves addr inside a.
func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) {
		return fmt.Errorf("%s [%#x, %#x) outside %s: %w", addr.Name, addr.Start, addr.End(), a.Name, errAddrSpaceOccupied)
	}

	if !a.IsFree(addr) {
		return fmt.Errorf("%s [%#x, %#x): %w", addr.Name, addr.Start, addr.End(), errAddrSpaceOccupied)
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// InRange reports whether addr lies entirely inside a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Start >= a.Start && addr.End() <= a.End()
}

// IsFree reports whether addr overlaps no reserved sub-range.
func (a *AddressSpace) IsFree(addr *AddressSpace) bool {
	for _, r := range a.Addresses {
		if addr.Start < r.End() && r.Start < addr.End() {
			return false
		}
	}

	return true
}

// Contains reports whether phys falls inside a.
func (a *AddressSpace) Contains(phys uint64) bool {
	return phys >= a.Start && phys < a.End()
}
