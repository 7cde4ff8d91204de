package domain

import (
	"encoding/binary"

	"github.com/bobuhiro11/gosoo/memory"
)

// Page indices inside a slot. The boot page table maps the whole slot;
// the info page is the kernel's record of where it lives; process page
// tables follow.
const (
	pgtablePage      = 0
	infoPage         = 1
	firstProcPgtable = 2

	infoMagic uint64 = 0x454d4f4f53 // "SOOME"

	offMagic       = 0
	offStartPFN    = 8
	offPhysOffset  = 16
	offVbstorePFN  = 24
	offVbstorePort = 32
	offDCPort      = 40
	offNrPgtables  = 48
	offPgtables    = 56

	maxPgtables = (memory.PageSize - offPgtables) / 8
	ptesPerPage = memory.PageSize / 8

	ptePresent uint64 = 1
	pteFlags   uint64 = memory.PageSize - 1

	// apicPFN is a device frame every process table maps. It is outside
	// any slot and must survive relocation untouched.
	apicPFN = 0xfee00
)

// info is the kernel info page of a slot.
type info []byte

func (in info) get(off int) uint64 { return binary.LittleEndian.Uint64(in[off:]) }
func (in info) set(off int, v uint64) { binary.LittleEndian.PutUint64(in[off:], v) }

func (in info) pgtable(i int) uint64 { return in.get(offPgtables + 8*i) }
func (in info) setPgtable(i int, v uint64) { in.set(offPgtables+8*i, v) }

func pte(pfn uint64) uint64 { return pfn<<memory.PageShift | ptePresent }

func pteAt(table []byte, i int) uint64 { return binary.LittleEndian.Uint64(table[8*i:]) }

// relocate moves every present entry of table whose frame lies in
// [lo, lo+n) by off frames and returns how many entries changed.
func relocate(table []byte, off int64, lo, n uint64) int {
	if off == 0 {
		return 0
	}

	changed := 0

	for i := 0; i < len(table)/8; i++ {
		e := pteAt(table, i)
		if e&ptePresent == 0 {
			continue
		}

		pfn := e >> memory.PageShift
		if pfn < lo || pfn >= lo+n {
			continue
		}

		binary.LittleEndian.PutUint64(table[8*i:], uint64(int64(pfn)+off)<<memory.PageShift|e&pteFlags)
		changed++
	}

	return changed
}

// writeLayout lays out a fresh kernel image in buf for a slot starting
// at pfn.
func writeLayout(buf []byte, pfn uint64) {
	pages := len(buf) / memory.PageSize
	page := func(i int) []byte { return buf[i*memory.PageSize : (i+1)*memory.PageSize] }

	boot := page(pgtablePage)
	for i := 0; i < pages && i < ptesPerPage; i++ {
		binary.LittleEndian.PutUint64(boot[8*i:], pte(pfn+uint64(i)))
	}

	in := info(page(infoPage))
	in.set(offMagic, infoMagic)
	in.set(offStartPFN, pfn)
	in.set(offPhysOffset, memory.PFNToPhys(pfn))
	in.set(offNrPgtables, 1)
	in.setPgtable(0, pfn+firstProcPgtable)

	proc := page(firstProcPgtable)
	n := 0

	for i := firstProcPgtable + 1; i < pages && n < ptesPerPage-1; i++ {
		binary.LittleEndian.PutUint64(proc[8*n:], pte(pfn+uint64(i)))
		n++
	}

	binary.LittleEndian.PutUint64(proc[8*n:], pte(apicPFN))
}
