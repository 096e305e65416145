package vmm

import "github.com/primeseven1/crescent/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(pte) & hardwareFlags
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | uintptr(frame.Address()))
}

// pageTable is the in-memory layout of a table at any paging level.
type pageTable [entriesPerTable]pageTableEntry

// empty returns true if none of the table entries is present.
func (t *pageTable) empty() bool {
	for i := range t {
		if t[i].HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}

// entryIndex returns the index of the entry that translates virtAddr in a
// table at the specified level.
func entryIndex(virtAddr mm.VirtAddr, level uint8) uintptr {
	return (uintptr(virtAddr) >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// levelSpan returns the number of bytes mapped by a single entry of a table
// at the specified level.
func levelSpan(level uint8) uintptr {
	return uintptr(1) << pageLevelShifts[level]
}
