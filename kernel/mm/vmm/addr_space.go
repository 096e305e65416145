package vmm

import (
	"unsafe"

	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/sync"
)

// AddressSpace is a tree of page tables rooted at a top-level table.
type AddressSpace struct {
	mapper *Mapper
	root   mm.Frame

	// lock guards the tables reachable from the lower half of the
	// top-level table.
	lock sync.IRQSpinlock
}

// Root returns the physical address of the top-level table.
func (as *AddressSpace) Root() mm.PhysAddr {
	return as.root.Address()
}

// Activate loads the top-level table of this address space into CR3 which
// also flushes all non-global TLB entries.
func (as *AddressSpace) Activate() {
	switchPDTFn(uintptr(as.root.Address()))
}

// lockFor returns the lock that guards the tables translating virtAddr.
func (as *AddressSpace) lockFor(virtAddr mm.VirtAddr) *sync.IRQSpinlock {
	if isUpperHalf(virtAddr) {
		return &as.mapper.upperLock
	}
	return &as.lock
}

// Map establishes a mapping between a virtual page and a physical page. If
// flags contain FlagHugePage, a 2M page is mapped and both addresses are
// aligned down to a 2M boundary; otherwise both addresses are aligned down
// to a page boundary.
//
// Any page table allocated by a failed call is released before Map returns.
func (as *AddressSpace) Map(virtAddr mm.VirtAddr, physAddr mm.PhysAddr, flags PageTableEntryFlag) *kernel.Error {
	if !isCanonical(virtAddr) {
		return errNonCanonical
	}
	if uint64(physAddr) >= as.mapper.maxPhys {
		return errPhysAddrOutOfRange
	}
	if err := as.mapper.validateFlags(flags); err != nil {
		return err
	}

	lock := as.lockFor(virtAddr)
	irq := lock.Acquire()
	err := as.mapLocked(virtAddr, physAddr, flags|FlagPresent)
	lock.Release(irq)

	return err
}

func (as *AddressSpace) mapLocked(virtAddr mm.VirtAddr, physAddr mm.PhysAddr, flags PageTableEntryFlag) *kernel.Error {
	var (
		m         = as.mapper
		leafLevel = uint8(levelPT)
		pageSize  = mm.PageSize

		// fresh tracks the entries that point to tables allocated by
		// this call so they can be released if the mapping fails.
		fresh      [pageLevels - 1]*pageTableEntry
		freshCount int
	)

	if flags&FlagHugePage != 0 {
		leafLevel, pageSize = levelPD, mm.HugePageSize
	}
	virtAddr = mm.VirtAddr(mm.AlignDown(uintptr(virtAddr), pageSize))
	physAddr = mm.PhysAddr(mm.AlignDown(uintptr(physAddr), pageSize))

	rollback := func(err *kernel.Error) *kernel.Error {
		for i := freshCount - 1; i >= 0; i-- {
			frame := fresh[i].Frame()
			*fresh[i] = 0
			m.freeTable(frame)
		}
		return err
	}

	table := m.table(as.root)
	for level := uint8(0); level < leafLevel; level++ {
		pte := &table[entryIndex(virtAddr, level)]

		switch {
		case !pte.HasFlags(FlagPresent):
			frame, err := m.allocTable()
			if err != nil {
				return rollback(err)
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | FlagRW | flags&FlagUserAccessible)
			fresh[freshCount] = pte
			freshCount++
		case pte.HasFlags(FlagHugePage):
			return rollback(errPageSizeMismatch)
		default:
			pte.SetFlags(flags & FlagUserAccessible)
		}

		table = m.table(pte.Frame())
	}

	leaf := &table[entryIndex(virtAddr, leafLevel)]
	if leaf.HasFlags(FlagPresent) {
		// A huge page cannot replace a table of 4K pages
		if leafLevel == levelPD && !leaf.HasFlags(FlagHugePage) {
			return rollback(errPageSizeMismatch)
		}
		return rollback(errAlreadyMapped)
	}

	*leaf = pageTableEntry(flags)
	leaf.SetFrame(physAddr.Frame())
	m.flushTLBEntry(virtAddr)

	return nil
}

// walkPath records the entries visited while translating a virtual address.
type walkPath struct {
	entries [pageLevels]*pageTableEntry
	tables  [pageLevels]*pageTable

	// leaf is the level of the entry that maps the page.
	leaf uint8
}

// walk performs a page table walk for virtAddr. It returns ErrInvalidMapping
// if the address is not mapped. Callers must hold the lock returned by
// lockFor.
func (as *AddressSpace) walk(virtAddr mm.VirtAddr, path *walkPath) *kernel.Error {
	table := as.mapper.table(as.root)
	for level := uint8(0); level < pageLevels; level++ {
		pte := &table[entryIndex(virtAddr, level)]
		if !pte.HasFlags(FlagPresent) {
			return ErrInvalidMapping
		}

		path.tables[level] = table
		path.entries[level] = pte
		path.leaf = level

		if level == levelPT || (level > 0 && pte.HasFlags(FlagHugePage)) {
			return nil
		}

		table = as.mapper.table(pte.Frame())
	}
	return nil
}

// Unmap removes the mapping for the page that contains virtAddr and
// invalidates its TLB entry. Page tables that become empty are released,
// except for the tables directly referenced by the shared kernel half of
// the top-level table. Huge pages must be unmapped using their 2M aligned
// address.
func (as *AddressSpace) Unmap(virtAddr mm.VirtAddr) *kernel.Error {
	if !isCanonical(virtAddr) {
		return errNonCanonical
	}

	lock := as.lockFor(virtAddr)
	irq := lock.Acquire()
	defer lock.Release(irq)

	var path walkPath
	if err := as.walk(virtAddr, &path); err != nil {
		return err
	}
	if path.leaf < levelPT && !mm.IsAligned(uintptr(virtAddr), levelSpan(path.leaf)) {
		return errPageSizeMismatch
	}

	as.unmapLocked(virtAddr, &path)
	return nil
}

// unmapLocked clears the leaf entry recorded in path and releases the
// tables that become empty. Callers must hold the lock returned by lockFor.
func (as *AddressSpace) unmapLocked(virtAddr mm.VirtAddr, path *walkPath) {
	virtAddr = mm.VirtAddr(mm.AlignDown(uintptr(virtAddr), levelSpan(path.leaf)))

	*path.entries[path.leaf] = 0
	as.mapper.flushTLBEntry(virtAddr)

	for level := path.leaf; level > 0; level-- {
		if !path.tables[level].empty() {
			break
		}
		if level == levelPDPT && isUpperHalf(virtAddr) {
			break
		}

		parent := path.entries[level-1]
		frame := parent.Frame()
		*parent = 0
		as.mapper.freeTable(frame)
	}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	if !isCanonical(virtAddr) {
		return 0, errNonCanonical
	}

	lock := as.lockFor(virtAddr)
	irq := lock.Acquire()
	defer lock.Release(irq)

	var path walkPath
	if err := as.walk(virtAddr, &path); err != nil {
		return 0, err
	}

	offset := uintptr(virtAddr) & (levelSpan(path.leaf) - 1)
	base := uintptr(path.entries[path.leaf].Frame().Address()) &^ (levelSpan(path.leaf) - 1)
	return mm.PhysAddr(base + offset), nil
}

// IsHuge returns true if virtAddr is mapped by a page larger than 4K.
func (as *AddressSpace) IsHuge(virtAddr mm.VirtAddr) bool {
	if !isCanonical(virtAddr) {
		return false
	}

	lock := as.lockFor(virtAddr)
	irq := lock.Acquire()
	defer lock.Release(irq)

	var path walkPath
	return as.walk(virtAddr, &path) == nil && path.leaf < levelPT
}

// Protect replaces the flags of the mapping for virtAddr while keeping the
// physical page it points to. The FlagHugePage bit of flags must match the
// size of the existing mapping.
func (as *AddressSpace) Protect(virtAddr mm.VirtAddr, flags PageTableEntryFlag) *kernel.Error {
	if !isCanonical(virtAddr) {
		return errNonCanonical
	}
	if err := as.mapper.validateFlags(flags); err != nil {
		return err
	}

	lock := as.lockFor(virtAddr)
	irq := lock.Acquire()
	defer lock.Release(irq)

	var path walkPath
	if err := as.walk(virtAddr, &path); err != nil {
		return err
	}

	if (path.leaf == levelPD) != (flags&FlagHugePage != 0) || path.leaf < levelPD {
		return errPageSizeMismatch
	}

	pte := path.entries[path.leaf]
	frame := pte.Frame()
	*pte = pageTableEntry(flags | FlagPresent)
	pte.SetFrame(frame)
	as.mapper.flushTLBEntry(virtAddr)

	return nil
}

// MapRegion maps count consecutive pages starting at virtAddr to the
// physical range starting at physAddr. The page size is selected by the
// FlagHugePage bit of flags and both addresses are aligned down to it. If
// any page cannot be mapped, all pages mapped by this call are unmapped
// before the error is returned.
func (as *AddressSpace) MapRegion(virtAddr mm.VirtAddr, physAddr mm.PhysAddr, count uintptr, flags PageTableEntryFlag) *kernel.Error {
	pageSize := mm.PageSize
	if flags&FlagHugePage != 0 {
		pageSize = mm.HugePageSize
	}
	virtAddr = mm.VirtAddr(mm.AlignDown(uintptr(virtAddr), pageSize))
	physAddr = mm.PhysAddr(mm.AlignDown(uintptr(physAddr), pageSize))

	for i := uintptr(0); i < count; i++ {
		offset := i * pageSize
		err := as.Map(virtAddr+mm.VirtAddr(offset), physAddr+mm.PhysAddr(offset), flags)
		if err == nil {
			continue
		}

		for ; i > 0; i-- {
			page := virtAddr + mm.VirtAddr((i-1)*pageSize)
			if unmapErr := as.Unmap(page); unmapErr != nil {
				log.Errorf("unable to roll back mapping 0x%x: %s\n", uintptr(page), unmapErr.Message)
			}
		}
		return err
	}

	return nil
}

// UnmapRegion unmaps count consecutive pages starting at virtAddr. The huge
// argument must match the size of every page in the region. The whole range
// is checked before any page is unmapped so a failed call leaves every
// mapping in place.
func (as *AddressSpace) UnmapRegion(virtAddr mm.VirtAddr, count uintptr, huge bool) *kernel.Error {
	if count == 0 {
		return nil
	}

	pageSize := mm.PageSize
	if huge {
		pageSize = mm.HugePageSize
	}
	virtAddr = mm.VirtAddr(mm.AlignDown(uintptr(virtAddr), pageSize))

	span := count * pageSize
	last := virtAddr + mm.VirtAddr(span-pageSize)
	if span/count != pageSize || last < virtAddr || !isCanonical(virtAddr) || !isCanonical(last) || isUpperHalf(virtAddr) != isUpperHalf(last) {
		return errNonCanonical
	}

	lock := as.lockFor(virtAddr)
	irq := lock.Acquire()
	defer lock.Release(irq)

	var path walkPath
	for i := uintptr(0); i < count; i++ {
		if err := as.walk(virtAddr+mm.VirtAddr(i*pageSize), &path); err != nil {
			return err
		}
		if (path.leaf < levelPT) != huge {
			return errPageSizeMismatch
		}
	}

	for i := uintptr(0); i < count; i++ {
		page := virtAddr + mm.VirtAddr(i*pageSize)
		path = walkPath{}
		if err := as.walk(page, &path); err != nil {
			return err
		}
		as.unmapLocked(page, &path)
	}

	return nil
}

// TableCount returns the number of page tables reachable from the
// top-level table, including the top-level table itself.
func (as *AddressSpace) TableCount() int {
	irq := as.lock.Acquire()
	upperIRQ := as.mapper.upperLock.Acquire()
	count := as.mapper.countTables(as.root, 0)
	as.mapper.upperLock.Release(upperIRQ)
	as.lock.Release(irq)

	return count
}

func (m *Mapper) countTables(frame mm.Frame, level uint8) int {
	count := 1
	if level == levelPT {
		return count
	}

	t := m.table(frame)
	for i := range t {
		if t[i].HasFlags(FlagPresent) && (level == 0 || !t[i].HasFlags(FlagHugePage)) {
			count += m.countTables(t[i].Frame(), level+1)
		}
	}
	return count
}

// Pointer returns a pointer to the direct map view of the byte mapped at
// virtAddr. The pointer is only valid up to the end of the page that
// contains virtAddr.
func (as *AddressSpace) Pointer(virtAddr mm.VirtAddr) (unsafe.Pointer, *kernel.Error) {
	physAddr, err := as.Translate(virtAddr)
	if err != nil {
		return nil, err
	}
	return as.mapper.dm.Pointer(physAddr), nil
}

// Memset sets size bytes starting at the mapped address virtAddr to value.
// Each page is accessed through the direct map so the address space does
// not need to be active.
func (as *AddressSpace) Memset(virtAddr mm.VirtAddr, value byte, size uintptr) *kernel.Error {
	for size > 0 {
		physAddr, err := as.Translate(virtAddr)
		if err != nil {
			return err
		}

		chunk := mm.PageSize - uintptr(virtAddr)&(mm.PageSize-1)
		if chunk > size {
			chunk = size
		}

		kernel.Memset(uintptr(as.mapper.dm.Virt(physAddr)), value, chunk)
		virtAddr += mm.VirtAddr(chunk)
		size -= chunk
	}

	return nil
}

// Memcopy copies size bytes from the mapped address src to the mapped
// address dst. The two ranges must not overlap.
func (as *AddressSpace) Memcopy(dst, src mm.VirtAddr, size uintptr) *kernel.Error {
	for size > 0 {
		srcPhys, err := as.Translate(src)
		if err != nil {
			return err
		}
		dstPhys, err := as.Translate(dst)
		if err != nil {
			return err
		}

		chunk := mm.PageSize - uintptr(src)&(mm.PageSize-1)
		if dstChunk := mm.PageSize - uintptr(dst)&(mm.PageSize-1); dstChunk < chunk {
			chunk = dstChunk
		}
		if chunk > size {
			chunk = size
		}

		kernel.Memcopy(uintptr(as.mapper.dm.Virt(srcPhys)), uintptr(as.mapper.dm.Virt(dstPhys)), chunk)
		src += mm.VirtAddr(chunk)
		dst += mm.VirtAddr(chunk)
		size -= chunk
	}

	return nil
}

// TopLevelPresent returns true if the entry at index in the top-level table
// is present.
func (as *AddressSpace) TopLevelPresent(index int) bool {
	if index < 0 || index >= entriesPerTable {
		return false
	}

	lock := &as.lock
	if index >= upperHalfFirstEntry {
		lock = &as.mapper.upperLock
	}

	irq := lock.Acquire()
	present := as.mapper.table(as.root)[index].HasFlags(FlagPresent)
	lock.Release(irq)

	return present
}
