// Package vmap maps ranges of kernel virtual memory. Each range is reserved
// from the virtual zone allocator and is either backed by freshly allocated
// physical pages (Map) or by an existing physical range such as device
// memory (MapIO).
package vmap

import (
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/mm/slab"
	"github.com/primeseven1/crescent/kernel/mm/vmm"
	"github.com/primeseven1/crescent/kernel/mm/vzone"
)

var (
	log = kfmt.NewLogger("vmap")

	// zeroFn clears freshly mapped memory. It is mocked by tests.
	zeroFn = func(as *vmm.AddressSpace, virtAddr mm.VirtAddr, size uintptr) *kernel.Error {
		return as.Memset(virtAddr, 0, size)
	}

	errZeroSize     = &kernel.Error{Module: "vmap", Message: "mapping size must be greater than zero", Kind: kernel.KindInvalidArgument}
	errMisaligned   = &kernel.Error{Module: "vmap", Message: "address is not aligned to the mapping unit", Kind: kernel.KindInvalidArgument}
	errHugeIO       = &kernel.Error{Module: "vmap", Message: "I/O ranges cannot be mapped with huge pages", Kind: kernel.KindInvalidArgument}
	errPageMismatch = &kernel.Error{Module: "vmap", Message: "range contains pages of a different size", Kind: kernel.KindRangeMismatch}
	errOutOfRegion  = &kernel.Error{Module: "vmap", Message: "range does not belong to the region", Kind: kernel.KindInvalidArgument}
)

// Reserver hands out ranges of kernel virtual addresses.
type Reserver interface {
	// Reserve returns the base of count contiguous units of the zone
	// class selected by flags.
	Reserve(flags mm.AllocFlag, count uintptr) (mm.VirtAddr, *kernel.Error)

	// Release returns a range obtained by Reserve or from a private
	// zone.
	Release(virtAddr mm.VirtAddr, count uintptr) *kernel.Error

	// NewPrivateZone creates a zone of count units owned by the caller.
	NewPrivateZone(flags mm.AllocFlag, count uintptr) (*vzone.Zone, *kernel.Error)

	// DestroyZone removes an empty private zone.
	DestroyZone(z *vzone.Zone) *kernel.Error
}

// Allocator maps kernel memory in the kernel address space of a Mapper.
type Allocator struct {
	frames mm.FrameAllocator
	zones  Reserver
	mapper *vmm.Mapper
	space  *vmm.AddressSpace
}

// New returns an Allocator that backs mappings with pages from frames and
// reserves virtual addresses from zones.
func New(frames mm.FrameAllocator, zones Reserver, mapper *vmm.Mapper) *Allocator {
	return &Allocator{
		frames: frames,
		zones:  zones,
		mapper: mapper,
		space:  mapper.KernelSpace(),
	}
}

// AddressSpace returns the address space that receives the mappings.
func (a *Allocator) AddressSpace() *vmm.AddressSpace {
	return a.space
}

// unitsFor returns the mapping unit implied by flags and the number of units
// needed to hold size bytes.
func unitsFor(size uintptr, flags mm.AllocFlag) (uintptr, uintptr) {
	unit := flags.Unit()
	return unit, mm.AlignUp(size, unit) / unit
}

// orderFor returns the buddy allocator order of a single mapping unit.
func orderFor(unit uintptr) uint8 {
	if unit == mm.HugePageSize {
		return mm.HugePageOrder
	}
	return 0
}

// Map reserves size bytes (rounded up to the mapping unit) of kernel
// virtual memory and backs each unit with physical pages taken from the
// zone selected by flags. The mapping uses 2M pages if flags include
// mm.VMHuge and is zero-filled if flags include mm.FlagZero. If any unit
// cannot be backed, mapped or cleared, everything done by the call is
// undone before the error is returned.
func (a *Allocator) Map(size uintptr, flags mm.AllocFlag) (mm.VirtAddr, *kernel.Error) {
	return a.mapIn(nil, size, flags)
}

// mapIn implements Map. Virtual addresses come from z if it is not nil or
// from the shared zones otherwise.
func (a *Allocator) mapIn(z *vzone.Zone, size uintptr, flags mm.AllocFlag) (mm.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSize
	}

	var (
		unit, count = unitsFor(size, flags)
		virtAddr    mm.VirtAddr
		err         *kernel.Error
	)
	if z != nil {
		virtAddr, err = z.Reserve(count)
	} else {
		virtAddr, err = a.zones.Reserve(flags|mm.VMKernel, count)
	}
	if err != nil {
		return 0, err
	}

	var (
		order    = orderFor(unit)
		pteFlags = a.mapper.FlagsFor(flags)
	)

	for i := uintptr(0); i < count; i++ {
		page := virtAddr + mm.VirtAddr(i*unit)

		physAddr, err := a.frames.AllocPages(flags, order)
		if err == nil {
			if err = a.space.Map(page, physAddr, pteFlags); err != nil {
				a.freePages(physAddr, order)
			}
		}

		if err != nil {
			a.teardown(virtAddr, i, unit)
			a.release(virtAddr, count)
			return 0, err
		}
	}

	if flags.Has(mm.FlagZero) {
		if err = zeroFn(a.space, virtAddr, count*unit); err != nil {
			a.teardown(virtAddr, count, unit)
			a.release(virtAddr, count)
			return 0, err
		}
	}

	return virtAddr, nil
}

// Unmap releases a mapping created by Map. The size and the mm.VMHuge bit
// of flags must match the values passed to Map. The range is checked before
// anything is unmapped so a failed call leaves the mapping intact.
func (a *Allocator) Unmap(virtAddr mm.VirtAddr, size uintptr, flags mm.AllocFlag) *kernel.Error {
	if size == 0 {
		return errZeroSize
	}

	unit, count := unitsFor(size, flags)
	if err := a.check(virtAddr, count, unit); err != nil {
		return err
	}

	a.teardown(virtAddr, count, unit)
	return a.zones.Release(virtAddr, count)
}

// MapIO maps size bytes of the physical range starting at physAddr into
// kernel virtual memory using uncached 4K pages. The returned address has
// the same page offset as physAddr.
func (a *Allocator) MapIO(physAddr mm.PhysAddr, size uintptr, flags mm.AllocFlag) (mm.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSize
	}
	if flags.Has(mm.VMHuge) {
		return 0, errHugeIO
	}

	offset := uintptr(physAddr) & (mm.PageSize - 1)
	count := mm.AlignUp(size+offset, mm.PageSize) >> mm.PageShift

	virtAddr, err := a.zones.Reserve(flags|mm.VMKernel, count)
	if err != nil {
		return 0, err
	}

	pteFlags := a.mapper.FlagsFor(flags | mm.VMNoCache)
	if err = a.space.MapRegion(virtAddr, physAddr-mm.PhysAddr(offset), count, pteFlags); err != nil {
		a.release(virtAddr, count)
		return 0, err
	}

	return virtAddr + mm.VirtAddr(offset), nil
}

// UnmapIO releases a mapping created by MapIO. The physical range is left
// untouched.
func (a *Allocator) UnmapIO(virtAddr mm.VirtAddr, size uintptr) *kernel.Error {
	if size == 0 {
		return errZeroSize
	}

	offset := uintptr(virtAddr) & (mm.PageSize - 1)
	base := virtAddr - mm.VirtAddr(offset)
	count := mm.AlignUp(size+offset, mm.PageSize) >> mm.PageShift

	if err := a.check(base, count, mm.PageSize); err != nil {
		return err
	}
	if err := a.space.UnmapRegion(base, count, false); err != nil {
		return err
	}
	return a.zones.Release(base, count)
}

// Protect replaces the page table flags of every unit in a range created
// by Map.
func (a *Allocator) Protect(virtAddr mm.VirtAddr, size uintptr, flags mm.AllocFlag) *kernel.Error {
	if size == 0 {
		return errZeroSize
	}

	unit, count := unitsFor(size, flags)
	if err := a.check(virtAddr, count, unit); err != nil {
		return err
	}

	pteFlags := a.mapper.FlagsFor(flags)
	for i := uintptr(0); i < count; i++ {
		if err := a.space.Protect(virtAddr+mm.VirtAddr(i*unit), pteFlags); err != nil {
			return err
		}
	}
	return nil
}

// check verifies that count units of the given size starting at virtAddr
// are mapped with pages of that size.
func (a *Allocator) check(virtAddr mm.VirtAddr, count, unit uintptr) *kernel.Error {
	if !mm.IsAligned(uintptr(virtAddr), unit) {
		return errMisaligned
	}

	huge := unit == mm.HugePageSize
	for i := uintptr(0); i < count; i++ {
		page := virtAddr + mm.VirtAddr(i*unit)
		if _, err := a.space.Translate(page); err != nil {
			return err
		}
		if a.space.IsHuge(page) != huge {
			return errPageMismatch
		}
	}
	return nil
}

// teardown unmaps the first count units starting at virtAddr and returns
// their backing pages to the physical allocator.
func (a *Allocator) teardown(virtAddr mm.VirtAddr, count, unit uintptr) {
	order := orderFor(unit)
	for i := uintptr(0); i < count; i++ {
		page := virtAddr + mm.VirtAddr(i*unit)

		physAddr, err := a.space.Translate(page)
		if err != nil {
			log.Errorf("page 0x%x is not mapped\n", uintptr(page))
			continue
		}
		if err = a.space.Unmap(page); err != nil {
			log.Errorf("unable to unmap page 0x%x: %s\n", uintptr(page), err.Message)
			continue
		}
		a.freePages(physAddr, order)
	}
}

func (a *Allocator) freePages(physAddr mm.PhysAddr, order uint8) {
	if err := a.frames.FreePages(physAddr, order); err != nil {
		log.Errorf("unable to free page 0x%x: %s\n", uintptr(physAddr), err.Message)
	}
}

func (a *Allocator) release(virtAddr mm.VirtAddr, count uintptr) {
	if err := a.zones.Release(virtAddr, count); err != nil {
		log.Errorf("unable to release range 0x%x: %s\n", uintptr(virtAddr), err.Message)
	}
}

// Region maps memory from a private virtual zone. It is used by slab caches
// whose flags include mm.VMPrivate.
type Region struct {
	a    *Allocator
	zone *vzone.Zone
}

// NewRegion creates a private zone sized for size bytes mapped according to
// flags. The zone grows as the region maps more memory.
func (a *Allocator) NewRegion(flags mm.AllocFlag, size uintptr) (slab.Region, *kernel.Error) {
	if size == 0 {
		return nil, errZeroSize
	}

	_, count := unitsFor(size, flags)
	z, err := a.zones.NewPrivateZone(flags|mm.VMKernel, count)
	if err != nil {
		return nil, err
	}

	return &Region{a: a, zone: z}, nil
}

// Zone returns the private zone that backs the region.
func (r *Region) Zone() *vzone.Zone { return r.zone }

// Map maps size bytes inside the region. The mm.VMHuge bit of flags must
// match the flags the region was created with.
func (r *Region) Map(size uintptr, flags mm.AllocFlag) (mm.VirtAddr, *kernel.Error) {
	if flags.Unit() != r.zone.Unit() {
		return 0, errPageMismatch
	}
	return r.a.mapIn(r.zone, size, flags)
}

// Unmap releases a mapping created by Map.
func (r *Region) Unmap(virtAddr mm.VirtAddr, size uintptr, flags mm.AllocFlag) *kernel.Error {
	base, span := r.zone.Base(), r.zone.Units()*r.zone.Unit()
	if virtAddr < base || uintptr(virtAddr-base) >= span {
		return errOutOfRegion
	}
	return r.a.Unmap(virtAddr, size, flags)
}

// Destroy removes the private zone. Every mapping of the region must have
// been released.
func (r *Region) Destroy() *kernel.Error {
	return r.a.zones.DestroyZone(r.zone)
}
