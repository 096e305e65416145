// Package pmm implements the physical memory allocator. Physical memory is
// split into zones according to the addressing constraints of the devices
// that may need to access it; each zone is managed by a buddy allocator.
package pmm

import (
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/boot"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm"
)

var (
	log = kfmt.NewLogger("pmm")

	errOrderOutOfRange = &kernel.Error{Module: "pmm", Message: "requested order exceeds the zone size", Kind: kernel.KindInvalidArgument}
	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindExhausted}
	errMisalignedFree  = &kernel.Error{Module: "pmm", Message: "address is not aligned to the block order", Kind: kernel.KindInvalidArgument}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "block is not allocated", Kind: kernel.KindInvalidArgument}
	errFreeFirstPage   = &kernel.Error{Module: "pmm", Message: "the first physical page cannot be freed", Kind: kernel.KindInvalidArgument}
	errUnknownZone     = &kernel.Error{Module: "pmm", Message: "address does not belong to any zone", Kind: kernel.KindNotFound}
	errNoMemory        = &kernel.Error{Module: "pmm", Message: "memory map does not contain any usable memory", Kind: kernel.KindFatal}
	errBadZoneLimits   = &kernel.Error{Module: "pmm", Message: "zone limits must be page-aligned and increasing", Kind: kernel.KindInvalidArgument}
)

// Config controls how physical memory is split into zones.
type Config struct {
	// DMALimit is the first address past the DMA zone.
	DMALimit mm.PhysAddr

	// DMA32Limit is the first address past the DMA32 zone.
	DMA32Limit mm.PhysAddr

	// KernelStart and KernelEnd are the physical bounds of the kernel
	// image. The image is reserved when the zones are built.
	KernelStart, KernelEnd mm.PhysAddr
}

// DefaultConfig returns the zone layout used on PC hardware.
func DefaultConfig() Config {
	return Config{
		DMALimit:   mm.PhysAddr(16 * mm.Mb),
		DMA32Limit: mm.PhysAddr(4 * mm.Gb),
	}
}

// Allocator hands out physically contiguous page runs from a set of zones.
type Allocator struct {
	zones [classCount]*Zone
}

// New builds the physical zones from a memory map. The first physical page,
// every region that the map does not report as usable, the part of each
// buddy tree past the end of its zone and the kernel image are reserved.
func New(mmap boot.MemoryMap, cfg Config) (*Allocator, *kernel.Error) {
	if !mm.IsAligned(uintptr(cfg.DMALimit), mm.PageSize) ||
		!mm.IsAligned(uintptr(cfg.DMA32Limit), mm.PageSize) ||
		cfg.DMALimit == 0 || cfg.DMA32Limit <= cfg.DMALimit {
		return nil, errBadZoneLimits
	}

	mmap = mmap.Sanitize()
	end := mm.PhysAddr(mm.AlignDown(mmap.UsableEnd(), uint64(mm.PageSize)))
	if end == 0 {
		return nil, errNoMemory
	}

	var (
		alloc  Allocator
		limits = [classCount][2]mm.PhysAddr{
			ClassDMA:    {0, cfg.DMALimit},
			ClassDMA32:  {cfg.DMALimit, cfg.DMA32Limit},
			ClassNormal: {cfg.DMA32Limit, end},
		}
	)

	for class, limit := range limits {
		zoneEnd := limit[1]
		if zoneEnd > end {
			zoneEnd = end
		}
		if zoneEnd <= limit[0] {
			continue
		}

		z := newZone(Class(class), limit[0], uintptr(zoneEnd-limit[0]))
		z.reserve(zoneEnd, z.size-z.realSize)
		alloc.zones[class] = z
	}

	// Reserve everything that is not covered by a usable region
	var cur uint64
	for _, r := range mmap {
		if r.Type != boot.MemUsable {
			continue
		}
		if r.Base > cur {
			alloc.Reserve(mm.PhysAddr(cur), uintptr(r.Base-cur))
		}
		if r.End() > cur {
			cur = r.End()
		}
	}

	alloc.Reserve(0, mm.PageSize)
	if cfg.KernelEnd > cfg.KernelStart {
		alloc.Reserve(cfg.KernelStart, uintptr(cfg.KernelEnd-cfg.KernelStart))
	}

	return &alloc, nil
}

// Zone returns the zone for the specified class or nil if the system has
// no memory in that class.
func (alloc *Allocator) Zone(class Class) *Zone {
	if class >= classCount {
		return nil
	}
	return alloc.zones[class]
}

// ZoneForAddress returns the zone that contains addr or nil.
func (alloc *Allocator) ZoneForAddress(addr mm.PhysAddr) *Zone {
	for _, z := range alloc.zones {
		if z != nil && z.contains(addr) {
			return z
		}
	}
	return nil
}

// Reserve flags every page that overlaps [base, base+size) as used so that
// it is never handed out by the allocator.
func (alloc *Allocator) Reserve(base mm.PhysAddr, size uintptr) {
	end := base + mm.PhysAddr(size)
	for _, z := range alloc.zones {
		if z == nil {
			continue
		}

		// Clip the range to the memory backing the zone; the tail of
		// each buddy tree is already reserved.
		zStart, zEnd := base, end
		if zStart < z.base {
			zStart = z.base
		}
		if limit := z.base + mm.PhysAddr(z.realSize); zEnd > limit {
			zEnd = limit
		}
		if zStart < zEnd {
			z.reserve(zStart, uintptr(zEnd-zStart))
		}
	}
}

// AllocPages reserves 2^order physically contiguous pages from the zone
// class requested by flags. If the zone is exhausted, the request falls
// back to the progressively more restricted zones (Normal, then DMA32,
// then DMA); requests for restricted zones never fall back to less
// restricted ones.
func (alloc *Allocator) AllocPages(flags mm.AllocFlag, order uint8) (mm.PhysAddr, *kernel.Error) {
	err := errOutOfMemory
	for class := int(classFor(flags)); class >= 0; class-- {
		z := alloc.zones[class]
		if z == nil {
			continue
		}

		addr, zErr := z.alloc(order)
		if zErr == nil {
			return addr, nil
		}

		// keep the most descriptive error; a zone being too small
		// for the order is only reported if no zone had room.
		if zErr != errOrderOutOfRange || err == errOutOfMemory {
			err = zErr
		}
	}

	if err == errOutOfMemory {
		log.Warnf("zone %s exhausted (order %d)\n", classFor(flags).String(), order)
	}
	return 0, err
}

// FreePages releases pages previously obtained by AllocPages with the same
// order.
func (alloc *Allocator) FreePages(addr mm.PhysAddr, order uint8) *kernel.Error {
	if addr < mm.PhysAddr(mm.PageSize) {
		return errFreeFirstPage
	}

	z := alloc.ZoneForAddress(addr)
	if z == nil {
		return errUnknownZone
	}

	return z.free(addr, order)
}

// AllocFrame reserves a single page from the Normal zone (or any zone it
// may fall back to).
func (alloc *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := alloc.AllocPages(mm.ZoneNormal, 0)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return addr.Frame(), nil
}

// FreeFrame releases a page obtained by AllocFrame.
func (alloc *Allocator) FreeFrame(frame mm.Frame) *kernel.Error {
	return alloc.FreePages(frame.Address(), 0)
}

// ZoneStats summarizes the state of a zone.
type ZoneStats struct {
	Class      Class
	Base       mm.PhysAddr
	Size       uintptr
	Layers     uint8
	TotalPages uintptr
	FreePages  uintptr
}

// Stats returns a summary for each populated zone.
func (alloc *Allocator) Stats() []ZoneStats {
	var stats []ZoneStats
	for _, z := range alloc.zones {
		if z == nil {
			continue
		}

		stats = append(stats, ZoneStats{
			Class:      z.class,
			Base:       z.base,
			Size:       z.realSize,
			Layers:     z.layers,
			TotalPages: z.realSize >> mm.PageShift,
			FreePages:  z.FreePages(),
		})
	}
	return stats
}

// PrintStats emits a summary of all zones to the kernel log.
func (alloc *Allocator) PrintStats() {
	for _, s := range alloc.Stats() {
		log.Printf("zone %6s: [0x%16x - 0x%16x] layers: %2d, free: %d/%d pages\n",
			s.Class.String(), uintptr(s.Base), uintptr(s.Base)+s.Size, s.Layers, s.FreePages, s.TotalPages,
		)
	}
}
