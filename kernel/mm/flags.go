package mm

import "github.com/primeseven1/crescent/kernel"

// AllocFlag controls where an allocation is placed and how it is mapped.
type AllocFlag uint32

const (
	// ZoneDMA requests memory reachable by 24-bit DMA (below 16M).
	ZoneDMA AllocFlag = 1 << iota

	// ZoneDMA32 requests memory reachable by 32-bit DMA (below 4G).
	ZoneDMA32

	// ZoneNormal requests memory without addressing restrictions.
	ZoneNormal

	// VMKernel requests a mapping that is only accessible from the kernel.
	VMKernel

	// VMExec requests an executable mapping.
	VMExec

	// VMShared requests a mapping in a zone that is shared between CPUs.
	VMShared

	// VMHuge requests a mapping backed by 2M pages.
	VMHuge

	// VMPrivate requests a mapping in a zone owned by a single allocator.
	// Private zones are not locked and are destroyed by their owner.
	VMPrivate

	// VMNoCache requests an uncached mapping (e.g. for device I/O).
	VMNoCache

	// FlagZero requests zero-filled memory.
	FlagZero
)

const (
	// ZoneMask selects the physical zone bits of a flag set.
	ZoneMask = ZoneDMA | ZoneDMA32 | ZoneNormal

	// VMZoneMask selects the bits that classify a virtual zone.
	VMZoneMask = VMKernel | VMExec | VMShared | VMHuge

	// KernelDefault is the flag set used by kernel heap allocations.
	KernelDefault = ZoneNormal | VMKernel
)

// Zone returns the zone bits of the flag set, defaulting to ZoneNormal.
func (f AllocFlag) Zone() AllocFlag {
	if z := f & ZoneMask; z != 0 {
		return z
	}
	return ZoneNormal
}

// Has returns true if all bits of other are set.
func (f AllocFlag) Has(other AllocFlag) bool {
	return f&other == other
}

// Unit returns the size of the mapping unit implied by the flag set.
func (f AllocFlag) Unit() uintptr {
	if f&VMHuge != 0 {
		return HugePageSize
	}
	return PageSize
}

// FrameAllocator is implemented by physical page allocators.
type FrameAllocator interface {
	// AllocPages reserves 2^order physically contiguous pages.
	AllocPages(flags AllocFlag, order uint8) (PhysAddr, *kernel.Error)

	// FreePages releases pages obtained by AllocPages.
	FreePages(addr PhysAddr, order uint8) *kernel.Error
}
