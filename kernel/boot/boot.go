// Package boot describes the data that the boot loader hands over to the
// kernel: the physical memory map, the physical location of the kernel image
// and the offset of the higher-half direct map.
package boot

import (
	"slices"

	"github.com/primeseven1/crescent/kernel/kfmt"
)

// MemType describes the type of a memory region reported by the boot loader.
type MemType uint32

const (
	// MemUsable indicates RAM that is free for use by the kernel.
	MemUsable MemType = iota + 1

	// MemReserved indicates memory that must never be touched.
	MemReserved

	// MemACPIReclaimable indicates memory holding ACPI tables. It may be
	// reused once the tables have been parsed.
	MemACPIReclaimable

	// MemNVS indicates memory that must be preserved across sleep states.
	MemNVS

	// MemBad indicates defective RAM.
	MemBad

	// MemBootloaderReclaimable indicates memory holding boot loader
	// structures (e.g. the initial page tables).
	MemBootloaderReclaimable

	// MemKernel indicates the memory holding the kernel image and modules.
	MemKernel

	// MemFramebuffer indicates memory backing a linear framebuffer.
	MemFramebuffer
)

// String implements fmt.Stringer for MemType.
func (t MemType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	case MemACPIReclaimable:
		return "ACPI (reclaimable)"
	case MemNVS:
		return "NVS"
	case MemBad:
		return "bad memory"
	case MemBootloaderReclaimable:
		return "bootloader (reclaimable)"
	case MemKernel:
		return "kernel and modules"
	case MemFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemRegion describes a physical memory region.
type MemRegion struct {
	// The physical address for this region.
	Base uint64

	// The length of this region in bytes.
	Length uint64

	// The type of this region.
	Type MemType
}

// End returns the physical address right after the region.
func (r MemRegion) End() uint64 {
	return r.Base + r.Length
}

// MemRegionVisitor defines a visitor function that gets invoked by VisitMemRegions
// for each memory region. The visitor must return true to continue or false to
// abort the scan.
type MemRegionVisitor func(*MemRegion) bool

// MemoryMap is the list of physical memory regions reported by the boot loader.
type MemoryMap []MemRegion

// Visit invokes the supplied visitor for each region in the map.
func (m MemoryMap) Visit(visitor MemRegionVisitor) {
	for i := range m {
		if !visitor(&m[i]) {
			return
		}
	}
}

// Sanitize returns a copy of the memory map sorted by base address with
// empty regions removed. Usable regions are split so they never overlap a
// region of a different type; reserved types always win.
func (m MemoryMap) Sanitize() MemoryMap {
	var usable, other MemoryMap
	for _, r := range m {
		switch {
		case r.Length == 0:
			continue
		case r.Type == MemUsable:
			usable = append(usable, r)
		default:
			if r.Type == 0 || r.Type > MemFramebuffer {
				r.Type = MemReserved
			}
			other = append(other, r)
		}
	}

	out := make(MemoryMap, 0, len(m))
	out = append(out, other...)
	for _, r := range usable {
		pieces := MemoryMap{r}
		for _, o := range other {
			var next MemoryMap
			for _, piece := range pieces {
				next = append(next, subtract(piece, o)...)
			}
			pieces = next
		}
		out = append(out, pieces...)
	}

	slices.SortFunc(out, func(a, b MemRegion) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		default:
			return 0
		}
	})

	return out
}

// subtract returns the parts of r that do not overlap other.
func subtract(r, other MemRegion) MemoryMap {
	if other.End() <= r.Base || other.Base >= r.End() {
		return MemoryMap{r}
	}

	var out MemoryMap
	if other.Base > r.Base {
		out = append(out, MemRegion{Base: r.Base, Length: other.Base - r.Base, Type: r.Type})
	}
	if other.End() < r.End() {
		out = append(out, MemRegion{Base: other.End(), Length: r.End() - other.End(), Type: r.Type})
	}
	return out
}

// Usable returns true if [base, base+length) is fully covered by usable
// regions.
func (m MemoryMap) Usable(base, length uint64) bool {
	end := base + length
	for cur := base; cur < end; {
		found := false
		for _, r := range m {
			if r.Type == MemUsable && r.Base <= cur && cur < r.End() {
				cur = r.End()
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// UsableEnd returns the address right after the last usable byte.
func (m MemoryMap) UsableEnd() uint64 {
	var end uint64
	for _, r := range m {
		if r.Type == MemUsable && r.End() > end {
			end = r.End()
		}
	}

	return end
}

// UsableBytes returns the total size of all usable regions.
func (m MemoryMap) UsableBytes() uint64 {
	var total uint64
	for _, r := range m {
		if r.Type == MemUsable {
			total += r.Length
		}
	}

	return total
}

// Print emits the memory map to the kernel log.
func (m MemoryMap) Print(log *kfmt.Logger) {
	log.Printf("system memory map:\n")
	for _, r := range m {
		log.Printf("  [0x%16x - 0x%16x], size: %10d, type: %s\n", r.Base, r.End(), r.Length, r.Type.String())
	}
	log.Printf("available memory: %dKb\n", m.UsableBytes()/1024)
}

// Info bundles everything the memory manager needs from the boot loader.
type Info struct {
	// MemoryMap is the physical memory map.
	MemoryMap MemoryMap

	// KernelStart and KernelEnd are the physical bounds of the loaded
	// kernel image.
	KernelStart, KernelEnd uintptr

	// HHDMOffset is the virtual address at which the boot loader mapped
	// physical address 0.
	HHDMOffset uintptr
}
