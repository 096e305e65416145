package mm

import (
	"math"
	"unsafe"
)

// PhysAddr is a physical memory address.
type PhysAddr uintptr

// VirtAddr is a virtual memory address.
type VirtAddr uintptr

// Frame returns the physical frame that contains this address.
func (p PhysAddr) Frame() Frame {
	return FrameFromAddress(p)
}

// Page returns the virtual page that contains this address.
func (v VirtAddr) Page() Page {
	return PageFromAddress(v)
}

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame(uintptr(physAddr) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() VirtAddr {
	return VirtAddr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr VirtAddr) Page {
	return Page(uintptr(virtAddr) >> PageShift)
}

// DirectMap translates between physical addresses and their view in the
// higher-half direct map, the virtual range where the boot loader mapped all
// of physical memory at a fixed offset.
type DirectMap struct {
	offset uintptr
}

// NewDirectMap returns a DirectMap for a direct map that starts at offset.
func NewDirectMap(offset uintptr) DirectMap {
	return DirectMap{offset: offset}
}

// Offset returns the virtual address of physical address 0.
func (d DirectMap) Offset() uintptr {
	return d.offset
}

// Virt returns the direct map address of p.
func (d DirectMap) Virt(p PhysAddr) VirtAddr {
	return VirtAddr(uintptr(p) + d.offset)
}

// Phys returns the physical address that the direct map address v refers to.
func (d DirectMap) Phys(v VirtAddr) PhysAddr {
	return PhysAddr(uintptr(v) - d.offset)
}

// Pointer returns a pointer to the direct map view of p.
func (d DirectMap) Pointer(p PhysAddr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) + d.offset)
}
