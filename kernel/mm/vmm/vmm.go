// Package vmm manages the 4-level page tables that translate virtual
// addresses to physical frames. Tables are accessed through the direct map
// so that inactive address spaces can be modified without temporary
// mappings.
package vmm

import (
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/cpu"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/sync"
)

var (
	log = kfmt.NewLogger("vmm")

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindNotFound}

	errNonCanonical        = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical", Kind: kernel.KindInvalidArgument}
	errPhysAddrOutOfRange  = &kernel.Error{Module: "vmm", Message: "physical address exceeds the CPU physical address width", Kind: kernel.KindInvalidArgument}
	errInvalidFlags        = &kernel.Error{Module: "vmm", Message: "flags contain non page table bits", Kind: kernel.KindInvalidArgument}
	errCacheModeConflict   = &kernel.Error{Module: "vmm", Message: "write-through and cache-disable are mutually exclusive", Kind: kernel.KindInvalidArgument}
	errNXUnsupported       = &kernel.Error{Module: "vmm", Message: "no-execute flag requested but not supported", Kind: kernel.KindInvalidArgument}
	errAlreadyMapped       = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped", Kind: kernel.KindInUse}
	errPageSizeMismatch    = &kernel.Error{Module: "vmm", Message: "page size does not match the existing mapping", Kind: kernel.KindRangeMismatch}
	errDestroyKernelSpace  = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed", Kind: kernel.KindInvalidArgument}
	errForeignAddressSpace = &kernel.Error{Module: "vmm", Message: "address space belongs to a different mapper", Kind: kernel.KindInvalidArgument}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT
)

// FrameSource provides the physical frames that back page tables.
type FrameSource interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	FreeFrame(mm.Frame) *kernel.Error
}

// Option customizes a Mapper.
type Option func(*Mapper)

// WithTLBFlusher replaces the function used to invalidate the TLB entry of
// a single page.
func WithTLBFlusher(fn func(mm.VirtAddr)) Option {
	return func(m *Mapper) {
		m.flushTLBEntry = fn
	}
}

// WithRoot makes the kernel address space adopt an existing top-level table
// (e.g. the one installed by the boot loader) instead of allocating a new
// one.
func WithRoot(root mm.PhysAddr) Option {
	return func(m *Mapper) {
		m.root = root.Frame()
	}
}

// Mapper creates and modifies address spaces. All address spaces created by
// the same Mapper share the kernel half of the virtual address space.
type Mapper struct {
	frames FrameSource
	dm     mm.DirectMap
	feat   Features

	// maxPhys is the first physical address that the CPU cannot address.
	maxPhys uint64

	flushTLBEntry func(mm.VirtAddr)

	// upperLock guards the page tables reachable from the shared top-level
	// entries of every address space.
	upperLock sync.IRQSpinlock

	root        mm.Frame
	kernelSpace *AddressSpace
}

// NewMapper validates the CPU features and sets up the kernel address
// space.
func NewMapper(frames FrameSource, dm mm.DirectMap, feat Features, opts ...Option) (*Mapper, *kernel.Error) {
	if err := feat.Validate(); err != nil {
		return nil, err
	}

	m := &Mapper{
		frames:  frames,
		dm:      dm,
		feat:    feat,
		maxPhys: uint64(1) << feat.PhysAddrBits,
		flushTLBEntry: func(v mm.VirtAddr) {
			flushTLBEntryFn(uintptr(v))
		},
		root: mm.InvalidFrame,
	}

	for _, opt := range opts {
		opt(m)
	}

	if !m.root.Valid() {
		root, err := m.allocTable()
		if err != nil {
			return nil, err
		}
		m.root = root
	}

	m.kernelSpace = &AddressSpace{mapper: m, root: m.root}
	return m, nil
}

// Features returns the CPU features the mapper was configured with.
func (m *Mapper) Features() Features {
	return m.feat
}

// DirectMap returns the direct map used to access page tables.
func (m *Mapper) DirectMap() mm.DirectMap {
	return m.dm
}

// KernelSpace returns the address space used by the kernel.
func (m *Mapper) KernelSpace() *AddressSpace {
	return m.kernelSpace
}

// NewAddressSpace creates an address space with an empty lower half that
// shares the kernel half with the kernel address space.
func (m *Mapper) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	root, err := m.allocTable()
	if err != nil {
		return nil, err
	}

	src, dst := m.table(m.root), m.table(root)

	irq := m.upperLock.Acquire()
	copy(dst[upperHalfFirstEntry:], src[upperHalfFirstEntry:])
	m.upperLock.Release(irq)

	return &AddressSpace{mapper: m, root: root}, nil
}

// Destroy releases the tables that back the lower half of an address space
// along with its top-level table. The frames referenced by leaf entries are
// owned by whoever mapped them and are not released.
func (m *Mapper) Destroy(as *AddressSpace) *kernel.Error {
	switch {
	case as.mapper != m:
		return errForeignAddressSpace
	case as == m.kernelSpace:
		return errDestroyKernelSpace
	}

	irq := as.lock.Acquire()
	defer as.lock.Release(irq)

	root := m.table(as.root)
	for i := 0; i < upperHalfFirstEntry; i++ {
		if root[i].HasFlags(FlagPresent) {
			m.freeTables(root[i].Frame(), levelPDPT)
			root[i] = 0
		}
	}

	m.freeTable(as.root)
	as.root = mm.InvalidFrame
	return nil
}

// FlagsFor converts allocation flags to the flags of the leaf entries that
// map the allocation.
func (m *Mapper) FlagsFor(flags mm.AllocFlag) PageTableEntryFlag {
	pteFlags := FlagPresent | FlagRW

	if flags&mm.VMExec == 0 && m.feat.NX {
		pteFlags |= FlagNoExecute
	}
	if flags&mm.VMHuge != 0 {
		pteFlags |= FlagHugePage
	}
	if flags&mm.VMNoCache != 0 {
		pteFlags |= FlagDoNotCache
	}
	if flags&mm.VMKernel != 0 {
		pteFlags |= FlagGlobal
	}

	return pteFlags
}

// table returns the direct map view of the page table stored in frame.
func (m *Mapper) table(frame mm.Frame) *pageTable {
	return (*pageTable)(m.dm.Pointer(frame.Address()))
}

// allocTable allocates a zeroed frame for a page table.
func (m *Mapper) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(uintptr(m.dm.Virt(frame.Address())), 0, mm.PageSize)
	return frame, nil
}

func (m *Mapper) freeTable(frame mm.Frame) {
	if err := m.frames.FreeFrame(frame); err != nil {
		log.Warnf("unable to release page table frame 0x%x: %s\n", uintptr(frame.Address()), err.Message)
	}
}

// freeTables releases the table stored in frame and every table below it.
func (m *Mapper) freeTables(frame mm.Frame, level uint8) {
	if level < levelPT {
		t := m.table(frame)
		for i := range t {
			if t[i].HasFlags(FlagPresent) && !t[i].HasFlags(FlagHugePage) {
				m.freeTables(t[i].Frame(), level+1)
			}
		}
	}

	m.freeTable(frame)
}

// validateFlags checks that flags only contain page table bits and a
// supported combination of them.
func (m *Mapper) validateFlags(flags PageTableEntryFlag) *kernel.Error {
	switch {
	case flags&^hardwareFlags != 0:
		return errInvalidFlags
	case flags&(FlagWriteThroughCaching|FlagDoNotCache) == FlagWriteThroughCaching|FlagDoNotCache:
		return errCacheModeConflict
	case flags&FlagNoExecute != 0 && !m.feat.NX:
		return errNXUnsupported
	}
	return nil
}

// isCanonical returns true if bits 48-63 of virtAddr are copies of bit 47.
func isCanonical(virtAddr mm.VirtAddr) bool {
	top := uintptr(virtAddr) >> 47
	return top == 0 || top == 0x1ffff
}

// isUpperHalf returns true if virtAddr belongs to the kernel half of the
// address space.
func isUpperHalf(virtAddr mm.VirtAddr) bool {
	return entryIndex(virtAddr, 0) >= upperHalfFirstEntry
}
