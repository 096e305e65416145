// Package mmtest boots the memory management components on top of an
// anonymous host memory mapping that plays the role of physical RAM. Page
// tables, slabs and heap blocks are real; they are accessed through a
// direct map whose offset is the host address of the mapping.
package mmtest

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/boot"
	"github.com/primeseven1/crescent/kernel/kmain"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/mm/vmm"
	"github.com/primeseven1/crescent/kernel/sync"
	"golang.org/x/sys/unix"
)

const (
	// lowMemoryEnd and highMemoryStart delimit the legacy hole below 1M
	// that PC firmware reports as reserved.
	lowMemoryEnd    = 0x9f000
	highMemoryStart = 0x100000

	kernelImageSize = 0x100000
)

var errTooSmall = &kernel.Error{Module: "mmtest", Message: "simulated memory must be at least 3M", Kind: kernel.KindInvalidArgument}

// Config describes the simulated machine.
type Config struct {
	// MemorySize is the amount of simulated RAM in bytes.
	MemorySize uintptr

	// Kernel is passed to kmain.InitMemory. The TLB flusher is replaced
	// with a no-op.
	Kernel kmain.Config
}

// DefaultConfig returns a 32M machine whose DMA zones cover the first 1M
// and 8M of memory.
func DefaultConfig() Config {
	cfg := Config{
		MemorySize: 32 << 20,
		Kernel:     kmain.DefaultConfig(),
	}
	cfg.Kernel.PMM.DMALimit = mm.PhysAddr(1 * mm.Mb)
	cfg.Kernel.PMM.DMA32Limit = mm.PhysAddr(8 * mm.Mb)
	cfg.Kernel.Features = &vmm.Features{PhysAddrBits: 36, NX: true}

	return cfg
}

// Machine is a booted hosted memory stack.
type Machine struct {
	*kmain.Memory

	// RAM is the simulated physical memory.
	RAM []byte
}

// MemoryMap returns a PC-like memory map for size bytes of RAM with a
// reserved legacy hole below 1M.
func MemoryMap(size uintptr) boot.MemoryMap {
	return boot.MemoryMap{
		{Base: 0, Length: lowMemoryEnd, Type: boot.MemUsable},
		{Base: lowMemoryEnd, Length: highMemoryStart - lowMemoryEnd, Type: boot.MemReserved},
		{Base: highMemoryStart, Length: uint64(size) - highMemoryStart, Type: boot.MemUsable},
	}
}

// NewMachine maps the simulated RAM and initializes the memory management
// components on top of it. The kernel image is placed right after the
// legacy hole. Tasks spinning on a contended lock yield to the Go scheduler.
func NewMachine(cfg Config) (*Machine, error) {
	cfg.MemorySize = mm.AlignUp(cfg.MemorySize, mm.PageSize)
	if cfg.MemorySize < highMemoryStart+2*kernelImageSize {
		return nil, errTooSmall
	}

	ram, err := unix.Mmap(-1, 0, int(cfg.MemorySize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	info := &boot.Info{
		MemoryMap:   MemoryMap(cfg.MemorySize),
		KernelStart: highMemoryStart,
		KernelEnd:   highMemoryStart + kernelImageSize,
		HHDMOffset:  uintptr(unsafe.Pointer(&ram[0])),
	}

	sync.SetYieldFn(runtime.Gosched)

	cfg.Kernel.MapperOptions = append(cfg.Kernel.MapperOptions, vmm.WithTLBFlusher(func(mm.VirtAddr) {}))
	mem, kErr := kmain.InitMemory(info, cfg.Kernel)
	if kErr != nil {
		_ = unix.Munmap(ram)
		return nil, kErr
	}

	return &Machine{Memory: mem, RAM: ram}, nil
}

// New boots a machine for the duration of a test.
func New(t testing.TB, cfg Config) *Machine {
	t.Helper()

	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatalf("unable to boot the hosted memory stack: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	return m
}

// Close unmaps the simulated RAM. The machine must not be used afterwards.
func (m *Machine) Close() error {
	if m.RAM == nil {
		return nil
	}

	err := unix.Munmap(m.RAM)
	m.RAM = nil
	return err
}

// Space returns the kernel address space.
func (m *Machine) Space() *vmm.AddressSpace {
	return m.Mapper.KernelSpace()
}

// PhysBytes returns the simulated RAM backing [physAddr, physAddr+size).
func (m *Machine) PhysBytes(physAddr mm.PhysAddr, size uintptr) []byte {
	return m.RAM[physAddr : uintptr(physAddr)+size]
}

// Read copies size bytes of mapped kernel memory starting at virtAddr.
func (m *Machine) Read(virtAddr mm.VirtAddr, size uintptr) ([]byte, *kernel.Error) {
	out := make([]byte, 0, size)
	err := m.visit(virtAddr, size, func(chunk []byte) {
		out = append(out, chunk...)
	})
	return out, err
}

// Write copies data to mapped kernel memory starting at virtAddr.
func (m *Machine) Write(virtAddr mm.VirtAddr, data []byte) *kernel.Error {
	return m.visit(virtAddr, uintptr(len(data)), func(chunk []byte) {
		data = data[copy(chunk, data):]
	})
}

// visit invokes fn with the RAM backing each page sized chunk of
// [virtAddr, virtAddr+size).
func (m *Machine) visit(virtAddr mm.VirtAddr, size uintptr, fn func([]byte)) *kernel.Error {
	space := m.Space()
	for size > 0 {
		physAddr, err := space.Translate(virtAddr)
		if err != nil {
			return err
		}

		chunk := mm.PageSize - uintptr(virtAddr)&(mm.PageSize-1)
		if chunk > size {
			chunk = size
		}

		fn(m.PhysBytes(physAddr, chunk))
		virtAddr += mm.VirtAddr(chunk)
		size -= chunk
	}

	return nil
}
