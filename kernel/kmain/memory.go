package kmain

import (
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/boot"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/mm/heap"
	"github.com/primeseven1/crescent/kernel/mm/pmm"
	"github.com/primeseven1/crescent/kernel/mm/vmap"
	"github.com/primeseven1/crescent/kernel/mm/vmm"
	"github.com/primeseven1/crescent/kernel/mm/vzone"
)

var (
	log = kfmt.NewLogger("mm")

	errNoMemoryMap = &kernel.Error{Module: "kmain", Message: "boot loader did not supply a memory map", Kind: kernel.KindFatal}

	// probeCPUFn is mocked by tests.
	probeCPUFn = vmm.ProbeCPU
)

// Config collects the settings of every memory management component.
type Config struct {
	PMM   pmm.Config
	Zones vzone.Config
	Heap  heap.Config

	// Features replaces the probed CPU paging features when set.
	Features *vmm.Features

	// MapperOptions are passed to the page table mapper.
	MapperOptions []vmm.Option
}

// DefaultConfig returns the configuration used when booting on real
// hardware.
func DefaultConfig() Config {
	return Config{
		PMM:   pmm.DefaultConfig(),
		Zones: vzone.DefaultConfig(),
		Heap:  heap.DefaultConfig(),
	}
}

// Memory holds the initialized memory management components.
type Memory struct {
	MemoryMap boot.MemoryMap
	Frames    *pmm.Allocator
	Mapper    *vmm.Mapper
	Zones     *vzone.Allocator
	VMap      *vmap.Allocator
	Heap      *heap.Heap
}

// InitMemory brings up the memory management components in dependency
// order:
//
//  1. the memory map reported by the boot loader is validated
//  2. the physical zones are built; the first page, every region that is
//     not usable and the kernel image are reserved
//  3. the CPU paging mode is checked and the page table mapper is set up
//  4. the virtual zone allocator claims the free top-level slots
//  5. the heap creates its slab caches
//
// The kernel image bounds in info take precedence over the ones in cfg.PMM.
// The bitmaps and slab arenas of every component are allocated on the Go
// heap.
func InitMemory(info *boot.Info, cfg Config) (*Memory, *kernel.Error) {
	if len(info.MemoryMap) == 0 {
		return nil, errNoMemoryMap
	}

	mem := &Memory{MemoryMap: info.MemoryMap.Sanitize()}
	mem.MemoryMap.Print(log)

	var err *kernel.Error

	pmmCfg := cfg.PMM
	if info.KernelEnd > info.KernelStart {
		pmmCfg.KernelStart, pmmCfg.KernelEnd = mm.PhysAddr(info.KernelStart), mm.PhysAddr(info.KernelEnd)
	}
	if mem.Frames, err = pmm.New(mem.MemoryMap, pmmCfg); err != nil {
		return nil, err
	}
	mem.Frames.PrintStats()

	var feat vmm.Features
	if cfg.Features != nil {
		feat = *cfg.Features
	} else {
		feat = probeCPUFn()
	}
	if mem.Mapper, err = vmm.NewMapper(mem.Frames, mm.NewDirectMap(info.HHDMOffset), feat, cfg.MapperOptions...); err != nil {
		return nil, err
	}

	if mem.Zones, err = vzone.New(mem.Mapper.KernelSpace(), cfg.Zones); err != nil {
		return nil, err
	}

	mem.VMap = vmap.New(mem.Frames, mem.Zones, mem.Mapper)
	if mem.Heap, err = heap.New(mem.VMap, mem.Mapper.KernelSpace(), cfg.Heap); err != nil {
		return nil, err
	}

	log.Printf("memory management initialized\n")
	return mem, nil
}

// PrintStats emits the state of every component to the kernel log.
func (mem *Memory) PrintStats() {
	mem.Frames.PrintStats()
	mem.Zones.PrintStats()
	mem.Heap.PrintStats()
}
