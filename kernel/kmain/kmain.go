package kmain

import (
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/boot"
	"github.com/primeseven1/crescent/kernel/boot/multiboot"
	"github.com/primeseven1/crescent/kernel/cpu"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/mm/vmm"
	"github.com/primeseven1/crescent/kernel/sync"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned", Kind: kernel.KindFatal}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader, the physical addresses for the kernel start/end and the virtual
// address where the boot loader mapped physical address 0.
//
// The bookkeeping of the physical allocator, the zone allocator and the slab
// caches lives on the Go heap, so the rt0 code must hand over to a Go runtime
// whose memory allocator is already backed by mapped memory (for example an
// early arena reserved by the loader). A bare g0 on the boot stack is not
// enough: the first allocation made by InitMemory would fault.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, hhdmOffset uintptr) {
	sync.EnableIRQMasking()

	info := &boot.Info{
		MemoryMap:   multiboot.NewReader(multibootInfoPtr).MemoryMap(),
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
		HHDMOffset:  hhdmOffset,
	}

	cfg := DefaultConfig()
	cfg.MapperOptions = []vmm.Option{vmm.WithRoot(mm.PhysAddr(cpu.ActivePDT() &^ (mm.PageSize - 1)))}

	mem, err := InitMemory(info, cfg)
	if err != nil {
		kfmt.Panic(err)
	}
	kfmt.SetPanicHook(mem.PrintStats)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
