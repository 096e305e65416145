// Package heap implements the general purpose kernel allocator. Small
// requests are served by a ladder of slab caches; everything else is mapped
// directly. Each allocation carries a header and a trailing canary that are
// verified whenever the allocation is released or resized.
package heap

import (
	"unsafe"

	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/mm/slab"
)

const (
	wordSize = unsafe.Sizeof(uintptr(0))

	// headerSize is the size of the {size, flags} header that precedes
	// each allocation.
	headerSize = 2 * wordSize

	// canary is stored right after the last byte of each allocation.
	canary = uintptr(0xdecafc0ffee)

	// sizeAlign is the granularity of allocation sizes.
	sizeAlign = 8

	// cacheFlags is the only flag set served by the slab caches.
	cacheFlags = mm.KernelDefault
)

var (
	log = kfmt.NewLogger("heap")

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errZeroSize     = &kernel.Error{Module: "heap", Message: "allocation size must be greater than zero", Kind: kernel.KindInvalidArgument}
	errBadPointer   = &kernel.Error{Module: "heap", Message: "pointer was not returned by the heap", Kind: kernel.KindInvalidArgument}
	errBadClasses   = &kernel.Error{Module: "heap", Message: "size classes must be ascending multiples of 8 larger than the allocation overhead", Kind: kernel.KindInvalidArgument}
	errCorruption   = &kernel.Error{Module: "heap", Message: "heap corruption detected", Kind: kernel.KindFatal}
	errSizeOverflow = &kernel.Error{Module: "heap", Message: "allocation size is too large", Kind: kernel.KindInvalidArgument}
)

// Memory provides access to mapped kernel memory.
type Memory interface {
	// Pointer returns a pointer to the byte mapped at virtAddr.
	Pointer(virtAddr mm.VirtAddr) (unsafe.Pointer, *kernel.Error)

	// Memset sets size bytes starting at virtAddr to value.
	Memset(virtAddr mm.VirtAddr, value byte, size uintptr) *kernel.Error

	// Memcopy copies size bytes from src to dst.
	Memcopy(dst, src mm.VirtAddr, size uintptr) *kernel.Error
}

// Config lists the object sizes of the slab caches used by the heap. The
// sizes include the per-allocation overhead.
type Config struct {
	SizeClasses []uintptr
}

// DefaultConfig returns the size class ladder used by the kernel.
func DefaultConfig() Config {
	return Config{
		SizeClasses: []uintptr{32, 64, 128, 256, 512, 1024, 2048, 4096},
	}
}

// Heap is the kernel general purpose allocator.
type Heap struct {
	pages  slab.PageSource
	mem    Memory
	caches []*slab.Cache
}

// New creates a heap that maps memory with pages and accesses it through
// mem. A slab cache is created for each configured size class.
func New(pages slab.PageSource, mem Memory, cfg Config) (*Heap, *kernel.Error) {
	h := &Heap{
		pages:  pages,
		mem:    mem,
		caches: make([]*slab.Cache, 0, len(cfg.SizeClasses)),
	}

	var prev uintptr
	for _, size := range cfg.SizeClasses {
		if size <= prev || size <= overhead() || !mm.IsAligned(size, sizeAlign) {
			h.destroyCaches()
			return nil, errBadClasses
		}
		prev = size

		c, err := slab.NewCache(pages, size, sizeAlign, cacheFlags, nil, nil)
		if err != nil {
			h.destroyCaches()
			return nil, err
		}
		h.caches = append(h.caches, c)
	}

	return h, nil
}

// overhead returns the number of bytes that each allocation needs for its
// header and canary.
func overhead() uintptr {
	return headerSize + wordSize
}

// Alloc returns a pointer to at least size bytes of kernel memory mapped
// according to flags. The memory is zero-filled if flags include
// mm.FlagZero.
func (h *Heap) Alloc(size uintptr, flags mm.AllocFlag) (mm.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSize
	}
	if size > ^uintptr(0)-overhead()-sizeAlign {
		return 0, errSizeOverflow
	}

	var (
		zero = flags.Has(mm.FlagZero)
		base mm.VirtAddr
		err  *kernel.Error
	)

	size = mm.AlignUp(size, sizeAlign)
	flags &^= mm.FlagZero

	if c := h.cacheFor(size, flags); c != nil {
		base, err = c.Alloc()
	} else {
		base, err = h.pages.Map(size+overhead(), flags)
	}
	if err != nil {
		return 0, err
	}

	ptr := base + mm.VirtAddr(headerSize)
	if err = h.writeWord(base, size); err == nil {
		if err = h.writeWord(base+mm.VirtAddr(wordSize), uintptr(flags)); err == nil {
			err = h.writeWord(ptr+mm.VirtAddr(size), canary)
		}
	}
	if err == nil && zero {
		err = h.mem.Memset(ptr, 0, size)
	}
	if err != nil {
		h.release(base, size, flags)
		return 0, err
	}

	return ptr, nil
}

// Free releases an allocation returned by Alloc or Realloc. A corrupted
// allocation causes a kernel panic.
func (h *Heap) Free(ptr mm.VirtAddr) *kernel.Error {
	size, flags, err := h.header(ptr)
	if err != nil {
		return err
	}

	return h.release(ptr-mm.VirtAddr(headerSize), size, flags)
}

// Realloc moves an allocation to a block that can hold size bytes mapped
// according to flags. The first min(old size, size) bytes are preserved. If
// ptr is 0, Realloc behaves like Alloc; if size is 0 the allocation is
// released and 0 is returned. The original allocation is left untouched if
// the new block cannot be allocated.
func (h *Heap) Realloc(ptr mm.VirtAddr, size uintptr, flags mm.AllocFlag) (mm.VirtAddr, *kernel.Error) {
	if ptr == 0 {
		return h.Alloc(size, flags)
	}
	if size == 0 {
		return 0, h.Free(ptr)
	}

	oldSize, _, err := h.header(ptr)
	if err != nil {
		return 0, err
	}

	newPtr, err := h.Alloc(size, flags)
	if err != nil {
		return 0, err
	}

	keep := mm.AlignUp(size, sizeAlign)
	if oldSize < keep {
		keep = oldSize
	}
	if err = h.mem.Memcopy(newPtr, ptr, keep); err != nil {
		_ = h.Free(newPtr)
		return 0, err
	}

	if err = h.Free(ptr); err != nil {
		log.Errorf("unable to release 0x%x after resizing it: %s\n", uintptr(ptr), err.Message)
	}
	return newPtr, nil
}

// SizeOf returns the usable size of an allocation.
func (h *Heap) SizeOf(ptr mm.VirtAddr) (uintptr, *kernel.Error) {
	size, _, err := h.header(ptr)
	return size, err
}

// CacheStats returns the occupancy of each size class cache.
func (h *Heap) CacheStats() []slab.Stats {
	stats := make([]slab.Stats, 0, len(h.caches))
	for _, c := range h.caches {
		stats = append(stats, c.Stats())
	}
	return stats
}

// PrintStats emits the occupancy of each size class to the kernel log.
func (h *Heap) PrintStats() {
	for _, st := range h.CacheStats() {
		log.Printf("cache %4d: slabs %d/%d/%d (empty/partial/full), objects in use: %d\n",
			st.ObjectSize, st.EmptySlabs, st.PartialSlabs, st.FullSlabs, st.InUse,
		)
	}
}

// cacheFor returns the smallest cache that fits size bytes plus the
// allocation overhead or nil if the request must be mapped directly.
func (h *Heap) cacheFor(size uintptr, flags mm.AllocFlag) *slab.Cache {
	if flags != cacheFlags {
		return nil
	}

	total := size + overhead()
	for _, c := range h.caches {
		if c.ObjectSize() >= total {
			return c
		}
	}
	return nil
}

// header validates the canary of the allocation at ptr and returns the
// contents of its header. Corrupted allocations cause a kernel panic.
func (h *Heap) header(ptr mm.VirtAddr) (uintptr, mm.AllocFlag, *kernel.Error) {
	if ptr < mm.VirtAddr(headerSize) || !mm.IsAligned(uintptr(ptr), sizeAlign) {
		return 0, 0, errBadPointer
	}

	base := ptr - mm.VirtAddr(headerSize)
	size, err := h.readWord(base)
	if err != nil {
		return 0, 0, errBadPointer
	}
	flags, err := h.readWord(base + mm.VirtAddr(wordSize))
	if err != nil {
		return 0, 0, errBadPointer
	}

	var check uintptr
	if mm.IsAligned(size, sizeAlign) && size <= ^uintptr(0)-uintptr(ptr) {
		check, _ = h.readWord(ptr + mm.VirtAddr(size))
	}
	if check != canary {
		log.Errorf("corrupted allocation 0x%x: size %d, flags 0x%x, canary 0x%x\n", uintptr(ptr), size, flags, check)
		panicFn(errCorruption)
		return 0, 0, errCorruption
	}

	return size, mm.AllocFlag(flags), nil
}

// release returns the block that holds an allocation of size bytes to the
// cache or mapping it came from.
func (h *Heap) release(base mm.VirtAddr, size uintptr, flags mm.AllocFlag) *kernel.Error {
	if c := h.cacheFor(size, flags); c != nil {
		return c.Free(base)
	}
	return h.pages.Unmap(base, size+overhead(), flags)
}

func (h *Heap) readWord(virtAddr mm.VirtAddr) (uintptr, *kernel.Error) {
	ptr, err := h.mem.Pointer(virtAddr)
	if err != nil {
		return 0, err
	}
	return *(*uintptr)(ptr), nil
}

func (h *Heap) writeWord(virtAddr mm.VirtAddr, value uintptr) *kernel.Error {
	ptr, err := h.mem.Pointer(virtAddr)
	if err != nil {
		return err
	}
	*(*uintptr)(ptr) = value
	return nil
}

func (h *Heap) destroyCaches() {
	for _, c := range h.caches {
		if err := c.Destroy(); err != nil {
			log.Warnf("unable to destroy cache %d: %s\n", c.ObjectSize(), err.Message)
		}
	}
	h.caches = h.caches[:0]
}
