package pmm

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/sync"
)

// maxLayers bounds the height of a zone's buddy tree.
const maxLayers = 30

// Class identifies a physical zone by the addressing constraints of the
// memory it contains.
type Class uint8

const (
	// ClassDMA contains memory reachable by 24-bit DMA.
	ClassDMA Class = iota

	// ClassDMA32 contains memory reachable by 32-bit DMA.
	ClassDMA32

	// ClassNormal contains memory without addressing restrictions.
	ClassNormal

	classCount
)

// String implements fmt.Stringer for Class.
func (c Class) String() string {
	switch c {
	case ClassDMA:
		return "DMA"
	case ClassDMA32:
		return "DMA32"
	case ClassNormal:
		return "Normal"
	default:
		return "unknown"
	}
}

// classFor maps the zone bits of an allocation flag set to a zone class.
func classFor(flags mm.AllocFlag) Class {
	switch flags.Zone() {
	case mm.ZoneDMA:
		return ClassDMA
	case mm.ZoneDMA32:
		return ClassDMA32
	default:
		return ClassNormal
	}
}

// Zone is a buddy allocator that manages a contiguous physical memory range.
//
// The buddy tree is stored as a layered bitmap: layer 0 holds a single block
// spanning the whole zone while each subsequent layer splits every block of
// the previous layer in two. The block at (layer, index) is tracked by bit
// (1 << layer) - 1 + index. A clear bit means the block is entirely free; a
// set bit means the block or a part of it is in use.
type Zone struct {
	lock sync.IRQSpinlock

	class Class

	// base is the physical address of the first byte managed by the zone.
	base mm.PhysAddr

	// size is the span of the buddy tree; it is always a power of 2.
	size uintptr

	// realSize is the span of physical memory that backs the zone. The
	// range [base+realSize, base+size) is reserved when the zone is built.
	realSize uintptr

	layers uint8
	bits   *bitset.BitSet

	// heads has a bit set for each block handed out by alloc. It uses the
	// same layout as bits so that free can tell the block being released
	// apart from a block that is only marked because of a descendant.
	heads *bitset.BitSet

	freePages uintptr
}

// newZone creates a zone spanning realSize bytes starting at base. All
// blocks start out free.
func newZone(class Class, base mm.PhysAddr, realSize uintptr) *Zone {
	size := mm.NextPowerOfTwo(mm.AlignUp(realSize, mm.PageSize))

	z := &Zone{
		class:     class,
		base:      base,
		size:      size,
		realSize:  realSize,
		layers:    calculateLayers(size),
		freePages: size >> mm.PageShift,
	}
	z.bits = bitset.New(uint(1)<<z.layers - 1)
	z.heads = bitset.New(uint(1)<<z.layers - 1)

	return z
}

// calculateLayers returns the number of layers required for a buddy tree
// whose smallest blocks are one page long.
func calculateLayers(size uintptr) uint8 {
	layers := uint8(1)
	for blockSize := size; blockSize/2 >= mm.PageSize && layers < maxLayers; blockSize /= 2 {
		layers++
	}
	return layers
}

// Class returns the zone class.
func (z *Zone) Class() Class { return z.class }

// Base returns the physical address of the first byte managed by the zone.
func (z *Zone) Base() mm.PhysAddr { return z.base }

// Size returns the span of physical memory that backs the zone.
func (z *Zone) Size() uintptr { return z.realSize }

// Layers returns the height of the zone's buddy tree.
func (z *Zone) Layers() uint8 { return z.layers }

// FreePages returns the number of free pages in the zone.
func (z *Zone) FreePages() uintptr {
	flags := z.lock.Acquire()
	defer z.lock.Release(flags)
	return z.freePages
}

// contains returns true if addr falls inside the memory backing the zone.
func (z *Zone) contains(addr mm.PhysAddr) bool {
	return addr >= z.base && uintptr(addr-z.base) < z.realSize
}

func bitIndex(layer uint8, block uintptr) uint {
	return uint(1)<<layer - 1 + uint(block)
}

// blockSize returns the size of the blocks at the given layer.
func (z *Zone) blockSize(layer uint8) uintptr {
	return z.size >> layer
}

// layerForOrder returns the layer whose blocks are large enough to hold
// 2^order pages.
func (z *Zone) layerForOrder(order uint8) (uint8, bool) {
	want := mm.PageSize << order
	if order >= 64-uint8(mm.PageShift) || want > z.size {
		return 0, false
	}

	layer := mm.Log2(z.size / want)
	if layer >= z.layers {
		layer = z.layers - 1
	}
	return layer, true
}

func (z *Zone) test(layer uint8, block uintptr) bool {
	return z.bits.Test(bitIndex(layer, block))
}

// findFirstFree returns the index of the first free block at layer.
func (z *Zone) findFirstFree(layer uint8) (uintptr, bool) {
	start := bitIndex(layer, 0)
	end := start + uint(1)<<layer

	idx, ok := z.bits.NextClear(start)
	if !ok || idx >= end {
		return 0, false
	}
	return uintptr(idx - start), true
}

// markUsed flags a free block as used along with all of its ancestors and
// descendants.
func (z *Zone) markUsed(layer uint8, block uintptr) {
	z.bits.Set(bitIndex(layer, block))

	for l, b := layer, block; l > 0; l, b = l-1, b>>1 {
		z.bits.Set(bitIndex(l-1, b>>1))
	}

	for l, first, count := layer+1, block<<1, uintptr(2); l < z.layers; l, first, count = l+1, first<<1, count<<1 {
		for b := first; b < first+count; b++ {
			z.bits.Set(bitIndex(l, b))
		}
	}

	z.freePages -= z.blockSize(layer) >> mm.PageShift
}

// markFree clears a block and its descendants and then walks up the tree
// merging the block with its buddy for as long as the buddy is free.
func (z *Zone) markFree(layer uint8, block uintptr) {
	z.bits.Clear(bitIndex(layer, block))

	for l, first, count := layer+1, block<<1, uintptr(2); l < z.layers; l, first, count = l+1, first<<1, count<<1 {
		for b := first; b < first+count; b++ {
			z.bits.Clear(bitIndex(l, b))
		}
	}

	for l, b := layer, block; l > 0; l, b = l-1, b>>1 {
		if z.test(l, b^1) {
			break
		}
		z.bits.Clear(bitIndex(l-1, b>>1))
	}

	z.freePages += z.blockSize(layer) >> mm.PageShift
}

// alloc reserves a block that can hold 2^order pages and returns its
// physical address.
func (z *Zone) alloc(order uint8) (mm.PhysAddr, *kernel.Error) {
	layer, ok := z.layerForOrder(order)
	if !ok {
		return 0, errOrderOutOfRange
	}

	flags := z.lock.Acquire()
	defer z.lock.Release(flags)

	block, ok := z.findFirstFree(layer)
	if !ok {
		return 0, errOutOfMemory
	}

	z.markUsed(layer, block)
	z.heads.Set(bitIndex(layer, block))
	return z.base + mm.PhysAddr(block*z.blockSize(layer)), nil
}

// free releases a block previously obtained by a call to alloc with the
// same order. Blocks that were reserved, or that were allocated with a
// different order, cannot be freed.
func (z *Zone) free(addr mm.PhysAddr, order uint8) *kernel.Error {
	layer, ok := z.layerForOrder(order)
	if !ok {
		return errOrderOutOfRange
	}

	offset := uintptr(addr - z.base)
	if !mm.IsAligned(offset, z.blockSize(layer)) {
		return errMisalignedFree
	}
	block := offset / z.blockSize(layer)

	flags := z.lock.Acquire()
	defer z.lock.Release(flags)

	if !z.heads.Test(bitIndex(layer, block)) {
		return errDoubleFree
	}

	z.heads.Clear(bitIndex(layer, block))
	z.markFree(layer, block)
	return nil
}

// reserve flags every page that overlaps [base, base+size) as used. The
// range is decomposed into the largest aligned blocks that fit it so that
// reserving large ranges only touches a handful of blocks at the upper
// layers.
func (z *Zone) reserve(base mm.PhysAddr, size uintptr) {
	start := uintptr(0)
	if base > z.base {
		start = uintptr(base - z.base)
	}
	end := z.size
	if rangeEnd := uintptr(base) + size; rangeEnd < uintptr(z.base)+z.size {
		if rangeEnd <= uintptr(z.base) {
			return
		}
		end = rangeEnd - uintptr(z.base)
	}
	if start >= end {
		return
	}

	start = mm.AlignDown(start, mm.PageSize)
	end = mm.AlignUp(end, mm.PageSize)

	flags := z.lock.Acquire()
	defer z.lock.Release(flags)

	for cur := start; cur < end; {
		layer := uint8(0)
		for ; layer < z.layers-1; layer++ {
			bs := z.blockSize(layer)
			if mm.IsAligned(cur, bs) && cur+bs <= end {
				break
			}
		}

		bs := z.blockSize(layer)
		z.reserveBlock(layer, cur/bs)
		cur += bs
	}
}

// reserveBlock marks a block as used, descending into its halves if a part
// of it is already in use.
func (z *Zone) reserveBlock(layer uint8, block uintptr) {
	if !z.test(layer, block) {
		z.markUsed(layer, block)
		return
	}

	if layer == z.layers-1 {
		return
	}

	z.reserveBlock(layer+1, block<<1)
	z.reserveBlock(layer+1, block<<1|1)
}
