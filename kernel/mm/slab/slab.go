// Package slab implements caches of fixed-size kernel objects. A cache
// carves mapped regions (slabs) into equally sized objects and tracks the
// free objects of each slab with a bitmap.
package slab

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/sync"
)

const (
	// sizeCutoff is the object size at or above which a slab holds a
	// fixed number of objects instead of filling two pages.
	sizeCutoff = 512

	// objectsAfterCutoff is the number of objects per slab for objects
	// of at least sizeCutoff bytes.
	objectsAfterCutoff = 16

	defaultAlign = 8
)

var (
	log = kfmt.NewLogger("slab")

	// ErrCacheBusy is returned by Destroy while the cache holds objects
	// that have not been freed.
	ErrCacheBusy = &kernel.Error{Module: "slab", Message: "cache still contains allocated objects", Kind: kernel.KindInUse}

	errZeroSize      = &kernel.Error{Module: "slab", Message: "object size must be greater than zero", Kind: kernel.KindInvalidArgument}
	errBadAlignment  = &kernel.Error{Module: "slab", Message: "alignment must be a power of 2 no larger than a page", Kind: kernel.KindInvalidArgument}
	errUnknownObject = &kernel.Error{Module: "slab", Message: "object does not belong to the cache", Kind: kernel.KindNotFound}
	errMisaligned    = &kernel.Error{Module: "slab", Message: "address does not point to the start of an object", Kind: kernel.KindInvalidArgument}
	errDoubleFree    = &kernel.Error{Module: "slab", Message: "object is already free", Kind: kernel.KindInvalidArgument}
	errDestroyed     = &kernel.Error{Module: "slab", Message: "cache has been destroyed", Kind: kernel.KindInvalidArgument}
	errSlabFull      = &kernel.Error{Module: "slab", Message: "slab bitmap has no free object", Kind: kernel.KindFatal}
	errNoRegions     = &kernel.Error{Module: "slab", Message: "page source cannot create private regions", Kind: kernel.KindInvalidArgument}
)

// Func is a constructor or destructor invoked with the address of an
// object.
type Func func(obj mm.VirtAddr)

// PageSource provides the mapped memory that backs slabs.
type PageSource interface {
	// Map returns the address of size bytes of mapped memory.
	Map(size uintptr, flags mm.AllocFlag) (mm.VirtAddr, *kernel.Error)

	// Unmap releases memory obtained by Map.
	Unmap(virtAddr mm.VirtAddr, size uintptr, flags mm.AllocFlag) *kernel.Error
}

// Region is a PageSource whose address range is used by a single cache.
type Region interface {
	PageSource

	// Destroy releases the address range. Every mapping obtained from
	// the region must have been unmapped.
	Destroy() *kernel.Error
}

// RegionSource is implemented by page sources that can back caches created
// with mm.VMPrivate.
type RegionSource interface {
	NewRegion(flags mm.AllocFlag, size uintptr) (Region, *kernel.Error)
}

type slab struct {
	base  mm.VirtAddr
	free  *bitset.BitSet
	inUse uint

	list       listID
	prev, next int
}

// Cache allocates objects of a single size and flag set.
type Cache struct {
	lock  sync.IRQSpinlock
	pages PageSource

	// region backs the slabs of a private cache. It exists while the
	// cache holds at least one slab.
	region Region

	objSize  uintptr
	align    uintptr
	objCount uint
	flags    mm.AllocFlag
	ctor     Func
	dtor     Func

	// slabs is the arena that holds every slab of the cache; recycled
	// lists the arena entries that no longer back a slab.
	slabs    []slab
	recycled []int
	lists    [listCount]slabList

	destroyed bool
}

// NewCache creates a cache for objects of objSize bytes. Object addresses
// are aligned to align bytes (8 if align is 0). Slabs are mapped by pages
// using flags. The optional ctor is invoked for each object returned by
// Alloc and the optional dtor for each object passed to Free.
//
// If flags include mm.VMPrivate, pages must implement RegionSource and the
// slabs of the cache are mapped from a region of their own.
func NewCache(pages PageSource, objSize, align uintptr, flags mm.AllocFlag, ctor, dtor Func) (*Cache, *kernel.Error) {
	if objSize == 0 {
		return nil, errZeroSize
	}
	if _, ok := pages.(RegionSource); flags.Has(mm.VMPrivate) && !ok {
		return nil, errNoRegions
	}
	if align == 0 {
		align = defaultAlign
	}
	if !mm.IsPowerOfTwo(align) || align > mm.PageSize {
		return nil, errBadAlignment
	}

	c := &Cache{
		pages:   pages,
		objSize: mm.AlignUp(objSize, align),
		align:   align,
		flags:   flags,
		ctor:    ctor,
		dtor:    dtor,
	}

	if c.objSize < sizeCutoff {
		c.objCount = uint(2 * mm.PageSize / c.objSize)
	} else {
		c.objCount = objectsAfterCutoff
	}

	for i := range c.lists {
		c.lists[i].head = noSlab
	}

	return c, nil
}

// ObjectSize returns the size of each object including alignment padding.
func (c *Cache) ObjectSize() uintptr { return c.objSize }

// Flags returns the flags used to map slabs.
func (c *Cache) Flags() mm.AllocFlag { return c.flags }

// ObjectsPerSlab returns the number of objects that fit in a slab.
func (c *Cache) ObjectsPerSlab() uint { return c.objCount }

// slabSize returns the number of bytes mapped for each slab.
func (c *Cache) slabSize() uintptr {
	return c.objSize * uintptr(c.objCount)
}

// Alloc returns a free object. Partially used slabs are preferred over
// empty ones; a new slab is mapped if neither exists.
func (c *Cache) Alloc() (mm.VirtAddr, *kernel.Error) {
	irq := c.lock.Acquire()
	defer c.lock.Release(irq)

	if c.destroyed {
		return 0, errDestroyed
	}

	index := c.lists[listPartial].head
	if index == noSlab {
		index = c.lists[listEmpty].head
	}
	if index == noSlab {
		var err *kernel.Error
		if index, err = c.grow(); err != nil {
			return 0, err
		}
	}

	s := &c.slabs[index]
	bit, ok := s.free.NextClear(0)
	if !ok {
		log.Errorf("slab 0x%x on the %s list has no free object\n", uintptr(s.base), s.list.String())
		return 0, errSlabFull
	}

	s.free.Set(bit)
	s.inUse++

	obj := s.base + mm.VirtAddr(uintptr(bit)*c.objSize)
	if c.ctor != nil {
		c.ctor(obj)
	}

	c.relink(index)
	return obj, nil
}

// Free returns an object obtained by Alloc to the cache.
func (c *Cache) Free(obj mm.VirtAddr) *kernel.Error {
	irq := c.lock.Acquire()
	defer c.lock.Release(irq)

	index := c.find(obj, listPartial)
	if index == noSlab {
		index = c.find(obj, listFull)
	}
	if index == noSlab {
		return errUnknownObject
	}

	s := &c.slabs[index]
	offset := uintptr(obj - s.base)
	if offset%c.objSize != 0 {
		return errMisaligned
	}

	bit := uint(offset / c.objSize)
	if !s.free.Test(bit) {
		return errDoubleFree
	}

	s.free.Clear(bit)
	s.inUse--
	if c.dtor != nil {
		c.dtor(obj)
	}

	c.relink(index)
	return nil
}

// Grow maps a new empty slab.
func (c *Cache) Grow() *kernel.Error {
	irq := c.lock.Acquire()
	defer c.lock.Release(irq)

	if c.destroyed {
		return errDestroyed
	}

	_, err := c.grow()
	return err
}

// Shrink unmaps every empty slab and returns the number of slabs released.
func (c *Cache) Shrink() int {
	irq := c.lock.Acquire()
	defer c.lock.Release(irq)

	return c.shrink()
}

// Destroy unmaps the slabs of the cache. It fails with ErrCacheBusy and
// leaves the cache untouched while any object is allocated. A destroyed
// cache cannot allocate objects.
func (c *Cache) Destroy() *kernel.Error {
	irq := c.lock.Acquire()
	defer c.lock.Release(irq)

	if c.lists[listPartial].len != 0 || c.lists[listFull].len != 0 {
		return ErrCacheBusy
	}

	c.shrink()
	c.destroyed = true
	return nil
}

// Stats describes the occupancy of a cache.
type Stats struct {
	ObjectSize     uintptr
	ObjectsPerSlab uint
	EmptySlabs     int
	PartialSlabs   int
	FullSlabs      int
	InUse          uint
}

// Stats returns the current occupancy of the cache.
func (c *Cache) Stats() Stats {
	irq := c.lock.Acquire()
	defer c.lock.Release(irq)

	st := Stats{
		ObjectSize:     c.objSize,
		ObjectsPerSlab: c.objCount,
		EmptySlabs:     c.lists[listEmpty].len,
		PartialSlabs:   c.lists[listPartial].len,
		FullSlabs:      c.lists[listFull].len,
	}
	for _, id := range []listID{listPartial, listFull} {
		for index := c.lists[id].head; index != noSlab; index = c.slabs[index].next {
			st.InUse += c.slabs[index].inUse
		}
	}

	return st
}

// grow maps a new slab, links it to the empty list and returns its arena
// index.
func (c *Cache) grow() (int, *kernel.Error) {
	src := c.pages
	if c.flags.Has(mm.VMPrivate) {
		if c.region == nil {
			region, err := c.pages.(RegionSource).NewRegion(c.flags, c.slabSize())
			if err != nil {
				return noSlab, err
			}
			c.region = region
		}
		src = c.region
	}

	base, err := src.Map(c.slabSize(), c.flags)
	if err != nil {
		c.dropRegion()
		return noSlab, err
	}

	var index int
	if n := len(c.recycled); n > 0 {
		index = c.recycled[n-1]
		c.recycled = c.recycled[:n-1]
	} else {
		index = len(c.slabs)
		c.slabs = append(c.slabs, slab{})
	}

	c.slabs[index] = slab{
		base: base,
		free: bitset.New(c.objCount),
	}
	c.pushFront(listEmpty, index)

	return index, nil
}

func (c *Cache) shrink() int {
	var src PageSource = c.pages
	if c.region != nil {
		src = c.region
	}

	var released int
	for index := c.lists[listEmpty].head; index != noSlab; index = c.lists[listEmpty].head {
		s := &c.slabs[index]
		if err := src.Unmap(s.base, c.slabSize(), c.flags); err != nil {
			log.Warnf("unable to unmap slab 0x%x: %s\n", uintptr(s.base), err.Message)
		}

		c.unlink(index)
		c.slabs[index] = slab{prev: noSlab, next: noSlab}
		c.recycled = append(c.recycled, index)
		released++
	}

	c.dropRegion()
	return released
}

// dropRegion destroys the region of a private cache that holds no slab.
func (c *Cache) dropRegion() {
	if c.region == nil || len(c.slabs) != len(c.recycled) {
		return
	}

	if err := c.region.Destroy(); err != nil {
		log.Warnf("unable to destroy private region: %s\n", err.Message)
		return
	}
	c.region = nil
}

// find returns the arena index of the slab in list id that contains obj.
func (c *Cache) find(obj mm.VirtAddr, id listID) int {
	size := c.slabSize()
	for index := c.lists[id].head; index != noSlab; index = c.slabs[index].next {
		if s := &c.slabs[index]; obj >= s.base && uintptr(obj-s.base) < size {
			return index
		}
	}
	return noSlab
}
