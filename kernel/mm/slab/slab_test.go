package slab

import (
	"errors"
	"sync"
	"testing"

	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestNoPages = &kernel.Error{Module: "test", Message: "out of pages", Kind: kernel.KindExhausted}

// fakePages hands out page aligned addresses without backing them with
// memory.
type fakePages struct {
	mu        sync.Mutex
	next      mm.VirtAddr
	live      map[mm.VirtAddr]uintptr
	failAfter int
	maps      int
}

func newFakePages() *fakePages {
	return &fakePages{
		next:      0xffff800000000000,
		live:      make(map[mm.VirtAddr]uintptr),
		failAfter: -1,
	}
}

func (fp *fakePages) Map(size uintptr, _ mm.AllocFlag) (mm.VirtAddr, *kernel.Error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if fp.failAfter >= 0 && fp.maps >= fp.failAfter {
		return 0, errTestNoPages
	}
	fp.maps++

	virtAddr := fp.next
	fp.next += mm.VirtAddr(mm.AlignUp(size, mm.PageSize))
	fp.live[virtAddr] = size
	return virtAddr, nil
}

func (fp *fakePages) Unmap(virtAddr mm.VirtAddr, size uintptr, _ mm.AllocFlag) *kernel.Error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if fp.live[virtAddr] != size {
		return errTestNoPages
	}
	delete(fp.live, virtAddr)
	return nil
}

func TestNewCache(t *testing.T) {
	specs := []struct {
		objSize, align uintptr
		expSize        uintptr
		expCount       uint
	}{
		{64, 0, 64, 128},
		{20, 0, 24, 341},
		{20, 32, 32, 256},
		{500, 8, 504, 16},
		{512, 8, 512, 16},
		{3000, 64, 3008, 16},
	}

	for specIndex, spec := range specs {
		c, err := NewCache(newFakePages(), spec.objSize, spec.align, mm.KernelDefault, nil, nil)
		require.Nilf(t, err, "spec %d", specIndex)
		assert.Equalf(t, spec.expSize, c.ObjectSize(), "spec %d", specIndex)
		assert.Equalf(t, spec.expCount, c.ObjectsPerSlab(), "spec %d", specIndex)
		assert.Equal(t, mm.KernelDefault, c.Flags())
	}

	_, err := NewCache(newFakePages(), 0, 0, mm.KernelDefault, nil, nil)
	assert.Equal(t, errZeroSize, err)

	for _, align := range []uintptr{3, 24, 2 * mm.PageSize} {
		_, err = NewCache(newFakePages(), 64, align, mm.KernelDefault, nil, nil)
		assert.Equalf(t, errBadAlignment, err, "align %d", align)
	}
}

func TestSlabListTransitions(t *testing.T) {
	pages := newFakePages()
	c, err := NewCache(pages, 64, 0, mm.KernelDefault, nil, nil)
	require.Nil(t, err)

	perSlab := int(c.ObjectsPerSlab())
	objs := make([]mm.VirtAddr, 0, perSlab)

	obj, err := c.Alloc()
	require.Nil(t, err)
	objs = append(objs, obj)
	assert.Equal(t, Stats{ObjectSize: 64, ObjectsPerSlab: 128, PartialSlabs: 1, InUse: 1}, c.Stats())

	// Fill the slab; it moves from the partial list to the full list
	for len(objs) < perSlab {
		obj, err = c.Alloc()
		require.Nil(t, err)
		objs = append(objs, obj)
	}
	assert.Equal(t, Stats{ObjectSize: 64, ObjectsPerSlab: 128, FullSlabs: 1, InUse: 128}, c.Stats())
	assert.Len(t, pages.live, 1)

	// Objects are laid out back to back
	for i, obj := range objs {
		assert.Equal(t, objs[0]+mm.VirtAddr(i*64), obj)
	}

	// Freeing any object moves the slab back to the partial list
	require.Nil(t, c.Free(objs[42]))
	assert.Equal(t, Stats{ObjectSize: 64, ObjectsPerSlab: 128, PartialSlabs: 1, InUse: 127}, c.Stats())

	// The freed object is handed out again before a new slab is mapped
	obj, err = c.Alloc()
	require.Nil(t, err)
	assert.Equal(t, objs[42], obj)
	assert.Equal(t, 1, c.Stats().FullSlabs)

	// The next allocation needs a second slab
	extra, err := c.Alloc()
	require.Nil(t, err)
	assert.Len(t, pages.live, 2)
	assert.Equal(t, Stats{ObjectSize: 64, ObjectsPerSlab: 128, PartialSlabs: 1, FullSlabs: 1, InUse: 129}, c.Stats())

	// Releasing every object moves both slabs to the empty list
	require.Nil(t, c.Free(extra))
	for _, obj := range objs {
		require.Nil(t, c.Free(obj))
	}
	assert.Equal(t, Stats{ObjectSize: 64, ObjectsPerSlab: 128, EmptySlabs: 2}, c.Stats())
}

func TestAllocPrefersPartialSlabs(t *testing.T) {
	c, err := NewCache(newFakePages(), 1024, 0, mm.KernelDefault, nil, nil)
	require.Nil(t, err)

	require.Nil(t, c.Grow())
	first, err := c.Alloc()
	require.Nil(t, err)

	require.Nil(t, c.Grow())
	assert.Equal(t, 1, c.Stats().EmptySlabs)

	second, err := c.Alloc()
	require.Nil(t, err)
	assert.Equal(t, first+1024, second)
	assert.Equal(t, 1, c.Stats().EmptySlabs)
}

func TestFreeErrors(t *testing.T) {
	c, err := NewCache(newFakePages(), 48, 0, mm.KernelDefault, nil, nil)
	require.Nil(t, err)

	obj, err := c.Alloc()
	require.Nil(t, err)

	assert.Equal(t, errUnknownObject, c.Free(0x1000))
	assert.Equal(t, errUnknownObject, c.Free(obj+mm.VirtAddr(c.slabSize())))
	assert.Equal(t, errMisaligned, c.Free(obj+8))
	assert.Equal(t, errDoubleFree, c.Free(obj+48))

	require.Nil(t, c.Free(obj))

	// The slab is now empty so the object cannot be found
	err = c.Free(obj)
	assert.Equal(t, errUnknownObject, err)
	assert.True(t, errors.Is(err, kernel.ErrNotFound))
}

func TestConstructorDestructor(t *testing.T) {
	var ctors, dtors []mm.VirtAddr

	c, err := NewCache(newFakePages(), 128, 0, mm.KernelDefault,
		func(obj mm.VirtAddr) { ctors = append(ctors, obj) },
		func(obj mm.VirtAddr) { dtors = append(dtors, obj) },
	)
	require.Nil(t, err)

	a, err := c.Alloc()
	require.Nil(t, err)
	b, err := c.Alloc()
	require.Nil(t, err)
	require.Nil(t, c.Free(a))

	assert.Equal(t, []mm.VirtAddr{a, b}, ctors)
	assert.Equal(t, []mm.VirtAddr{a}, dtors)

	// Failed frees do not invoke the destructor
	_ = c.Free(a)
	assert.Len(t, dtors, 1)
}

func TestGrowFailure(t *testing.T) {
	pages := newFakePages()
	pages.failAfter = 1

	c, err := NewCache(pages, 2048, 0, mm.KernelDefault, nil, nil)
	require.Nil(t, err)

	for i := 0; i < objectsAfterCutoff; i++ {
		_, err = c.Alloc()
		require.Nil(t, err)
	}

	_, err = c.Alloc()
	assert.Equal(t, errTestNoPages, err)
	assert.Equal(t, errTestNoPages, c.Grow())
	assert.Equal(t, Stats{ObjectSize: 2048, ObjectsPerSlab: 16, FullSlabs: 1, InUse: 16}, c.Stats())
}

func TestShrinkAndDestroy(t *testing.T) {
	pages := newFakePages()
	c, err := NewCache(pages, 256, 0, mm.KernelDefault, nil, nil)
	require.Nil(t, err)

	require.Nil(t, c.Grow())
	require.Nil(t, c.Grow())
	obj, err := c.Alloc()
	require.Nil(t, err)
	assert.Len(t, pages.live, 2)

	// Only the empty slab is released
	assert.Equal(t, 1, c.Shrink())
	assert.Len(t, pages.live, 1)
	assert.Equal(t, 0, c.Shrink())

	err = c.Destroy()
	assert.Equal(t, ErrCacheBusy, err)
	assert.True(t, errors.Is(err, kernel.ErrInUse))
	assert.Len(t, pages.live, 1)

	// The arena entry of the released slab is reused
	require.Nil(t, c.Grow())
	assert.Len(t, c.slabs, 2)

	require.Nil(t, c.Free(obj))
	require.Nil(t, c.Destroy())
	assert.Empty(t, pages.live)

	_, err = c.Alloc()
	assert.Equal(t, errDestroyed, err)
	assert.Equal(t, errDestroyed, c.Grow())
}

func TestConcurrentAllocations(t *testing.T) {
	c, err := NewCache(newFakePages(), 96, 0, mm.KernelDefault, nil, nil)
	require.Nil(t, err)

	const (
		workers = 8
		allocs  = 200
	)

	var (
		wg      sync.WaitGroup
		results [workers][]mm.VirtAddr
	)

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < allocs; i++ {
				obj, err := c.Alloc()
				if !assert.Nil(t, err) {
					return
				}
				results[w] = append(results[w], obj)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[mm.VirtAddr]bool)
	for w := range results {
		for _, obj := range results[w] {
			require.False(t, seen[obj], "object 0x%x returned twice", obj)
			seen[obj] = true
		}
	}
	assert.Equal(t, uint(workers*allocs), c.Stats().InUse)
}

type fakeRegion struct {
	*fakePages
	destroyed bool
}

func (r *fakeRegion) Destroy() *kernel.Error {
	if len(r.live) != 0 {
		return errTestNoPages
	}
	r.destroyed = true
	return nil
}

// fakeRegions is a page source that can create private regions.
type fakeRegions struct {
	*fakePages
	regions   []*fakeRegion
	failNew   bool
	failAfter int
}

func (fr *fakeRegions) NewRegion(_ mm.AllocFlag, _ uintptr) (Region, *kernel.Error) {
	if fr.failNew {
		return nil, errTestNoPages
	}

	pages := newFakePages()
	pages.next = mm.VirtAddr(0xffff810000000000 + uintptr(len(fr.regions))<<39)
	pages.failAfter = fr.failAfter

	r := &fakeRegion{fakePages: pages}
	fr.regions = append(fr.regions, r)
	return r, nil
}

func TestPrivateCache(t *testing.T) {
	flags := mm.KernelDefault | mm.VMPrivate

	t.Run("page source without regions", func(t *testing.T) {
		_, err := NewCache(newFakePages(), 64, 0, flags, nil, nil)
		assert.Equal(t, errNoRegions, err)
		assert.True(t, errors.Is(err, kernel.ErrInvalidArgument))
	})

	t.Run("region lifetime", func(t *testing.T) {
		src := &fakeRegions{fakePages: newFakePages(), failAfter: -1}
		c, err := NewCache(src, 64, 0, flags, nil, nil)
		require.Nil(t, err)
		assert.Empty(t, src.regions)

		obj, err := c.Alloc()
		require.Nil(t, err)
		require.Len(t, src.regions, 1)
		region := src.regions[0]
		assert.Equal(t, region.next-mm.VirtAddr(2*mm.PageSize), obj)

		// Slabs come from the region and never from the shared source
		require.Nil(t, c.Grow())
		assert.Len(t, region.live, 2)
		assert.Empty(t, src.live)
		assert.Len(t, src.regions, 1)

		// The region outlives the slabs that are still in use
		assert.Equal(t, 1, c.Shrink())
		assert.False(t, region.destroyed)
		assert.NotNil(t, c.region)

		require.Nil(t, c.Free(obj))
		assert.Equal(t, 1, c.Shrink())
		assert.True(t, region.destroyed)
		assert.Nil(t, c.region)

		// A new region is created on demand
		obj, err = c.Alloc()
		require.Nil(t, err)
		require.Len(t, src.regions, 2)
		assert.Len(t, src.regions[1].live, 1)

		require.Nil(t, c.Free(obj))
		require.Nil(t, c.Destroy())
		assert.True(t, src.regions[1].destroyed)
	})

	t.Run("region errors", func(t *testing.T) {
		src := &fakeRegions{fakePages: newFakePages(), failNew: true, failAfter: 0}
		c, err := NewCache(src, 64, 0, flags, nil, nil)
		require.Nil(t, err)

		_, err = c.Alloc()
		assert.Equal(t, errTestNoPages, err)
		assert.Empty(t, src.regions)

		// A region whose first mapping fails is destroyed straight away
		src.failNew = false
		assert.Equal(t, errTestNoPages, c.Grow())
		require.Len(t, src.regions, 1)
		assert.True(t, src.regions[0].destroyed)
		assert.Nil(t, c.region)
		assert.Equal(t, Stats{ObjectSize: 64, ObjectsPerSlab: 128}, c.Stats())
	})
}
