package vmm

import (
	"bytes"
	"errors"
	gosync "sync"
	"testing"
	"unsafe"

	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapTranslateUnmap(t *testing.T) {
	m, tf, flushes := newTestMapper(t)
	as := m.KernelSpace()

	var (
		virtAddr = mm.VirtAddr(0x40000000)
		physAddr = mm.PhysAddr(0x300000)
		pattern  = []byte("the quick brown gopher")
	)

	require.Nil(t, as.Map(virtAddr, physAddr, FlagRW|FlagNoExecute))
	assert.Equal(t, 1, *flushes)
	assert.Equal(t, 4, as.TableCount())
	assert.False(t, as.IsHuge(virtAddr))

	// Write through the mapping
	ptr, err := as.Pointer(virtAddr + 0x10)
	require.Nil(t, err)
	copy(unsafe.Slice((*byte)(ptr), len(pattern)), pattern)

	got, err := as.Translate(virtAddr + 0x10)
	require.Nil(t, err)
	require.Equal(t, physAddr+0x10, got)

	// Read the physical page directly
	assert.Equal(t, pattern, tf.phys(got, uintptr(len(pattern))))

	require.Nil(t, as.Unmap(virtAddr))
	assert.Equal(t, 2, *flushes)

	_, err = as.Translate(virtAddr)
	assert.Equal(t, ErrInvalidMapping, err)
	assert.True(t, errors.Is(err, kernel.ErrNotFound))

	// Every intermediate table got released
	assert.Equal(t, 1, as.TableCount())
	assert.Equal(t, 1, tf.liveCount())
}

func TestMapErrors(t *testing.T) {
	m, _, _ := newTestMapper(t)
	as := m.KernelSpace()

	specs := []struct {
		virtAddr mm.VirtAddr
		physAddr mm.PhysAddr
		flags    PageTableEntryFlag
		expErr   *kernel.Error
	}{
		{0x0000800000000000, 0x300000, FlagRW, errNonCanonical},
		{0xffff7fffffff0000, 0x300000, FlagRW, errNonCanonical},
		{0x40000000, 1 << 36, FlagRW, errPhysAddrOutOfRange},
		{0x40000000, 0x300000, FlagRW | PageTableEntryFlag(1<<20), errInvalidFlags},
		{0x40000000, 0x300000, FlagWriteThroughCaching | FlagDoNotCache, errCacheModeConflict},
	}

	for specIndex, spec := range specs {
		err := as.Map(spec.virtAddr, spec.physAddr, spec.flags)
		assert.Equalf(t, spec.expErr, err, "spec %d", specIndex)
		assert.Truef(t, errors.Is(err, kernel.ErrInvalidArgument), "spec %d", specIndex)
	}
	assert.Equal(t, 1, as.TableCount())

	m.feat.NX = false
	assert.Equal(t, errNXUnsupported, as.Map(0x40000000, 0x300000, FlagNoExecute))
	m.feat.NX = true

	require.Nil(t, as.Map(0x40000000, 0x300000, FlagRW))
	err := as.Map(0x40000000, 0x301000, FlagRW)
	assert.Equal(t, errAlreadyMapped, err)
	assert.True(t, errors.Is(err, kernel.ErrInUse))

	// The failed attempt does not alter the existing mapping
	physAddr, err := as.Translate(0x40000000)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x300000), physAddr)
}

func TestHugeMappingOverSmallPage(t *testing.T) {
	m, tf, _ := newTestMapper(t)
	as := m.KernelSpace()

	var (
		smallAddr = mm.VirtAddr(0x40203000)
		hugeAddr  = mm.VirtAddr(0x40200000)
	)

	require.Nil(t, as.Map(smallAddr, 0x301000, FlagRW))
	tables, live := as.TableCount(), tf.liveCount()

	err := as.Map(hugeAddr, 0x400000, FlagRW|FlagHugePage)
	assert.Equal(t, errPageSizeMismatch, err)
	assert.True(t, errors.Is(err, kernel.ErrRangeMismatch))

	physAddr, err := as.Translate(smallAddr)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x301000), physAddr)
	assert.False(t, as.IsHuge(smallAddr))
	assert.Equal(t, tables, as.TableCount())
	assert.Equal(t, live, tf.liveCount())
}

func TestSmallPageUnderHugeMapping(t *testing.T) {
	m, _, _ := newTestMapper(t)
	as := m.KernelSpace()

	hugeAddr := mm.VirtAddr(0x40400000)

	// The addresses are aligned down to a 2M boundary
	require.Nil(t, as.Map(hugeAddr+0x1000, 0x401000, FlagRW|FlagHugePage))
	assert.True(t, as.IsHuge(hugeAddr))
	assert.Equal(t, 3, as.TableCount())

	physAddr, err := as.Translate(hugeAddr + 0x1234)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x401234), physAddr)

	assert.Equal(t, errPageSizeMismatch, as.Map(hugeAddr+0x1000, 0x301000, FlagRW))
	assert.Equal(t, errAlreadyMapped, as.Map(hugeAddr, 0x600000, FlagRW|FlagHugePage))
	assert.Equal(t, errPageSizeMismatch, as.Unmap(hugeAddr+0x1000))
	assert.Equal(t, errPageSizeMismatch, as.Protect(hugeAddr, FlagRW))

	require.Nil(t, as.Protect(hugeAddr, FlagHugePage))
	physAddr, err = as.Translate(hugeAddr)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x400000), physAddr)

	require.Nil(t, as.Unmap(hugeAddr))
	assert.Equal(t, 1, as.TableCount())
}

func TestMapRollback(t *testing.T) {
	m, tf, _ := newTestMapper(t)
	as := m.KernelSpace()

	// Fails while allocating the third table
	tf.failAfter = 2
	assert.Equal(t, errTestOutOfFrames, as.Map(0x40000000, 0x300000, FlagRW))
	assert.Equal(t, 1, as.TableCount())
	assert.Equal(t, 1, tf.liveCount())

	tf.failAfter = -1
	require.Nil(t, as.Map(0x40000000, 0x300000, FlagRW))

	specs := []mm.VirtAddr{
		// needs a PT
		0x40200000,
		// needs a PD and a PT
		0x80000000,
		// needs a PDPT, a PD and a PT
		0x8000000000,
	}

	for specIndex, virtAddr := range specs {
		for allowed := 0; allowed <= specIndex; allowed++ {
			tf.failAfter = allowed
			assert.Equalf(t, errTestOutOfFrames, as.Map(virtAddr, 0x301000, FlagRW), "spec %d", specIndex)
			assert.Equalf(t, 4, as.TableCount(), "spec %d", specIndex)
			assert.Equalf(t, 4, tf.liveCount(), "spec %d", specIndex)
		}
	}
}

func TestUnmap(t *testing.T) {
	m, tf, _ := newTestMapper(t)
	as := m.KernelSpace()

	assert.Equal(t, errNonCanonical, as.Unmap(0x0000900000000000))
	assert.Equal(t, ErrInvalidMapping, as.Unmap(0x40000000))

	require.Nil(t, as.Map(0x40000000, 0x300000, FlagRW))
	require.Nil(t, as.Map(0x40001000, 0x301000, FlagRW))
	assert.Equal(t, ErrInvalidMapping, as.Unmap(0x40002000))

	// The PT still holds a mapping
	require.Nil(t, as.Unmap(0x40000000))
	assert.Equal(t, 4, as.TableCount())

	require.Nil(t, as.Unmap(0x40001000))
	assert.Equal(t, 1, as.TableCount())
	assert.Equal(t, 1, tf.liveCount())

	// Kernel half: the PDPT stays
	require.Nil(t, as.Map(0xffffffff80000000, 0x300000, FlagRW|FlagGlobal))
	assert.Equal(t, 4, as.TableCount())
	require.Nil(t, as.Unmap(0xffffffff80000000))
	assert.Equal(t, 2, as.TableCount())
	assert.Equal(t, 2, tf.liveCount())
}

func TestProtect(t *testing.T) {
	m, _, flushes := newTestMapper(t)
	as := m.KernelSpace()

	virtAddr := mm.VirtAddr(0x40000000)
	assert.Equal(t, ErrInvalidMapping, as.Protect(virtAddr, FlagRW))

	require.Nil(t, as.Map(virtAddr, 0x300000, FlagRW))
	*flushes = 0

	require.Nil(t, as.Protect(virtAddr+0x10, FlagNoExecute))
	assert.Equal(t, 1, *flushes)

	var path walkPath
	require.Nil(t, as.walk(virtAddr, &path))
	assert.Equal(t, FlagPresent|FlagNoExecute, path.entries[path.leaf].Flags())
	assert.Equal(t, mm.Frame(0x300), path.entries[path.leaf].Frame())

	assert.Equal(t, errPageSizeMismatch, as.Protect(virtAddr, FlagHugePage))
	assert.Equal(t, errCacheModeConflict, as.Protect(virtAddr, FlagWriteThroughCaching|FlagDoNotCache))
	assert.Equal(t, errNonCanonical, as.Protect(0x0000800000000000, FlagRW))
}

func TestMapRegion(t *testing.T) {
	m, _, _ := newTestMapper(t)
	as := m.KernelSpace()

	virtAddr := mm.VirtAddr(0x40000000)

	t.Run("success", func(t *testing.T) {
		require.Nil(t, as.MapRegion(virtAddr, 0x300000, 4, FlagRW))
		for i := uintptr(0); i < 4; i++ {
			physAddr, err := as.Translate(virtAddr + mm.VirtAddr(i*mm.PageSize))
			require.Nil(t, err)
			assert.Equal(t, mm.PhysAddr(0x300000+i*mm.PageSize), physAddr)
		}

		assert.Equal(t, errPageSizeMismatch, as.UnmapRegion(virtAddr, 4, true))
		require.Nil(t, as.UnmapRegion(virtAddr, 4, false))
		assert.Equal(t, 1, as.TableCount())
	})

	t.Run("rollback", func(t *testing.T) {
		require.Nil(t, as.Map(virtAddr+2*mm.VirtAddr(mm.PageSize), 0x500000, FlagRW))

		assert.Equal(t, errAlreadyMapped, as.MapRegion(virtAddr, 0x300000, 4, FlagRW))
		for _, page := range []mm.VirtAddr{0, 1, 3} {
			_, err := as.Translate(virtAddr + page*mm.VirtAddr(mm.PageSize))
			assert.Equalf(t, ErrInvalidMapping, err, "page %d", page)
		}

		physAddr, err := as.Translate(virtAddr + 2*mm.VirtAddr(mm.PageSize))
		require.Nil(t, err)
		assert.Equal(t, mm.PhysAddr(0x500000), physAddr)

		require.Nil(t, as.Unmap(virtAddr+2*mm.VirtAddr(mm.PageSize)))
	})

	t.Run("huge pages", func(t *testing.T) {
		require.Nil(t, as.MapRegion(virtAddr, 0x400000, 2, FlagRW|FlagHugePage))
		assert.True(t, as.IsHuge(virtAddr+mm.VirtAddr(mm.HugePageSize)))
		assert.Equal(t, errPageSizeMismatch, as.UnmapRegion(virtAddr, 2, false))
		require.Nil(t, as.UnmapRegion(virtAddr, 2, true))
		assert.Equal(t, ErrInvalidMapping, as.UnmapRegion(virtAddr, 1, true))
	})
}

func TestUnmapWithinPage(t *testing.T) {
	m, tf, _ := newTestMapper(t)
	as := m.KernelSpace()

	require.Nil(t, as.Map(0x40000000, 0x300000, FlagRW))
	require.Nil(t, as.Unmap(0x40000010))

	_, err := as.Translate(0x40000000)
	assert.Equal(t, ErrInvalidMapping, err)
	assert.Equal(t, 1, as.TableCount())
	assert.Equal(t, 1, tf.liveCount())
}

func TestMapRegionUnalignedRollback(t *testing.T) {
	m, tf, _ := newTestMapper(t)
	as := m.KernelSpace()

	// The second page of the region is already taken
	require.Nil(t, as.Map(0x40201000, 0x500000, FlagRW))
	tables, live := as.TableCount(), tf.liveCount()

	assert.Equal(t, errAlreadyMapped, as.MapRegion(0x40200010, 0x400000, 2, FlagRW))

	_, err := as.Translate(0x40200000)
	assert.Equal(t, ErrInvalidMapping, err)
	assert.Equal(t, tables, as.TableCount())
	assert.Equal(t, live, tf.liveCount())

	physAddr, err := as.Translate(0x40201000)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x500000), physAddr)

	// An unaligned start maps the pages that contain it
	require.Nil(t, as.Unmap(0x40201000))
	require.Nil(t, as.MapRegion(0x40200010, 0x400010, 2, FlagRW))
	physAddr, err = as.Translate(0x40201234)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x401234), physAddr)
	require.Nil(t, as.UnmapRegion(0x40200010, 2, false))
	assert.Equal(t, 1, as.TableCount())
}

func TestUnmapRegionChecksWholeRange(t *testing.T) {
	m, _, flushes := newTestMapper(t)
	as := m.KernelSpace()

	virtAddr := mm.VirtAddr(0x40000000)
	require.Nil(t, as.MapRegion(virtAddr, 0x300000, 2, FlagRW))
	require.Nil(t, as.Map(virtAddr+mm.VirtAddr(mm.HugePageSize), 0x600000, FlagRW|FlagHugePage))
	*flushes = 0

	specs := []struct {
		virtAddr mm.VirtAddr
		count    uintptr
		huge     bool
		expErr   *kernel.Error
	}{
		// the third page is not mapped
		{virtAddr, 3, false, ErrInvalidMapping},
		// the page sizes do not match
		{virtAddr + mm.VirtAddr(mm.HugePageSize), 1, false, errPageSizeMismatch},
		{virtAddr, 2, true, errPageSizeMismatch},
		// the range wraps around the address space
		{0xfffffffffffff000, 2, false, errNonCanonical},
		{0x00007ffffffff000, 2, false, errNonCanonical},
	}

	for specIndex, spec := range specs {
		assert.Equalf(t, spec.expErr, as.UnmapRegion(spec.virtAddr, spec.count, spec.huge), "spec %d", specIndex)
	}

	assert.Zero(t, *flushes, "a failed call must not unmap anything")
	for page := uintptr(0); page < 2; page++ {
		_, err := as.Translate(virtAddr + mm.VirtAddr(page*mm.PageSize))
		assert.Nilf(t, err, "page %d", page)
	}
	assert.True(t, as.IsHuge(virtAddr+mm.VirtAddr(mm.HugePageSize)))

	assert.Nil(t, as.UnmapRegion(virtAddr, 0, false))
	require.Nil(t, as.UnmapRegion(virtAddr, 2, false))
	require.Nil(t, as.UnmapRegion(virtAddr+mm.VirtAddr(mm.HugePageSize), 1, true))
	assert.Equal(t, 1, as.TableCount())
}

func TestMemsetMemcopy(t *testing.T) {
	m, tf, _ := newTestMapper(t)
	as := m.KernelSpace()

	base := mm.VirtAddr(0x40000000)

	// Back consecutive virtual pages with scattered physical pages
	require.Nil(t, as.Map(base, 0x305000, FlagRW))
	require.Nil(t, as.Map(base+0x1000, 0x300000, FlagRW))
	require.Nil(t, as.Map(base+0x2000, 0x302000, FlagRW))
	require.Nil(t, as.Map(base+0x3000, 0x307000, FlagRW))

	require.Nil(t, as.Memset(base+4000, 0x11, 200))
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 96), tf.phys(0x305000+4000, 96))
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 104), tf.phys(0x300000, 104))

	require.Nil(t, as.Memcopy(base+0x2000+4090, base+4000, 200))
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 6), tf.phys(0x302000+4090, 6))
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 194), tf.phys(0x307000, 194))

	assert.Equal(t, ErrInvalidMapping, as.Memset(base+0x3ff0, 0, 32))
	assert.Equal(t, ErrInvalidMapping, as.Memcopy(base, base+0x3ff0, 32))

	_, err := as.Pointer(base + 0x4000)
	assert.Equal(t, ErrInvalidMapping, err)
}

func TestConcurrentMapping(t *testing.T) {
	m, _, _ := newTestMapper(t, WithTLBFlusher(func(mm.VirtAddr) {}))
	as := m.KernelSpace()

	const (
		workers        = 8
		pagesPerWorker = 32
	)

	var wg gosync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < pagesPerWorker; i++ {
				page := uintptr(w*pagesPerWorker + i)
				assert.Nil(t, as.Map(mm.VirtAddr(0x40000000+page*mm.PageSize), mm.PhysAddr(0x300000+page*mm.PageSize), FlagRW))
			}
		}(w)
	}
	wg.Wait()

	for page := uintptr(0); page < workers*pagesPerWorker; page++ {
		physAddr, err := as.Translate(mm.VirtAddr(0x40000000 + page*mm.PageSize))
		require.Nil(t, err)
		require.Equal(t, mm.PhysAddr(0x300000+page*mm.PageSize), physAddr)
	}
	assert.Equal(t, 4, as.TableCount())
}
