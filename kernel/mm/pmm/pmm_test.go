package pmm

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/boot"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig scales the zone limits down so that tests can work with a few
// megabytes of simulated memory.
func testConfig() Config {
	return Config{
		DMALimit:   mm.PhysAddr(256 * mm.Kb),
		DMA32Limit: mm.PhysAddr(1 * mm.Mb),
	}
}

func testMemoryMap() boot.MemoryMap {
	return boot.MemoryMap{
		{Base: 0x0, Length: 0x9fc00, Type: boot.MemUsable},
		{Base: 0x9fc00, Length: 0x60400, Type: boot.MemReserved},
		{Base: 0x100000, Length: 0x100000, Type: boot.MemUsable},
		{Base: 0x180000, Length: 0x2000, Type: boot.MemACPIReclaimable},
	}
}

func TestNew(t *testing.T) {
	cfg := testConfig()
	cfg.KernelStart, cfg.KernelEnd = 0x110000, 0x118000

	alloc, err := New(testMemoryMap(), cfg)
	require.Nil(t, err)

	dma := alloc.Zone(ClassDMA)
	require.NotNil(t, dma)
	assert.Equal(t, mm.PhysAddr(0), dma.Base())
	assert.Equal(t, uintptr(256*mm.Kb), dma.Size())
	// 64 pages minus the first page
	assert.Equal(t, uintptr(63), dma.FreePages())

	dma32 := alloc.Zone(ClassDMA32)
	require.NotNil(t, dma32)
	assert.Equal(t, mm.PhysAddr(256*mm.Kb), dma32.Base())
	// [256K, 0x9fc00) is usable; the partial page at 0x9f000 is reserved
	assert.Equal(t, uintptr(0x9f000-0x40000)>>mm.PageShift, dma32.FreePages())

	normal := alloc.Zone(ClassNormal)
	require.NotNil(t, normal)
	assert.Equal(t, mm.PhysAddr(1*mm.Mb), normal.Base())
	// 256 pages minus the kernel image (8 pages) and the ACPI region (2 pages)
	assert.Equal(t, uintptr(256-8-2), normal.FreePages())

	assert.Nil(t, alloc.Zone(classCount))
	assert.Equal(t, dma32, alloc.ZoneForAddress(0x50000))
	assert.Nil(t, alloc.ZoneForAddress(0x300000))
}

func TestNewErrors(t *testing.T) {
	_, err := New(boot.MemoryMap{{Base: 0, Length: 0x1000, Type: boot.MemReserved}}, testConfig())
	assert.Equal(t, errNoMemory, err)

	cfg := testConfig()
	cfg.DMA32Limit = cfg.DMALimit
	_, err = New(testMemoryMap(), cfg)
	assert.Equal(t, errBadZoneLimits, err)

	cfg = testConfig()
	cfg.DMALimit++
	_, err = New(testMemoryMap(), cfg)
	assert.Equal(t, errBadZoneLimits, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, mm.PhysAddr(0x1000000), cfg.DMALimit)
	assert.Equal(t, mm.PhysAddr(0x100000000), cfg.DMA32Limit)
}

func TestFirstPageNeverAllocated(t *testing.T) {
	alloc, err := New(testMemoryMap(), testConfig())
	require.Nil(t, err)

	for {
		addr, err := alloc.AllocPages(mm.ZoneDMA, 0)
		if err != nil {
			assert.True(t, errors.Is(err, kernel.ErrExhausted))
			break
		}
		require.NotZero(t, addr, "the first physical page must never be allocated")
		require.Equal(t, ClassDMA, alloc.ZoneForAddress(addr).Class())
	}

	assert.Equal(t, errFreeFirstPage, alloc.FreePages(0, 0))
}

func TestZoneFallback(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	alloc, err := New(testMemoryMap(), testConfig())
	require.Nil(t, err)

	countPerClass := map[Class]int{}
	for {
		addr, err := alloc.AllocPages(mm.ZoneNormal, 0)
		if err != nil {
			require.Equal(t, errOutOfMemory, err)
			break
		}
		countPerClass[alloc.ZoneForAddress(addr).Class()]++
	}

	// Normal requests drain every zone, starting with Normal
	assert.Equal(t, 256-2, countPerClass[ClassNormal])
	assert.Equal(t, int(0x9f000-0x40000)>>mm.PageShift, countPerClass[ClassDMA32])
	assert.Equal(t, 63, countPerClass[ClassDMA])
	assert.Contains(t, buf.String(), "[pmm] warning: zone Normal exhausted (order 0)")
}

func TestNoUpwardFallback(t *testing.T) {
	alloc, err := New(testMemoryMap(), testConfig())
	require.Nil(t, err)

	for {
		addr, err := alloc.AllocPages(mm.ZoneDMA32, 0)
		if err != nil {
			break
		}

		class := alloc.ZoneForAddress(addr).Class()
		require.NotEqual(t, ClassNormal, class, "DMA32 requests must not be served from the Normal zone")
	}

	// The Normal zone is untouched
	assert.Equal(t, uintptr(256-2), alloc.Zone(ClassNormal).FreePages())
}

func TestAllocPagesOrderOutOfRange(t *testing.T) {
	alloc, err := New(testMemoryMap(), testConfig())
	require.Nil(t, err)

	// The largest zone spans 256 pages
	_, err = alloc.AllocPages(mm.ZoneNormal, 9)
	assert.Equal(t, errOrderOutOfRange, err)
	assert.True(t, errors.Is(err, kernel.ErrInvalidArgument))

	addr, err := alloc.AllocPages(mm.ZoneNormal, 6)
	require.Nil(t, err)
	assert.Equal(t, ClassNormal, alloc.ZoneForAddress(addr).Class())
	require.Nil(t, alloc.FreePages(addr, 6))
}

func TestFreePagesErrors(t *testing.T) {
	alloc, err := New(testMemoryMap(), testConfig())
	require.Nil(t, err)

	assert.Equal(t, errUnknownZone, alloc.FreePages(0x400000, 0))

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, alloc.FreeFrame(frame))
	assert.Equal(t, errDoubleFree, alloc.FreeFrame(frame))
}

func TestReserve(t *testing.T) {
	alloc, err := New(testMemoryMap(), testConfig())
	require.Nil(t, err)

	// Reserve a range that straddles the DMA32 and Normal zones; the gap
	// between them is already reserved.
	alloc.Reserve(0x9e000, 0x64000)
	assert.Equal(t, uintptr(0x9e000-0x40000)>>mm.PageShift, alloc.Zone(ClassDMA32).FreePages())
	assert.Equal(t, uintptr(256-2-2), alloc.Zone(ClassNormal).FreePages())
}

func TestConcurrentAllocations(t *testing.T) {
	alloc, err := New(testMemoryMap(), testConfig())
	require.Nil(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		results [workers][]mm.PhysAddr
	)

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for {
				addr, err := alloc.AllocPages(mm.ZoneNormal, 1)
				if err != nil {
					return
				}
				results[w] = append(results[w], addr)
			}
		}(w)
	}
	wg.Wait()

	owner := map[mm.PhysAddr]int{}
	for w, addrs := range results {
		for _, addr := range addrs {
			for page := addr; page < addr+mm.PhysAddr(2*mm.PageSize); page += mm.PhysAddr(mm.PageSize) {
				prev, taken := owner[page]
				require.Falsef(t, taken, "page 0x%x handed out to workers %d and %d", page, prev, w)
				owner[page] = w
			}
		}
	}
	assert.NotEmpty(t, owner)
}

func TestStats(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	alloc, err := New(testMemoryMap(), testConfig())
	require.Nil(t, err)

	stats := alloc.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, ClassNormal, stats[2].Class)
	assert.Equal(t, uintptr(256), stats[2].TotalPages)
	assert.Equal(t, uintptr(254), stats[2].FreePages)

	buf.Reset()
	alloc.PrintStats()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[pmm] zone Normal: [0x0000000000100000 - 0x0000000000200000] layers:  9, free: 254/256 pages", lines[2])
}
