package kmain_test

import (
	"errors"
	"testing"

	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/mm/mmtest"
	"github.com/primeseven1/crescent/kernel/mm/pmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMemory(t *testing.T) {
	m := mmtest.New(t, mmtest.DefaultConfig())

	require.NotNil(t, m.Frames)
	require.NotNil(t, m.Mapper)
	require.NotNil(t, m.Zones)
	require.NotNil(t, m.VMap)
	require.NotNil(t, m.Heap)
	assert.Equal(t, m.Space(), m.VMap.AddressSpace())

	// Drain the DMA32 zone; no page of the kernel image is handed out
	var pages []mm.PhysAddr
	for {
		physAddr, err := m.Frames.AllocPages(mm.ZoneDMA32, 0)
		if err != nil {
			assert.True(t, errors.Is(err, kernel.ErrExhausted))
			break
		}
		assert.Falsef(t, physAddr >= 0x100000 && physAddr < 0x200000, "page 0x%x belongs to the kernel image", physAddr)
		pages = append(pages, physAddr)
	}
	assert.NotEmpty(t, pages)
	assert.Zero(t, m.Frames.Zone(pmm.ClassDMA32).FreePages())
	assert.Zero(t, m.Frames.Zone(pmm.ClassDMA).FreePages())

	for _, physAddr := range pages {
		require.Nil(t, m.Frames.FreePages(physAddr, 0))
	}
}

func TestInitMemoryErrors(t *testing.T) {
	cfg := mmtest.DefaultConfig()
	cfg.Kernel.Zones.FirstSlot = 10
	_, err := mmtest.NewMachine(cfg)
	assert.True(t, errors.Is(err, kernel.ErrInvalidArgument))

	cfg = mmtest.DefaultConfig()
	cfg.Kernel.Heap.SizeClasses = []uintptr{16}
	_, err = mmtest.NewMachine(cfg)
	assert.True(t, errors.Is(err, kernel.ErrInvalidArgument))
}

func TestPrintStats(t *testing.T) {
	m := mmtest.New(t, mmtest.DefaultConfig())

	ptr, err := m.Heap.Alloc(200, mm.KernelDefault)
	require.Nil(t, err)
	m.PrintStats()
	require.Nil(t, m.Heap.Free(ptr))
}
