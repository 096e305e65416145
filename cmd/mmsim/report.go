package main

import (
	"io"

	"github.com/primeseven1/crescent/kernel/boot"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/mm/mmtest"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

func printMemoryMap(w io.Writer, mmap boot.MemoryMap) {
	printer.Fprintf(w, "Memory map:\n")
	for _, r := range mmap {
		printer.Fprintf(w, "  [0x%012x - 0x%012x] %-26s %14d bytes\n", r.Base, r.End(), r.Type.String(), r.Length)
	}
}

func printZones(w io.Writer, m *mmtest.Machine) {
	printer.Fprintf(w, "Physical zones:\n")
	for _, st := range m.Frames.Stats() {
		printer.Fprintf(w, "  %-6s [0x%012x - 0x%012x] %2d layers %10d / %10d pages free\n",
			st.Class.String(), uintptr(st.Base), uintptr(st.Base)+st.Size, st.Layers, st.FreePages, st.TotalPages)
	}

	printer.Fprintf(w, "Virtual zones:\n")
	for _, z := range m.Zones.Zones() {
		printer.Fprintf(w, "  0x%016x unit %8d %10d / %10d units used\n",
			uintptr(z.Base()), z.Unit(), z.Used(), z.Units())
	}
}

func printCaches(w io.Writer, m *mmtest.Machine) {
	printer.Fprintf(w, "Heap caches:\n")
	for _, st := range m.Heap.CacheStats() {
		printer.Fprintf(w, "  %6d bytes %4d objects/slab %6d empty %6d partial %6d full %8d in use\n",
			st.ObjectSize, st.ObjectsPerSlab, st.EmptySlabs, st.PartialSlabs, st.FullSlabs, st.InUse)
	}
}

func printResult(w io.Writer, res workloadResult) {
	printer.Fprintf(w, "Workload: %d allocations, %d reallocations, %d frees, %d exhausted\n",
		res.Allocs, res.Reallocs, res.Frees, res.Exhausted)
	printer.Fprintf(w, "Peak: %d live allocations holding %d bytes (%d pages)\n",
		res.PeakLive, res.PeakBytes, mm.AlignUp(res.PeakBytes, mm.PageSize)>>mm.PageShift)
}
