// Package vzone reserves ranges of kernel virtual addresses independently of
// the physical memory that backs them. Each zone owns one top-level page
// table slot in the kernel half of the address space and tracks its units
// (4K or 2M pages) with a bitmap that grows and shrinks on demand.
package vzone

import (
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/kfmt"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/sync"
)

const (
	// slotShift is log2 of the span of a top-level page table entry.
	slotShift = 39

	// slotSpan is the number of bytes that each zone can cover.
	slotSpan = uintptr(1) << slotShift

	// signExtension is ORed with slot offsets to build canonical kernel
	// addresses.
	signExtension = uintptr(0xffff000000000000)

	topLevelEntries = 512
)

var (
	log = kfmt.NewLogger("vzone")

	errZeroCount     = &kernel.Error{Module: "vzone", Message: "reservation size must be greater than zero", Kind: kernel.KindInvalidArgument}
	errNotKernel     = &kernel.Error{Module: "vzone", Message: "only kernel zones are supported", Kind: kernel.KindInvalidArgument}
	errTooLarge      = &kernel.Error{Module: "vzone", Message: "reservation exceeds the span of a zone", Kind: kernel.KindExhausted}
	errNoFreeSlot    = &kernel.Error{Module: "vzone", Message: "no free top-level slot for a new zone", Kind: kernel.KindExhausted}
	errZoneFull      = &kernel.Error{Module: "vzone", Message: "zone cannot grow any further", Kind: kernel.KindExhausted}
	errNoZone        = &kernel.Error{Module: "vzone", Message: "address does not belong to any zone", Kind: kernel.KindNotFound}
	errOutOfZone     = &kernel.Error{Module: "vzone", Message: "range exceeds the end of the zone", Kind: kernel.KindInvalidArgument}
	errMisaligned    = &kernel.Error{Module: "vzone", Message: "address is not aligned to the zone unit", Kind: kernel.KindInvalidArgument}
	errRangeInUse    = &kernel.Error{Module: "vzone", Message: "range is already reserved", Kind: kernel.KindInUse}
	errNotReserved   = &kernel.Error{Module: "vzone", Message: "range is not reserved", Kind: kernel.KindInvalidArgument}
	errNotPrivate    = &kernel.Error{Module: "vzone", Message: "only private zones can be destroyed", Kind: kernel.KindInvalidArgument}
	errZoneBusy      = &kernel.Error{Module: "vzone", Message: "zone still contains reservations", Kind: kernel.KindInUse}
	errBadSlotConfig = &kernel.Error{Module: "vzone", Message: "slots must lie in the kernel half of the top-level table", Kind: kernel.KindInvalidArgument}
	errFirstZone     = &kernel.Error{Module: "vzone", Message: "unable to create the initial kernel zone", Kind: kernel.KindFatal}
	errForeignZone   = &kernel.Error{Module: "vzone", Message: "zone belongs to a different allocator", Kind: kernel.KindInvalidArgument}
	errPrivateFlag   = &kernel.Error{Module: "vzone", Message: "private zones must be created with NewPrivateZone", Kind: kernel.KindInvalidArgument}
)

// Translator exposes the parts of the kernel address space that the zone
// allocator needs to inspect.
type Translator interface {
	// TopLevelPresent returns true if the top-level entry at index is
	// present.
	TopLevelPresent(index int) bool

	// Translate returns the physical address mapped at a virtual address.
	Translate(mm.VirtAddr) (mm.PhysAddr, *kernel.Error)
}

// Config controls the layout and the resizing policy of the zones.
type Config struct {
	// ShrinkThreshold is the number of trailing free units that cause a
	// zone to shrink. Zones with fewer units shrink to zero once they
	// are completely free. A zero value disables shrinking.
	ShrinkThreshold uintptr

	// FirstSlot is the index of the first top-level entry available for
	// zones.
	FirstSlot int

	// SlotCount is the number of top-level entries available for zones.
	SlotCount int
}

// DefaultConfig returns the configuration used by the kernel.
func DefaultConfig() Config {
	return Config{
		ShrinkThreshold: 512,
		FirstSlot:       256,
		SlotCount:       256,
	}
}

type slot struct {
	base mm.VirtAddr

	// locked slots are never released. Slots whose top-level entry was
	// present at boot are locked and never handed out.
	locked bool
	free   bool
}

// Allocator manages the set of virtual zones.
type Allocator struct {
	tables Translator
	cfg    Config

	slotLock sync.IRQSpinlock
	slots    []slot

	zoneLock sync.IRQSpinlock
	zones    []*Zone
}

// New creates a zone allocator. Slots whose top-level entry is already
// present (e.g. the direct map and the kernel image installed by the boot
// loader) are never used. A single page kernel zone is created in the first
// free slot which stays claimed for the lifetime of the kernel.
func New(tables Translator, cfg Config) (*Allocator, *kernel.Error) {
	if cfg.SlotCount <= 0 || cfg.FirstSlot < topLevelEntries/2 || cfg.FirstSlot+cfg.SlotCount > topLevelEntries {
		return nil, errBadSlotConfig
	}

	a := &Allocator{
		tables: tables,
		cfg:    cfg,
		slots:  make([]slot, cfg.SlotCount),
		zones:  make([]*Zone, 0, cfg.SlotCount),
	}

	for i := range a.slots {
		index := cfg.FirstSlot + i
		present := tables.TopLevelPresent(index)

		a.slots[i] = slot{
			base:   mm.VirtAddr(uintptr(index)<<slotShift | signExtension),
			locked: present,
			free:   !present,
		}
	}

	z, err := a.createZone(mm.VMKernel, 1, false)
	if err != nil {
		log.Errorf("%s\n", err.Message)
		return nil, errFirstZone
	}
	a.slots[z.slot].locked = true

	return a, nil
}

// Config returns the allocator configuration.
func (a *Allocator) Config() Config {
	return a.cfg
}

// Reserve returns the base address of count contiguous free units from a
// zone whose flags match the VMZoneMask bits of flags. Zones are searched in
// creation order: a zone without a large enough run of free units grows by
// count units; if it cannot grow, the search continues with the next zone.
// If no zone can satisfy the request a new zone is created in a free slot.
// Flags that include mm.VMPrivate are rejected.
func (a *Allocator) Reserve(flags mm.AllocFlag, count uintptr) (mm.VirtAddr, *kernel.Error) {
	if count == 0 {
		return 0, errZeroCount
	}
	if flags&mm.VMKernel == 0 {
		return 0, errNotKernel
	}
	if flags&mm.VMPrivate != 0 {
		return 0, errPrivateFlag
	}

	class := flags & mm.VMZoneMask
	for next := 0; ; {
		z, index := a.nextZone(class, next)
		if z == nil {
			var err *kernel.Error
			if z, err = a.createZone(class, count, false); err != nil {
				return 0, err
			}
			index = a.indexOf(z)
		}

		if virtAddr, err := z.Reserve(count); err == nil {
			return virtAddr, nil
		}

		next = index + 1
	}
}

// Release returns count units starting at virtAddr to the zone that
// contains them.
func (a *Allocator) Release(virtAddr mm.VirtAddr, count uintptr) *kernel.Error {
	z := a.ZoneFor(virtAddr)
	if z == nil {
		return errNoZone
	}
	return z.Release(virtAddr, count)
}

// ReserveAt reserves count units starting at virtAddr. The range must lie
// within an existing zone.
func (a *Allocator) ReserveAt(virtAddr mm.VirtAddr, count uintptr) *kernel.Error {
	z := a.ZoneFor(virtAddr)
	if z == nil {
		return errNoZone
	}
	return z.ReserveAt(virtAddr, count)
}

// NewPrivateZone creates a zone that is owned by a single caller. Private
// zones are never returned by Reserve, are not locked and must be released
// with DestroyZone.
func (a *Allocator) NewPrivateZone(flags mm.AllocFlag, count uintptr) (*Zone, *kernel.Error) {
	if count == 0 {
		return nil, errZeroCount
	}
	if flags&mm.VMKernel == 0 {
		return nil, errNotKernel
	}

	return a.createZone(flags&mm.VMZoneMask, count, true)
}

// DestroyZone removes an empty private zone and releases its slot.
func (a *Allocator) DestroyZone(z *Zone) *kernel.Error {
	switch {
	case z.owner != a:
		return errForeignZone
	case !z.private:
		return errNotPrivate
	case z.used != 0:
		return errZoneBusy
	}

	irq := a.zoneLock.Acquire()
	for i, other := range a.zones {
		if other == z {
			a.zones = append(a.zones[:i], a.zones[i+1:]...)
			break
		}
	}
	a.zoneLock.Release(irq)

	a.releaseSlot(z.slot)
	return nil
}

// ZoneFor returns the zone whose slot contains virtAddr or nil.
func (a *Allocator) ZoneFor(virtAddr mm.VirtAddr) *Zone {
	irq := a.zoneLock.Acquire()
	defer a.zoneLock.Release(irq)

	for _, z := range a.zones {
		if virtAddr >= z.base && uintptr(virtAddr-z.base) < slotSpan {
			return z
		}
	}
	return nil
}

// Zones returns a snapshot of the registered zones in creation order.
func (a *Allocator) Zones() []*Zone {
	irq := a.zoneLock.Acquire()
	defer a.zoneLock.Release(irq)

	return append([]*Zone(nil), a.zones...)
}

// PrintStats emits a summary of all zones to the kernel log.
func (a *Allocator) PrintStats() {
	for _, z := range a.Zones() {
		units, used := z.Units(), z.Used()
		log.Printf("zone 0x%16x: flags 0x%4x, unit %7d, used %d/%d, private %t\n",
			uintptr(z.base), uint32(z.flags), z.unit, used, units, z.private,
		)
	}
}

// nextZone returns the first shared zone at or after index start whose flags
// match class.
func (a *Allocator) nextZone(class mm.AllocFlag, start int) (*Zone, int) {
	irq := a.zoneLock.Acquire()
	defer a.zoneLock.Release(irq)

	for i := start; i < len(a.zones); i++ {
		if z := a.zones[i]; !z.private && z.flags == class {
			return z, i
		}
	}
	return nil, -1
}

func (a *Allocator) indexOf(z *Zone) int {
	irq := a.zoneLock.Acquire()
	defer a.zoneLock.Release(irq)

	for i, other := range a.zones {
		if other == z {
			return i
		}
	}
	return len(a.zones)
}

// createZone claims a free slot and registers a zone of count units in it.
func (a *Allocator) createZone(class mm.AllocFlag, count uintptr, private bool) (*Zone, *kernel.Error) {
	unit := class.Unit()
	if count > slotSpan/unit {
		return nil, errTooLarge
	}

	index, ok := a.claimSlot()
	if !ok {
		log.Warnf("no free slot for a zone of %d units\n", count)
		return nil, errNoFreeSlot
	}

	z := newZone(a, index, a.slots[index].base, class, private)
	z.resize(count)

	irq := a.zoneLock.Acquire()
	a.zones = append(a.zones, z)
	a.zoneLock.Release(irq)

	return z, nil
}

func (a *Allocator) claimSlot() (int, bool) {
	irq := a.slotLock.Acquire()
	defer a.slotLock.Release(irq)

	for i := range a.slots {
		if a.slots[i].free {
			a.slots[i].free = false
			return i, true
		}
	}
	return 0, false
}

func (a *Allocator) releaseSlot(index int) {
	irq := a.slotLock.Acquire()
	if !a.slots[index].locked {
		a.slots[index].free = true
	}
	a.slotLock.Release(irq)
}
