package vzone

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/sync"
)

// Zone tracks the reserved units of a single top-level slot. Bit i of the
// bitmap is set if the unit at base + i*unit is reserved.
type Zone struct {
	lock  sync.IRQSpinlock
	owner *Allocator

	slot  int
	base  mm.VirtAddr
	flags mm.AllocFlag
	unit  uintptr

	// private zones are only accessed by their owner and skip locking.
	private bool

	units uint
	used  uint
	bits  *bitset.BitSet
}

func newZone(owner *Allocator, slot int, base mm.VirtAddr, flags mm.AllocFlag, private bool) *Zone {
	return &Zone{
		owner:   owner,
		slot:    slot,
		base:    base,
		flags:   flags,
		unit:    flags.Unit(),
		private: private,
		bits:    bitset.New(0),
	}
}

// Base returns the address of the first unit in the zone.
func (z *Zone) Base() mm.VirtAddr { return z.base }

// Flags returns the flags that classify the zone.
func (z *Zone) Flags() mm.AllocFlag { return z.flags }

// Unit returns the size of each zone unit in bytes.
func (z *Zone) Unit() uintptr { return z.unit }

// Private returns true if the zone is owned by a single caller.
func (z *Zone) Private() bool { return z.private }

// Units returns the number of units currently tracked by the zone.
func (z *Zone) Units() uintptr {
	irq := z.acquire()
	defer z.release(irq)
	return uintptr(z.units)
}

// Used returns the number of reserved units.
func (z *Zone) Used() uintptr {
	irq := z.acquire()
	defer z.release(irq)
	return uintptr(z.used)
}

// Empty returns true if no unit of the zone is reserved.
func (z *Zone) Empty() bool {
	return z.Used() == 0
}

func (z *Zone) acquire() uintptr {
	if z.private {
		return 0
	}
	return z.lock.Acquire()
}

func (z *Zone) release(irq uintptr) {
	if !z.private {
		z.lock.Release(irq)
	}
}

// maxUnits returns the number of units that fit in a top-level slot.
func (z *Zone) maxUnits() uint {
	return uint(slotSpan / z.unit)
}

// Reserve returns the base address of the first run of count free units,
// growing the zone by count units as long as no such run exists.
func (z *Zone) Reserve(count uintptr) (mm.VirtAddr, *kernel.Error) {
	if count == 0 {
		return 0, errZeroCount
	}

	irq := z.acquire()
	defer z.release(irq)

	if virtAddr, ok := z.reserveRun(uint(count)); ok {
		return virtAddr, nil
	}

	for z.units+uint(count) <= z.maxUnits() {
		z.resize(uintptr(z.units) + count)
		log.Printf("grew zone 0x%x by %d units\n", uintptr(z.base), count)

		if virtAddr, ok := z.reserveRun(uint(count)); ok {
			return virtAddr, nil
		}
	}

	return 0, errZoneFull
}

// ReserveAt reserves count units starting at virtAddr.
func (z *Zone) ReserveAt(virtAddr mm.VirtAddr, count uintptr) *kernel.Error {
	irq := z.acquire()
	defer z.release(irq)

	start, err := z.unitRange(virtAddr, count)
	if err != nil {
		return err
	}

	end := start + uint(count)
	if z.bits.OnesBetween(start, end) != 0 {
		return errRangeInUse
	}

	z.bits.FlipRange(start, end)
	z.used += uint(count)
	return nil
}

// Release returns count units starting at virtAddr to the zone. All of the
// units must be reserved. The zone shrinks for as long as its trailing
// ShrinkThreshold units are free.
func (z *Zone) Release(virtAddr mm.VirtAddr, count uintptr) *kernel.Error {
	irq := z.acquire()
	defer z.release(irq)

	start, err := z.unitRange(virtAddr, count)
	if err != nil {
		return err
	}

	end := start + uint(count)
	if z.bits.OnesBetween(start, end) != uint(count) {
		return errNotReserved
	}

	z.bits.FlipRange(start, end)
	z.used -= uint(count)
	z.shrink()
	return nil
}

// unitRange validates a range of count units starting at virtAddr and
// returns the index of its first unit.
func (z *Zone) unitRange(virtAddr mm.VirtAddr, count uintptr) (uint, *kernel.Error) {
	if count == 0 {
		return 0, errZeroCount
	}
	if virtAddr < z.base || uintptr(virtAddr-z.base) >= slotSpan {
		return 0, errNoZone
	}

	offset := uintptr(virtAddr - z.base)
	if !mm.IsAligned(offset, z.unit) {
		return 0, errMisaligned
	}

	start := uint(offset / z.unit)
	if count > uintptr(z.units) || start > z.units-uint(count) {
		return 0, errOutOfZone
	}
	return start, nil
}

// reserveRun reserves the first run of count free units.
func (z *Zone) reserveRun(count uint) (mm.VirtAddr, bool) {
	for start := uint(0); start+count <= z.units; {
		free, ok := z.bits.NextClear(start)
		if !ok || free+count > z.units {
			return 0, false
		}

		// The run is free up to the next reserved unit
		if next, ok := z.bits.NextSet(free); ok && next < free+count {
			start = next + 1
			continue
		}

		z.bits.FlipRange(free, free+count)
		z.used += count
		return z.base + mm.VirtAddr(uintptr(free)*z.unit), true
	}

	return 0, false
}

// shrink drops trailing free units while the last ShrinkThreshold units of
// the zone are free.
func (z *Zone) shrink() {
	threshold := uint(z.owner.cfg.ShrinkThreshold)
	if threshold == 0 {
		return
	}

	for z.units > 0 {
		n := threshold
		if z.units < n {
			n = z.units
		}
		if z.bits.OnesBetween(z.units-n, z.units) != 0 {
			return
		}

		z.resize(uintptr(z.units - n))
		log.Printf("shrank zone 0x%x by %d units\n", uintptr(z.base), n)
	}
}

// resize replaces the zone bitmap with one that tracks count units. When
// the zone grows, units in the new range that are already mapped get
// reserved.
func (z *Zone) resize(count uintptr) {
	oldUnits := z.units

	bits := bitset.New(uint(count))
	z.bits.Copy(bits)
	z.bits = bits
	z.units = uint(count)

	for i := oldUnits; i < z.units; i++ {
		if _, err := z.owner.tables.Translate(z.base + mm.VirtAddr(uintptr(i)*z.unit)); err == nil {
			z.bits.Set(i)
			z.used++
		}
	}
}
