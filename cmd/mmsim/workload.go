package main

import (
	"bytes"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/primeseven1/crescent/kernel/mm/mmtest"
)

// workloadConfig describes a random sequence of heap operations.
type workloadConfig struct {
	Ops     int
	MaxSize uintptr
	Seed    int64
}

// workloadResult counts the operations performed by a workload.
type workloadResult struct {
	Allocs    int
	Frees     int
	Reallocs  int
	Exhausted int
	PeakLive  int
	PeakBytes uintptr
}

type allocation struct {
	ptr  mm.VirtAddr
	size uintptr
	fill byte
}

// runWorkload performs cfg.Ops random heap operations. Every allocation is
// filled with a pattern that is verified before the allocation is resized
// or released. All allocations are released before runWorkload returns.
func runWorkload(m *mmtest.Machine, cfg workloadConfig) (workloadResult, error) {
	var (
		res       workloadResult
		live      []allocation
		liveBytes uintptr
		rng       = rand.New(rand.NewSource(cfg.Seed))
	)

	if cfg.MaxSize == 0 {
		return res, errors.New("maximum allocation size must be greater than zero")
	}

	randomSize := func() uintptr {
		return 1 + uintptr(rng.Int63n(int64(cfg.MaxSize)))
	}

	for op := 0; op < cfg.Ops; op++ {
		switch choice := rng.Intn(4); {
		case len(live) == 0 || choice < 2:
			size := randomSize()
			flags := mm.KernelDefault
			if rng.Intn(8) == 0 {
				flags |= mm.FlagZero
			}

			ptr, err := m.Heap.Alloc(size, flags)
			if err != nil {
				if errors.Is(err, kernel.ErrExhausted) {
					res.Exhausted++
					continue
				}
				return res, errors.Wrapf(err, "allocate %d bytes", size)
			}
			res.Allocs++

			if flags.Has(mm.FlagZero) {
				if err := expect(m, allocation{ptr: ptr, size: size}); err != nil {
					return res, errors.Wrap(err, "zeroed allocation")
				}
			}

			a := allocation{ptr: ptr, size: size, fill: byte(rng.Intn(255) + 1)}
			if err := fill(m, a); err != nil {
				return res, err
			}
			live = append(live, a)
			liveBytes += size
		case choice == 2:
			index := rng.Intn(len(live))
			a := live[index]
			if err := expect(m, a); err != nil {
				return res, err
			}
			if err := m.Heap.Free(a.ptr); err != nil {
				return res, errors.Wrapf(err, "free 0x%x", a.ptr)
			}
			res.Frees++

			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
			liveBytes -= a.size
		default:
			index := rng.Intn(len(live))
			a := live[index]
			size := randomSize()

			ptr, err := m.Heap.Realloc(a.ptr, size, mm.KernelDefault)
			if err != nil {
				if errors.Is(err, kernel.ErrExhausted) {
					res.Exhausted++
					continue
				}
				return res, errors.Wrapf(err, "resize 0x%x to %d bytes", a.ptr, size)
			}
			res.Reallocs++

			// Only the common prefix survives the move
			kept := allocation{ptr: ptr, size: min(a.size, size), fill: a.fill}
			if err := expect(m, kept); err != nil {
				return res, errors.Wrap(err, "resized allocation")
			}

			live[index] = allocation{ptr: ptr, size: size, fill: a.fill}
			if err := fill(m, live[index]); err != nil {
				return res, err
			}
			liveBytes = liveBytes - a.size + size
		}

		if len(live) > res.PeakLive {
			res.PeakLive = len(live)
		}
		if liveBytes > res.PeakBytes {
			res.PeakBytes = liveBytes
		}
	}

	for _, a := range live {
		if err := expect(m, a); err != nil {
			return res, err
		}
		if err := m.Heap.Free(a.ptr); err != nil {
			return res, errors.Wrapf(err, "free 0x%x", a.ptr)
		}
		res.Frees++
	}

	for _, st := range m.Heap.CacheStats() {
		if st.InUse != 0 {
			return res, errors.Newf("%d objects leaked by the %d byte cache", st.InUse, st.ObjectSize)
		}
	}

	return res, nil
}

func fill(m *mmtest.Machine, a allocation) error {
	if err := m.Write(a.ptr, bytes.Repeat([]byte{a.fill}, int(a.size))); err != nil {
		return errors.Wrapf(err, "write 0x%x", a.ptr)
	}
	return nil
}

// expect checks that every byte of an allocation holds its fill pattern.
func expect(m *mmtest.Machine, a allocation) error {
	data, err := m.Read(a.ptr, a.size)
	if err != nil {
		return errors.Wrapf(err, "read 0x%x", a.ptr)
	}

	for i, b := range data {
		if b != a.fill {
			return errors.Newf("allocation 0x%x: byte %d is 0x%x, expected 0x%x", a.ptr, i, b, a.fill)
		}
	}
	return nil
}
