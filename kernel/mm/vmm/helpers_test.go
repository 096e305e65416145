package vmm

import (
	gosync "sync"
	"testing"
	"unsafe"

	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/mm"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	// testArenaSize is the amount of simulated physical memory. Frames
	// for page tables are handed out from the first 2M; tests map data
	// pages above that.
	testArenaSize = 8 * mm.Mb

	testTableFrames = 512
)

var errTestOutOfFrames = &kernel.Error{Module: "test", Message: "out of frames", Kind: kernel.KindExhausted}

// testFrames is a FrameSource backed by an anonymous memory mapping that
// plays the role of physical memory; physical address 0 corresponds to the
// start of the mapping.
type testFrames struct {
	mu     gosync.Mutex
	mem    []byte
	free   []mm.Frame
	live   map[mm.Frame]bool
	allocs int

	// failAfter makes AllocFrame fail once the specified number of
	// allocations succeed. Negative values disable the failure.
	failAfter int
}

func newTestFrames(t *testing.T) *testFrames {
	mem, err := unix.Mmap(-1, 0, int(testArenaSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(mem) })

	tf := &testFrames{
		mem:       mem,
		live:      make(map[mm.Frame]bool),
		failAfter: -1,
	}
	for f := mm.Frame(testTableFrames - 1); f > 0; f-- {
		tf.free = append(tf.free, f)
	}
	return tf
}

func (tf *testFrames) AllocFrame() (mm.Frame, *kernel.Error) {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	if len(tf.free) == 0 || tf.failAfter == 0 {
		return mm.InvalidFrame, errTestOutOfFrames
	}
	if tf.failAfter > 0 {
		tf.failAfter--
	}

	f := tf.free[len(tf.free)-1]
	tf.free = tf.free[:len(tf.free)-1]
	tf.live[f] = true
	tf.allocs++

	// Leave garbage behind so tests catch tables that are not cleared
	page := tf.page(f)
	for i := range page {
		page[i] = 0xa5
	}
	return f, nil
}

func (tf *testFrames) FreeFrame(f mm.Frame) *kernel.Error {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	if !tf.live[f] {
		return &kernel.Error{Module: "test", Message: "double free", Kind: kernel.KindInvalidArgument}
	}
	delete(tf.live, f)
	tf.free = append(tf.free, f)
	return nil
}

func (tf *testFrames) liveCount() int {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return len(tf.live)
}

// page returns the contents of a simulated physical frame.
func (tf *testFrames) page(f mm.Frame) []byte {
	off := uintptr(f.Address())
	return tf.mem[off : off+mm.PageSize]
}

// phys returns the contents of a simulated physical range.
func (tf *testFrames) phys(addr mm.PhysAddr, size uintptr) []byte {
	return tf.mem[uintptr(addr) : uintptr(addr)+size]
}

func (tf *testFrames) directMap() mm.DirectMap {
	return mm.NewDirectMap(uintptr(unsafe.Pointer(&tf.mem[0])))
}

func testFeatures() Features {
	return Features{PhysAddrBits: 36, NX: true}
}

// newTestMapper returns a mapper over a fresh arena along with a counter
// for TLB flushes.
func newTestMapper(t *testing.T, opts ...Option) (*Mapper, *testFrames, *int) {
	tf := newTestFrames(t)

	flushes := new(int)
	opts = append([]Option{WithTLBFlusher(func(mm.VirtAddr) { *flushes++ })}, opts...)

	m, err := NewMapper(tf, tf.directMap(), testFeatures(), opts...)
	require.Nil(t, err)
	return m, tf, flushes
}
