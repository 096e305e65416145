package vmm

import (
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/cpu"
)

const (
	minPhysAddrBits = 32
	maxPhysAddrBits = 52
)

var (
	errFiveLevelPaging = &kernel.Error{Module: "vmm", Message: "wrong paging mode selected by the loader (5-level paging is active)", Kind: kernel.KindFatal}
	errNoNXSupport     = &kernel.Error{Module: "vmm", Message: "CPU does not support the no-execute page flag", Kind: kernel.KindFatal}
	errPhysAddrBits    = &kernel.Error{Module: "vmm", Message: "CPU reports an unsupported physical address width", Kind: kernel.KindFatal}

	// The following functions are used by tests to mock calls to the
	// CPU feature detection code.
	physAddrBitsFn = cpu.PhysAddrBits
	hasNXFn        = cpu.HasNX
	supportsLA57Fn = cpu.SupportsLA57
	readCR4Fn      = cpu.ReadCR4
)

// Features describes the paging capabilities of the CPU.
type Features struct {
	// PhysAddrBits is the width of physical addresses.
	PhysAddrBits uint8

	// NX is true if page table entries may use FlagNoExecute.
	NX bool

	// LA57 is true if the CPU runs with 5-level paging enabled.
	LA57 bool
}

// ProbeCPU queries the paging features of the current CPU. CR4 is only read
// when the CPU advertises 5-level paging support.
func ProbeCPU() Features {
	feat := Features{
		PhysAddrBits: physAddrBitsFn(),
		NX:           hasNXFn(),
	}

	if supportsLA57Fn() {
		feat.LA57 = cpu.LA57Active(readCR4Fn())
	}

	return feat
}

// Validate checks that the CPU runs in the paging mode expected by the
// mapper. Any error returned by Validate is fatal.
func (f Features) Validate() *kernel.Error {
	switch {
	case f.LA57:
		return errFiveLevelPaging
	case !f.NX:
		return errNoNXSupport
	case f.PhysAddrBits < minPhysAddrBits || f.PhysAddrBits > maxPhysAddrBits:
		return errPhysAddrBits
	}
	return nil
}
