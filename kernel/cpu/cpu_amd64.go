package cpu

var (
	cpuidFn = ID
)

const (
	// flagIF is the interrupt enable bit in the RFLAGS register.
	flagIF = uintptr(1 << 9)

	// cr4LA57 is set in CR4 when 5-level paging is active.
	cr4LA57 = uint64(1 << 12)

	// defaultPhysAddrBits is assumed when the CPU does not report its
	// physical address width.
	defaultPhysAddrBits = 36
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// SaveFlagsAndDisableInterrupts returns the contents of the RFLAGS register
// and disables interrupt handling.
func SaveFlagsAndDisableInterrupts() uintptr

// RestoreInterrupts re-enables interrupt handling if it was enabled when the
// supplied RFLAGS value was captured.
func RestoreInterrupts(flags uintptr) {
	if flags&flagIF != 0 {
		EnableInterrupts()
	}
}

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR4 returns the value stored in the CR4 register.
func ReadCR4() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and ECX=0 and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// PhysAddrBits returns the number of physical address bits supported by
// the CPU.
func PhysAddrBits() uint8 {
	if maxExt, _, _, _ := cpuidFn(0x80000000); maxExt < 0x80000008 {
		return defaultPhysAddrBits
	}

	eax, _, _, _ := cpuidFn(0x80000008)
	return uint8(eax & 0xff)
}

// HasNX returns true if the CPU supports the no-execute page table bit.
func HasNX() bool {
	if maxExt, _, _, _ := cpuidFn(0x80000000); maxExt < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<20) != 0
}

// SupportsLA57 returns true if the CPU is capable of 5-level paging.
func SupportsLA57() bool {
	if maxLeaf, _, _, _ := cpuidFn(0); maxLeaf < 7 {
		return false
	}

	_, _, ecx, _ := cpuidFn(7)
	return ecx&(1<<16) != 0
}

// LA57Active returns true if 5-level paging is enabled in the supplied CR4
// value.
func LA57Active(cr4 uint64) bool {
	return cr4&cr4LA57 != 0
}
