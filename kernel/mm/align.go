package mm

import "golang.org/x/exp/constraints"

// AlignUp rounds v up to the nearest multiple of align which must be a power
// of 2.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to the nearest multiple of align which must be a
// power of 2.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// IsAligned returns true if v is a multiple of align which must be a power
// of 2.
func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}

// IsPowerOfTwo returns true if v is a non-zero power of 2.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// NextPowerOfTwo returns the smallest power of 2 that is greater than or
// equal to v. It returns 1 when v is 0.
func NextPowerOfTwo[T constraints.Unsigned](v T) T {
	p := T(1)
	for p < v {
		p <<= 1
	}
	return p
}

// Log2 returns floor(log2(v)) for non-zero values of v.
func Log2[T constraints.Unsigned](v T) uint8 {
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// OrderForSize returns the smallest buddy allocator order whose block size
// can hold size bytes.
func OrderForSize(size uintptr) uint8 {
	pages := AlignUp(size, PageSize) >> PageShift
	if pages <= 1 {
		return 0
	}
	return Log2(NextPowerOfTwo(pages))
}
