package main

import "github.com/primeseven1/crescent/kernel/kmain"

var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
	hhdmOffset       uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
//
// The resulting object only links into a kernel image whose rt0 code brings
// up a Go runtime with a working memory allocator; see kmain.Kmain.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd, hhdmOffset)
}
