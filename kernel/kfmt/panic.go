package kfmt

import (
	"github.com/primeseven1/crescent/kernel"
	"github.com/primeseven1/crescent/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// panicHook, when set, is invoked after the panic banner so that the
	// memory subsystem can dump its state before the CPU is halted.
	panicHook func()

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Kind: kernel.KindFatal}
)

// SetPanicHook registers a function that Panic calls to emit diagnostic
// state before halting the CPU.
func SetPanicHook(fn func()) {
	panicHook = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	if hook := panicHook; hook != nil {
		panicHook = nil
		hook()
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
