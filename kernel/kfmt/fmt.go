// Package kfmt implements the allocation-free formatted output used by the
// kernel for diagnostics and the panic path.
package kfmt

import (
	"io"
	"unsafe"

	"github.com/primeseven1/crescent/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

const digits = "0123456789abcdef"

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numFmtBuf and singleByte are scratch buffers shared by all Printf
	// callers. Access to both is serialized by printLock.
	numFmtBuf  [maxBufSize + 1]byte
	singleByte = []byte(" ")
	printLock  sync.Spinlock

	// earlyPrintBuffer is a ring buffer that stores Printf output until an
	// output sink gets attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	defer printLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf provides a minimal Printf implementation that can be safely used
// while the memory allocators are being initialized. This implementation
// does not allocate any memory.
//
// Similar to fmt.Printf, this version of printf supports the following subset
// of formatting verbs:
//
// Strings:
//
//	%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//
// Booleans:
//
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the verb.
// If absent, the width is whatever is necessary to represent the value.
//
// String values with length less than the specified width will be left-padded with
// spaces. Integer values formatted as base-10 will also be left-padded with spaces.
// Finally, integer values formatted as base-8 or base-16 will be left-padded with zeroes.
//
// The output of Printf is written to the active output sink. If no sink is
// attached, then the output is buffered into a ring-buffer and is flushed to
// the sink once SetOutputSink gets called.
func Printf(format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(activeSink{}, format, args...)
	printLock.Release()
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(w, format, args...)
	printLock.Release()
}

// fprintf implements Fprintf. Callers must hold printLock.
func fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		padLen   int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		// Scan till we hit the format character
		padLen = 0
		for i++; ; i++ {
			if i == fmtLen {
				// reached end of formatting string without finding a verb
				doWrite(w, errNoVerb)
				break
			}

			ch := format[i]
			if ch == '%' {
				writeByte(w, '%')
				break
			}

			if ch >= '0' && ch <= '9' {
				padLen = padLen*10 + int(ch-'0')
				continue
			}

			if !isVerb(ch) {
				doWrite(w, errNoVerb)
				break
			}

			if argIndex >= len(args) {
				doWrite(w, errMissingArg)
				break
			}

			switch ch {
			case 'o':
				fmtInt(w, args[argIndex], 8, padLen)
			case 'd':
				fmtInt(w, args[argIndex], 10, padLen)
			case 'x':
				fmtInt(w, args[argIndex], 16, padLen)
			case 's':
				fmtString(w, args[argIndex], padLen)
			case 't':
				fmtBool(w, args[argIndex])
			}
			argIndex++
			break
		}
	}

	// Check for unused args
	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func isVerb(ch byte) bool {
	return ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't'
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		// converting the string to a byte slice triggers a memory allocation
		// so we need to do this one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			writeByte(w, castedVal[i])
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// toUint64 extracts the magnitude and sign of any built-in integer type.
func toUint64(v interface{}) (val uint64, negative, ok bool) {
	var sval int64

	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case uint:
		return uint64(t), false, true
	case uintptr:
		return uint64(t), false, true
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. This function supports all built-in signed
// and unsigned integer types and base 8, 10 and 16 output.
func fmtInt(w io.Writer, v interface{}, base uint64, padLen int) {
	uval, negative, ok := toUint64(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Digits are emitted right-to-left starting at the end of numFmtBuf
	start := len(numFmtBuf)
	for {
		start--
		numFmtBuf[start] = digits[uval%base]
		uval /= base
		if uval == 0 {
			break
		}
	}

	width := len(numFmtBuf) - start
	if negative && padCh == ' ' {
		start--
		numFmtBuf[start] = '-'
		width++
		for ; width < padLen; width++ {
			start--
			numFmtBuf[start] = padCh
		}
	} else {
		reserve := 0
		if negative {
			reserve = 1
		}
		for ; width+reserve < padLen; width++ {
			start--
			numFmtBuf[start] = padCh
		}
		if negative {
			start--
			numFmtBuf[start] = '-'
		}
	}

	doWrite(w, numFmtBuf[start:])
}

// writeByte emits a single byte through the shared singleByte buffer.
func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// activeSink forwards writes to the attached output sink or, if no sink is
// attached yet, to the early print ring buffer.
type activeSink struct{}

func (activeSink) Write(p []byte) (int, error) {
	if outputSink != nil {
		return outputSink.Write(p)
	}
	return earlyPrintBuffer.Write(p)
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without this hack, the compiler cannot properly
// detect that p does not escape (due to the call to the yet unknown
// io.Writer) and plays it safe by flagging it as escaping.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w == nil {
		w = activeSink{}
	}
	_, _ = w.Write(p)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
