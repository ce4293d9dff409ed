// Package kfmt provides formatted output helpers that are safe to use at any
// point during kernel or loader bring-up. None of the functions in this
// package allocate memory; output produced before a sink is registered is
// buffered in a ring buffer and replayed once a sink becomes available.
package kfmt

import (
	"io"
	"unsafe"
)

// maxNumBufSize defines the buffer size for formatting numbers. It is large
// enough for a zero-padded 64-bit value in any supported base.
const maxNumBufSize = 32

var (
	errMissingArg   = []byte("%!(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf [maxNumBufSize]byte

	// singleByte is a shared one-byte buffer for emitting characters one at
	// a time; slicing a string would allocate which is not an option here.
	singleByte = []byte{0}

	// earlyBuffer captures output produced before a sink is registered.
	earlyBuffer ringBuffer

	// outputSink is the io.Writer that receives all output. While nil, the
	// output is redirected to earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink registers w as the target for all output and drains any data
// accumulated in the early ring buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// GetOutputSink returns the currently registered output sink. It returns nil
// if output is still being captured by the early ring buffer.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf writes formatted output to the registered sink. It supports a subset
// of the fmt verbs:
//
//	%s  string or []byte contents
//	%o  integer, base 8
//	%d  integer, base 10
//	%x  integer, base 16 (lower-case)
//	%t  "true" or "false"
//
// An optional decimal width may precede the verb. Base-16 and base-8 values
// are zero-padded to the width; everything else is space-padded. Pointer
// formatting is intentionally unsupported: it would pull in reflect which
// triggers allocations via runtime.convT2E before the allocator exists.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			emitByte(w, format[i])
			continue
		}

		// Scan the optional width and then the verb
		i++
		padLen := 0
		for ; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}

		if i >= fmtLen {
			emit(w, errNoVerb)
			break
		}

		switch verb := format[i]; verb {
		case '%':
			emitByte(w, '%')
		case 'o', 'd', 'x':
			if argIndex >= len(args) {
				emit(w, errMissingArg)
				continue
			}
			base := 10
			if verb == 'o' {
				base = 8
			} else if verb == 'x' {
				base = 16
			}
			fmtInt(w, args[argIndex], base, padLen)
			argIndex++
		case 's':
			if argIndex >= len(args) {
				emit(w, errMissingArg)
				continue
			}
			fmtString(w, args[argIndex], padLen)
			argIndex++
		case 't':
			if argIndex >= len(args) {
				emit(w, errMissingArg)
				continue
			}
			fmtBool(w, args[argIndex])
			argIndex++
		default:
			emit(w, errNoVerb)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		emit(w, errExtraArg)
	}
}

// fmtBool emits "true" or "false" for boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, isBool := v.(bool)
	if !isBool {
		emit(w, errWrongArgType)
		return
	}

	if bVal {
		emit(w, trueValue)
	} else {
		emit(w, falseValue)
	}
}

// fmtString emits a string or []byte value v left-padded with spaces to
// padLen characters.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		for i := padLen - len(castedVal); i > 0; i-- {
			emitByte(w, ' ')
		}
		// Converting the string to a []byte would allocate so the
		// contents are emitted one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			emitByte(w, castedVal[i])
		}
	case []byte:
		for i := padLen - len(castedVal); i > 0; i-- {
			emitByte(w, ' ')
		}
		emit(w, castedVal)
	default:
		emit(w, errWrongArgType)
	}
}

// fmtInt emits v in the requested base padded to padLen characters. All
// built-in signed and unsigned integer types are supported.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
	)

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uint:
		uval = uint64(val)
	case uintptr:
		uval = uint64(val)
	case int8:
		negative = val < 0
		uval = abs64(int64(val))
	case int16:
		negative = val < 0
		uval = abs64(int64(val))
	case int32:
		negative = val < 0
		uval = abs64(int64(val))
	case int64:
		negative = val < 0
		uval = abs64(val)
	case int:
		negative = val < 0
		uval = abs64(int64(val))
	default:
		emit(w, errWrongArgType)
		return
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	// Render digits least-significant first
	digits := 0
	for {
		rem := byte(uval % uint64(base))
		if rem < 10 {
			numBuf[digits] = rem + '0'
		} else {
			numBuf[digits] = rem - 10 + 'a'
		}
		digits++

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	width := digits
	if negative {
		width++
	}

	if negative && padCh == '0' {
		// Sign precedes any zero padding
		emitByte(w, '-')
		negative = false
	}

	for ; width < padLen; width++ {
		emitByte(w, padCh)
	}

	if negative {
		emitByte(w, '-')
	}

	for digits--; digits >= 0; digits-- {
		emitByte(w, numBuf[digits])
	}
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// emitByte emits a single byte via the shared one-byte buffer.
func emitByte(w io.Writer, b byte) {
	singleByte[0] = b
	emit(w, singleByte)
}

// emit is a proxy that uses the runtime noescape trick to hide p from the
// compiler's escape analysis. Without it the compiler cannot prove that p
// does not escape through the unknown io.Writer and would heap-allocate the
// argument slice, crashing any caller that runs before the Go allocator is
// bootstrapped.
func emit(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
