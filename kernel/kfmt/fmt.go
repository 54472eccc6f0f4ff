// Package kfmt provides the kernel's formatted output facilities. Its
// functions do not depend on the fmt package and never allocate so they can
// be used while the memory subsystem is still being set up.
package kfmt

import (
	"io"

	"pebble/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = "0123456789abcdef"

	// numFmtBuf and singleByte are shared scratch buffers; printLock
	// serializes access to them.
	numFmtBuf  [maxBufSize]byte
	singleByte [1]byte
	printLock  sync.Spinlock

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
	printLock.Release()
}

// Printf writes a formatted message to the active output sink. It supports
// the following subset of the fmt verbs:
//
//	%s strings and byte slices
//	%d %o %x integers in base 10, 8 and 16
//	%t booleans
//	%% a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
//
// Only built-in types are recognized; named types must be converted by the
// caller (e.g. uintptr(addr)).
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	defer printLock.Release()

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

		padLen = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		if verb == '%' {
			writeByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, padLen)
		case 'o':
			fmtInt(w, args[argIndex], 8, padLen)
		case 'x':
			fmtInt(w, args[argIndex], 16, padLen)
		case 's':
			fmtString(w, args[argIndex], padLen)
		case 't':
			fmtBool(w, args[argIndex])
		default:
			doWrite(w, errNoVerb)
			continue
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, padLen int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt formats v in the requested base. The digits are generated
// right-to-left into numFmtBuf so no reversal pass is needed.
func fmtInt(w io.Writer, v interface{}, base uint64, padLen int) {
	var (
		uval uint64
		neg  bool
	)

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uint:
		uval = uint64(n)
	case uintptr:
		uval = uint64(n)
	case int8:
		uval, neg = abs(int64(n))
	case int16:
		uval, neg = abs(int64(n))
	case int32:
		uval, neg = abs(int64(n))
	case int64:
		uval, neg = abs(n)
	case int:
		uval, neg = abs(int64(n))
	default:
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

	pos := maxBufSize
	for {
		pos--
		numFmtBuf[pos] = hexDigits[uval%base]
		uval /= base
		if uval == 0 {
			break
		}
	}

	// Space padding goes before the sign; zero padding goes after it.
	if neg && padCh == '0' {
		for maxBufSize-pos < padLen-1 {
			pos--
			numFmtBuf[pos] = padCh
		}
	}
	if neg {
		pos--
		numFmtBuf[pos] = '-'
	}
	for maxBufSize-pos < padLen {
		pos--
		numFmtBuf[pos] = padCh
	}

	doWrite(w, numFmtBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte[:])
}

func doWrite(w io.Writer, p []byte) {
	if w != nil {
		_, _ = w.Write(p)
		return
	}
	_, _ = earlyPrintBuffer.Write(p)
}
