// Package kfmt provides the kernel's formatted output and panic facilities.
package kfmt

import (
	"fmt"
	"io"

	"contframe/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is an io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes writes to the sink and the ring buffer; Printf
	// is reachable from every pool operation.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it. Passing a nil writer
// re-enables buffering.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes to the active
// output sink. If no sink has been attached via SetOutputSink, the output is
// kept in a ring buffer which is flushed to the sink once it becomes
// available. Printf supports the same verbs as fmt.Printf.
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	if outputSink == nil {
		fmt.Fprintf(&earlyPrintBuffer, format, args...)
		return
	}
	fmt.Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		Printf(format, args...)
		return
	}
	fmt.Fprintf(w, format, args...)
}
