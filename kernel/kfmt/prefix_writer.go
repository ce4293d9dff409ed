package kfmt

import "io"

// PrefixWriter is an io.Writer that inserts a prefix at the beginning of each
// line it emits. Kernel subsystems use it so multi-line diagnostics stay
// attributable to the subsystem that produced them.
type PrefixWriter struct {
	// Prefix contains the byte sequence written out at the start of each line.
	Prefix []byte

	// Sink receives the prefixed output.
	Sink io.Writer

	// bytesAfterPrefix tracks the bytes written since the last prefix.
	bytesAfterPrefix int
}

// Write writes len(p) bytes from p to the underlying sink inserting the
// prefix at the beginning of each line.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	start := 0
	for i := 0; i < len(p); i++ {
		if w.bytesAfterPrefix == 0 {
			w.Sink.Write(w.Prefix)
			w.bytesAfterPrefix = len(w.Prefix)
		}

		if p[i] == '\n' {
			w.Sink.Write(p[start : i+1])
			w.bytesAfterPrefix = 0
			start = i + 1
		}
	}

	if start < len(p) {
		w.Sink.Write(p[start:])
		w.bytesAfterPrefix += len(p) - start
	}

	return len(p), nil
}
