package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to. A nil Sink forwards writes to
	// the active output sink.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// ModuleWriter returns a PrefixWriter that tags every line with "[module] "
// and forwards it to the active output sink. Kernel subsystems pass it to
// Fprintf to label their log output.
func ModuleWriter(module string) *PrefixWriter {
	prefix := make([]byte, 0, len(module)+3)
	prefix = append(prefix, '[')
	prefix = append(prefix, module...)
	prefix = append(prefix, ']', ' ')
	return &PrefixWriter{Prefix: prefix}
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written    int
		startIndex int
	)

	for curIndex := 0; curIndex < len(p); curIndex++ {
		if w.bytesAfterPrefix == 0 && curIndex == startIndex {
			if _, err := w.sink().Write(w.Prefix); err != nil {
				return written, err
			}
		}

		if p[curIndex] != '\n' {
			continue
		}

		n, err := w.sink().Write(p[startIndex : curIndex+1])
		written += n
		if err != nil {
			return written, err
		}
		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1
	}

	if startIndex < len(p) {
		n, err := w.sink().Write(p[startIndex:])
		written += n
		w.bytesAfterPrefix += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (w *PrefixWriter) sink() io.Writer {
	switch {
	case w.Sink != nil:
		return w.Sink
	case outputSink != nil:
		return outputSink
	default:
		return &earlyPrintBuffer
	}
}
