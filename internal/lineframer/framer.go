// Package lineframer turns byte streams from a serial port into trimmed
// text lines, buffering any partial tail across reads.
package lineframer

import "bytes"

// Framer accumulates bytes written via Feed and yields complete lines split
// on "\r?\n". It is the only reader of a given stream: callers must not
// split a stream across two Framers.
type Framer struct {
	buf []byte
}

// New returns an empty Framer.
func New() *Framer {
	return &Framer{}
}

// Feed appends p to the internal buffer and returns the complete lines it
// produced, in order, with line terminators stripped. Any trailing partial
// line is retained for the next Feed call.
func (f *Framer) Feed(p []byte) []string {
	if len(p) == 0 {
		return nil
	}
	f.buf = append(f.buf, p...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx == -1 {
			break
		}
		line := f.buf[:idx]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lines = append(lines, string(line))
		f.buf = f.buf[idx+1:]
	}
	return lines
}

// Pending returns the bytes currently buffered but not yet terminated by a
// newline.
func (f *Framer) Pending() []byte {
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out
}

// Reset discards any buffered partial line.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
