// Package framer turns the byte stream of one producer connection into
// discrete lines.
//
// A Framer is fed arbitrary chunks, as they come off the socket, and returns
// every line completed by that chunk with the terminator stripped. Bytes
// following the last terminator are retained until a later chunk completes
// them, so the lines produced do not depend on where chunk boundaries fall.
// Lines are terminated by LF; a CR immediately preceding the LF is stripped
// as well.
//
// A Framer holds no locks. It belongs to exactly one connection and must be
// fed sequentially.
package framer

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrLineTooLong is returned by Feed when a line grows past the configured
// maximum. The partial line is discarded.
var ErrLineTooLong = errors.New("line too long")

// Framer is a stateful line decoder for one byte stream.
type Framer struct {
	buf     []byte
	maxLine int
}

// New returns a Framer which refuses lines longer than maxLine bytes. The
// limit counts every byte before the LF, including a CR. A maxLine of zero or
// less disables the limit.
func New(maxLine int) *Framer {
	return &Framer{maxLine: maxLine}
}

// Feed appends chunk to the stream and returns the lines it completes. Each
// returned line is a fresh slice which the caller may retain.
//
// When a line exceeds the maximum, Feed returns the lines completed before it
// together with an error wrapping ErrLineTooLong, and resets the buffer.
func (f *Framer) Feed(chunk []byte) ([][]byte, error) {
	var lines [][]byte

	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			break
		}

		if f.tooLong(len(f.buf) + i) {
			size := len(f.buf) + i
			f.Reset()
			return lines, fmt.Errorf("%w: %d bytes", ErrLineTooLong, size)
		}

		line := make([]byte, 0, len(f.buf)+i)
		line = append(line, f.buf...)
		line = append(line, chunk[:i]...)
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, line)

		f.buf = f.buf[:0]
		chunk = chunk[i+1:]
	}

	if pending := len(f.buf) + len(chunk); f.tooLong(pending) {
		f.Reset()
		return lines, fmt.Errorf("%w: %d bytes", ErrLineTooLong, pending)
	}

	f.buf = append(f.buf, chunk...)

	return lines, nil
}

// Buffered returns the number of bytes held for an incomplete line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards any partial line and releases the buffer.
func (f *Framer) Reset() {
	f.buf = nil
}

func (f *Framer) tooLong(n int) bool {
	return f.maxLine > 0 && n > f.maxLine
}
