// ============================================================================
// mtcbridge Line Framer
// ============================================================================
//
// Package: internal/framer
// File: framer.go
// Purpose: Split an arbitrary TCP byte stream into newline-delimited messages
//
// Behavior:
//   Feed() appends the chunk to an internal buffer and extracts every complete
//   line (up to, not including, '\n'). The incomplete tail stays buffered until
//   the next chunk. A delimiter split across chunks is handled naturally since
//   only the buffered tail is searched.
//
//   A trailing '\r' is stripped so telnet-style peers sending "\r\n" frame the
//   same way. Empty lines are emitted as "" and ignored by the caller.
//
// Memory bound:
//   An unterminated tail longer than MaxLineLength is discarded and counted in
//   Dropped(); bytes up to the next '\n' are skipped so the remainder of that
//   line never surfaces as a fragment. Framing itself never fails; malformed
//   payloads are left to the JSON decoder.
//
// ============================================================================

package framer

import "bytes"

// DefaultMaxLineLength caps the unterminated tail kept between chunks.
const DefaultMaxLineLength = 1 << 20

// Framer is not safe for concurrent use; it is owned by the controller loop.
type Framer struct {
	buf           []byte
	maxLineLength int
	dropped       int
	discarding    bool // skipping the rest of an over-long line
}

// New creates a Framer. maxLineLength <= 0 selects DefaultMaxLineLength.
func New(maxLineLength int) *Framer {
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}
	return &Framer{maxLineLength: maxLineLength}
}

// Feed appends chunk and returns the complete lines it produced, in order.
func (f *Framer) Feed(chunk []byte) []string {
	if f.discarding {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil
		}
		f.discarding = false
		chunk = chunk[i+1:]
	}
	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		f.buf = f.buf[i+1:]
	}

	if len(f.buf) > f.maxLineLength {
		f.dropped++
		f.buf = nil
		f.discarding = true
	}

	// Compact so the backing array does not grow without bound
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 2*f.maxLineLength {
		f.buf = append([]byte(nil), f.buf...)
	}

	return lines
}

// Buffered returns the length of the incomplete tail.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Dropped returns how many over-long tails were discarded.
func (f *Framer) Dropped() int {
	return f.dropped
}

// Reset discards the incomplete tail. Called on every (re)connect.
func (f *Framer) Reset() {
	f.buf = nil
	f.discarding = false
}
