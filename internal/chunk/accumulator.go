// Package chunk implements the fixed-capacity byte arena that buffers
// producer output (plaintext or ciphertext) until it reaches a chunk
// boundary for the uploader to consume.
package chunk

import "fmt"

// DefaultChunkSize is the default chunk capacity C (90 MB), matching the
// FileReader's default arena size so direct uploads chunk one-to-one with
// read blocks.
const DefaultChunkSize = 90 * 1024 * 1024

// DefaultHeadroom is the extra room (9 MB) above the chunk size granted to
// the arena to tolerate small growth from the archive container's framing
// (local/central headers, auth code, data descriptor) landing inside a
// single accumulated chunk.
const DefaultHeadroom = 9 * 1024 * 1024

// Accumulator buffers producer output into a fixed-capacity arena and emits
// a chunk once the arena reaches its chunk-size boundary, or on explicit
// flush at end-of-file.
type Accumulator struct {
	chunkSize int
	buf       []byte
	fill      int
}

// New creates an Accumulator whose chunk boundary is chunkSize bytes and
// whose backing arena is chunkSize+headroom bytes. A chunkSize of 0 selects
// DefaultChunkSize; a headroom of 0 selects DefaultHeadroom.
func New(chunkSize, headroom int) *Accumulator {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if headroom <= 0 {
		headroom = DefaultHeadroom
	}
	return &Accumulator{
		chunkSize: chunkSize,
		buf:       make([]byte, chunkSize+headroom),
	}
}

// Write appends p to the arena. It returns a non-nil chunk view whenever
// the write causes the arena to reach or exceed the chunk-size boundary;
// the caller must consume (upload) that chunk before calling Write again,
// since Write resets the arena once it hands a full chunk back.
//
// Write returns an error if p would overflow the arena's total capacity
// even after accounting for headroom — this indicates the producer wrote
// more than the headroom tolerance in a single call, a configuration bug
// rather than a runtime condition.
func (a *Accumulator) Write(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if a.fill+len(p) > len(a.buf) {
		return nil, fmt.Errorf("chunk: write of %d bytes overflows arena (fill=%d, cap=%d)", len(p), a.fill, len(a.buf))
	}

	copy(a.buf[a.fill:], p)
	a.fill += len(p)

	if a.fill >= a.chunkSize {
		return a.emit(), nil
	}
	return nil, nil
}

// Flush emits whatever is currently buffered, even below the chunk-size
// boundary. Used at end-of-file to hand off the final, possibly partial,
// chunk. Returns nil if nothing is buffered.
func (a *Accumulator) Flush() []byte {
	if a.fill == 0 {
		return nil
	}
	return a.emit()
}

// Len reports the number of bytes currently buffered.
func (a *Accumulator) Len() int {
	return a.fill
}

func (a *Accumulator) emit() []byte {
	view := make([]byte, a.fill)
	copy(view, a.buf[:a.fill])
	a.fill = 0
	return view
}
