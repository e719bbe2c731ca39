// Package reader implements the pipeline's double-buffered asynchronous
// file reader: it overlaps disk I/O with downstream consumption and
// pre-opens the next file while the current one is being drained.
package reader

import (
	"fmt"
	"io"
	"os"
)

// DefaultBufferSize is the default size of each of the two read arenas (90 MB).
const DefaultBufferSize = 90 * 1024 * 1024

// openResult is the outcome of an open-and-prime attempt for the next file,
// produced on a background goroutine and consumed at the EOF boundary.
type openResult struct {
	file *os.File
	err  error
}

// FileReader yields a lazy sequence of byte blocks from one or more files,
// overlapping read-ahead with downstream consumption.
type FileReader struct {
	bufSize int64

	file        *os.File
	arenas      [2]*arena
	activeIdx   int
	inFlight    chan readResult
	currentView []byte

	nextPath    string
	hasNextHint bool
	preopen     chan openResult
}

type arena struct {
	buf []byte
}

type readResult struct {
	n   int
	err error
}

// New creates a FileReader with the given per-arena buffer size. A size of
// 0 selects DefaultBufferSize.
func New(bufSize int64) *FileReader {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &FileReader{
		bufSize: bufSize,
		arenas: [2]*arena{
			{buf: make([]byte, bufSize)},
			{buf: make([]byte, bufSize)},
		},
	}
}

// EnqueueNext records the hint for the file that should be pre-opened when
// the current file hits EOF. Idempotent until consumed by OpenNext.
func (r *FileReader) EnqueueNext(path string) {
	r.nextPath = path
	r.hasNextHint = path != ""
}

// OpenNext closes any previously open file, then opens the current
// next-file — reusing a pre-opened handle if one is ready — and primes the
// first block read.
func (r *FileReader) OpenNext(path string) error {
	r.closeCurrent()

	var f *os.File
	if r.preopen != nil {
		result := <-r.preopen
		r.preopen = nil
		if result.err == nil && result.file != nil {
			f = result.file
		}
		// A failed pre-open is swallowed here and retried synchronously
		// below, so it never contaminates a different file's error stream.
	}

	if f == nil {
		opened, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		f = opened
	}

	r.file = f
	r.activeIdx = 0
	r.currentView = nil
	r.hasNextHint = false
	r.nextPath = ""

	n, err := r.file.Read(r.arenas[0].buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read %s: %w", path, err)
	}
	r.currentView = r.arenas[0].buf[:n]

	if n > 0 {
		r.issueNextRead()
	}

	return nil
}

// ReadBlock returns the next filled block. A length of 0 indicates the
// current file has reached EOF.
func (r *FileReader) ReadBlock() ([]byte, int, error) {
	view := r.currentView
	if len(view) == 0 {
		if r.hasNextHint {
			r.startPreopen()
		}
		return nil, 0, nil
	}

	if r.inFlight == nil {
		// No read-ahead is pending. OpenNext issues one after every
		// non-empty priming read and each non-empty read-ahead issues the
		// next, so this follows only a failed read-ahead. The pending
		// block is returned and the file is treated as finished.
		r.currentView = nil
		return view, len(view), nil
	}

	result := <-r.inFlight
	r.inFlight = nil
	if result.err != nil && result.err != io.EOF {
		return view, len(view), fmt.Errorf("read block: %w", result.err)
	}

	nextIdx := 1 - r.activeIdx
	nextView := r.arenas[nextIdx].buf[:result.n]

	r.activeIdx = nextIdx
	returned := view
	r.currentView = nextView

	if result.n > 0 {
		r.issueNextRead()
	} else if r.hasNextHint {
		r.startPreopen()
	}

	return returned, len(returned), nil
}

// CurrentBuffer returns a stable reference to the most recently returned
// block, valid until the next ReadBlock call.
func (r *FileReader) CurrentBuffer() []byte {
	return r.currentView
}

// Close releases the underlying file handle and any pending pre-open.
func (r *FileReader) Close() error {
	r.closeCurrent()
	if r.preopen != nil {
		result := <-r.preopen
		r.preopen = nil
		if result.file != nil {
			_ = result.file.Close()
		}
	}
	return nil
}

func (r *FileReader) closeCurrent() {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if r.inFlight != nil {
		<-r.inFlight
		r.inFlight = nil
	}
}

func (r *FileReader) issueNextRead() {
	target := r.arenas[1-r.activeIdx]
	ch := make(chan readResult, 1)
	r.inFlight = ch
	go func(f *os.File, buf []byte) {
		n, err := f.Read(buf)
		ch <- readResult{n: n, err: err}
	}(r.file, target.buf)
}

func (r *FileReader) startPreopen() {
	path := r.nextPath
	ch := make(chan openResult, 1)
	r.preopen = ch
	go func() {
		f, err := os.Open(path)
		if err != nil {
			ch <- openResult{err: fmt.Errorf("pre-open %s: %w", path, err)}
			return
		}
		ch <- openResult{file: f}
	}()
}
