package frame

import (
	"fmt"
	"sync"
)

// Buffer is the shared frame buffer: a fixed-size byte slice guarded by one
// exclusive lock. The acquisition pipeline is the only writer; the
// processing loop reads copies. Readers and writers take the same lock, and
// critical sections only copy or splice bytes.
type Buffer struct {
	mu  sync.Mutex
	buf []byte
}

// NewBuffer allocates a zeroed buffer of size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Size is the fixed buffer length.
func (b *Buffer) Size() int { return len(b.buf) }

// Writer is scoped write access obtained from Acquire. It must be released
// exactly once; using it afterwards panics.
type Writer struct {
	b        *Buffer
	released bool
}

// Acquire locks the buffer for writing.
func (b *Buffer) Acquire() *Writer {
	b.mu.Lock()
	return &Writer{b: b}
}

// WriteAt copies p into the buffer at off. Writes that would run past the
// end are rejected whole so a torn write is never left behind.
func (w *Writer) WriteAt(off int, p []byte) error {
	if w.released {
		panic("frame: write after release")
	}
	if off < 0 || off+len(p) > len(w.b.buf) {
		return fmt.Errorf("frame: write [%d,%d) outside buffer of %d bytes", off, off+len(p), len(w.b.buf))
	}
	copy(w.b.buf[off:], p)
	return nil
}

// Bytes exposes the live buffer while the lock is held.
func (w *Writer) Bytes() []byte {
	if w.released {
		panic("frame: bytes after release")
	}
	return w.b.buf
}

// Release unlocks the buffer.
func (w *Writer) Release() {
	if w.released {
		return
	}
	w.released = true
	w.b.mu.Unlock()
}

// Update runs fn with write access. Everything fn does lands in one
// critical section.
func (b *Buffer) Update(fn func(w *Writer) error) error {
	w := b.Acquire()
	defer w.Release()
	return fn(w)
}

// SnapshotBytes returns a copy of the current buffer contents.
func (b *Buffer) SnapshotBytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}
