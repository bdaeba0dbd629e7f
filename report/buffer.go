package report

import (
	"bytes"
	"errors"
	"io"
)

// ErrOverflow is returned when a rendered document does not fit the buffer capacity.
var ErrOverflow = errors.New("report: document exceeds buffer capacity")

// Buffer is a fixed-capacity output region. Writes past capacity fail with ErrOverflow.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	data     []byte
	overflow bool
}

// NewBuffer allocates a buffer of capacity bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		panic("report: NewBuffer with non-positive capacity")
	}
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Len returns the number of bytes written.
func (b *Buffer) Len() int { return len(b.data) }

// Reset empties the buffer without releasing its storage.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.overflow = false
}

// Write appends p if it fits entirely; otherwise it writes nothing and returns ErrOverflow.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > cap(b.data)-len(b.data) {
		b.overflow = true
		return 0, ErrOverflow
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Report returns a read-only handle to the current contents.
func (b *Buffer) Report() Report {
	return Report{data: bytes.Clone(b.data)}
}

// Report is a read-only rendered document.
type Report struct {
	data []byte
}

// Len returns the document length in bytes.
func (r Report) Len() int { return len(r.data) }

// Bytes returns a copy of the document.
func (r Report) Bytes() []byte { return bytes.Clone(r.data) }

// String returns the document as a string.
func (r Report) String() string { return string(r.data) }

// WriteTo writes the document to w.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.data)
	return int64(n), err
}
