// Package buffer provides the byte buffer exchanged between a request and
// its transport. Storage comes from bytebufferpool and goes back to it on
// Release.
package buffer

import (
	"encoding/hex"
	"io"

	"github.com/valyala/bytebufferpool"
)

// Buffer is a growable byte buffer with a read cursor.
// Slices returned by Bytes are valid until the next write, Reset or Release.
type Buffer struct {
	bb  *bytebufferpool.ByteBuffer
	off int
}

// New returns an empty pooled buffer.
func New() *Buffer {
	return &Buffer{bb: bytebufferpool.Get()}
}

// From returns a buffer holding a copy of p.
func From(p []byte) *Buffer {
	b := New()
	b.bb.B = append(b.bb.B, p...)
	return b
}

func (b *Buffer) buf() *bytebufferpool.ByteBuffer {
	if b.bb == nil {
		b.bb = bytebufferpool.Get()
	}
	return b.bb
}

func (b *Buffer) Write(p []byte) (int, error) {
	return b.buf().Write(p)
}

func (b *Buffer) WriteString(s string) (int, error) {
	return b.buf().WriteString(s)
}

func (b *Buffer) WriteByte(c byte) error {
	return b.buf().WriteByte(c)
}

// Read consumes unread bytes. It returns io.EOF once the buffer is drained.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.Len() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.bb.B[b.off:])
	b.off += n
	return n, nil
}

// WriteTo drains the buffer into w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	n, err := w.Write(b.bb.B[b.off:])
	b.off += n
	if b.off == len(b.bb.B) {
		b.Reset()
	}
	return int64(n), err
}

// Add moves the unread content of src to the end of b and drains src.
func (b *Buffer) Add(src *Buffer) {
	if src == nil || src == b || src.Len() == 0 {
		return
	}
	if b.Len() == 0 && b.off == 0 {
		// Swap storage instead of copying.
		b.bb, src.bb = src.bb, b.buf()
		b.off, src.off = src.off, 0
		src.Reset()
		return
	}
	b.buf().Write(src.Bytes())
	src.Reset()
}

// Bytes returns the unread content.
func (b *Buffer) Bytes() []byte {
	if b.bb == nil {
		return nil
	}
	return b.bb.B[b.off:]
}

func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len is the number of unread bytes.
func (b *Buffer) Len() int {
	if b.bb == nil {
		return 0
	}
	return len(b.bb.B) - b.off
}

func (b *Buffer) Reset() {
	if b.bb != nil {
		b.bb.Reset()
	}
	b.off = 0
}

// Hexdump formats the unread content like `hexdump -C`.
func (b *Buffer) Hexdump() string {
	return hex.Dump(b.Bytes())
}

// Release returns the storage to the pool. The buffer stays usable and
// grabs fresh storage on the next write.
func (b *Buffer) Release() {
	if b.bb == nil {
		return
	}
	bytebufferpool.Put(b.bb)
	b.bb = nil
	b.off = 0
}
