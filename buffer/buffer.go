// Package buffer implements the growable byte buffer used for connection
// input and output.
//
// Layout of the backing slice:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	|                   |                  |                  |
//	0      <=      readerIndex   <=   writerIndex    <=     Cap()
//
// A Buffer is not safe for concurrent use. Connection buffers are confined to
// the owning event loop.
package buffer

import (
	"bytes"
	"encoding/binary"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the space reserved in front of the readable region, so
	// a length header can be prepended without moving the payload.
	CheapPrepend = 8
	// InitialSize is the default writable capacity of a new buffer.
	InitialSize = 1024

	// extraSize bounds the scratch area used by ReadFD.
	extraSize = 64 * 1024
)

var (
	crlf = []byte("\r\n")

	extraPool = sync.Pool{New: func() any { return new([extraSize]byte) }}
)

type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New returns an empty buffer with [InitialSize] writable bytes.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize returns an empty buffer with initialSize writable bytes.
func NewSize(initialSize int) *Buffer {
	if initialSize < 0 {
		panic(`buffer: negative initial size`)
	}
	return &Buffer{
		buf:         make([]byte, CheapPrepend+initialSize),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Cap returns the size of the backing storage, which never shrinks except
// through [Buffer.Shrink].
func (b *Buffer) Cap() int { return len(b.buf) }

// Peek returns the readable region. The slice aliases the buffer and is only
// valid until the next mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// String returns a copy of the readable region without consuming it.
func (b *Buffer) String() string { return string(b.Peek()) }

// BeginWrite returns the writable region, for use with [Buffer.HasWritten].
func (b *Buffer) BeginWrite() []byte { return b.buf[b.writerIndex:] }

// HasWritten commits n bytes written directly into [Buffer.BeginWrite].
func (b *Buffer) HasWritten(n int) {
	if n < 0 || n > b.WritableBytes() {
		panic(`buffer: written beyond writable region`)
	}
	b.writerIndex += n
}

// Unwrite discards the last n readable bytes.
func (b *Buffer) Unwrite(n int) {
	if n < 0 || n > b.ReadableBytes() {
		panic(`buffer: unwrite beyond readable region`)
	}
	b.writerIndex -= n
}

// Retrieve consumes n readable bytes. Consuming everything resets both
// cursors to the prepend boundary.
func (b *Buffer) Retrieve(n int) {
	if n < 0 {
		panic(`buffer: negative retrieve`)
	}
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
	if len(b.buf) < CheapPrepend {
		b.buf = make([]byte, CheapPrepend)
	}
}

func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		panic(`buffer: retrieve beyond readable region`)
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAllAsBytes consumes the readable region, returning a copy.
func (b *Buffer) RetrieveAllAsBytes() []byte {
	p := slices.Clone(b.Peek())
	b.RetrieveAll()
	return p
}

func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	b.writerIndex += copy(b.buf[b.writerIndex:], p)
}

func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	b.writerIndex += copy(b.buf[b.writerIndex:], s)
}

// Prepend writes p immediately before the readable region.
func (b *Buffer) Prepend(p []byte) {
	if len(p) > b.PrependableBytes() {
		panic(`buffer: prepend exceeds prependable region`)
	}
	b.readerIndex -= len(p)
	copy(b.buf[b.readerIndex:], p)
}

// EnsureWritable makes room for at least n writable bytes, either by sliding
// the readable region back to the prepend boundary or by growing.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		b.buf = slices.Grow(b.buf[:b.writerIndex], n)
		b.buf = b.buf[:cap(b.buf)]
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// Shrink reallocates the backing storage to fit the readable bytes plus
// reserve writable bytes.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	nb := make([]byte, CheapPrepend+readable+reserve)
	copy(nb[CheapPrepend:], b.Peek())
	b.buf = nb
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// FindCRLF returns the offset of the first "\r\n" in the readable region, or
// -1.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// FindCRLFFrom is like FindCRLF, starting the search at offset start.
func (b *Buffer) FindCRLFFrom(start int) int {
	if start < 0 || start > b.ReadableBytes() {
		panic(`buffer: search start outside readable region`)
	}
	i := bytes.Index(b.Peek()[start:], crlf)
	if i < 0 {
		return -1
	}
	return start + i
}

// FindEOL returns the offset of the first '\n' in the readable region, or -1.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// ReadFD performs a single vectored read from fd, filling the writable region
// first and spilling into a 64 KiB scratch area when the region is smaller
// than that. Spilled bytes are appended, growing the buffer.
func (b *Buffer) ReadFD(fd int) (int, error) {
	extra := extraPool.Get().(*[extraSize]byte)
	defer extraPool.Put(extra)

	writable := b.WritableBytes()
	iovs := [2][]byte{b.buf[b.writerIndex:], extra[:]}
	cnt := 1
	if writable < extraSize {
		cnt = 2
	}

	n, err := unix.Readv(fd, iovs[:cnt])
	if err != nil {
		return 0, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteFD performs a single write of the readable region to fd, consuming
// whatever was written.
func (b *Buffer) WriteFD(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if n > 0 {
		b.Retrieve(n)
	}
	if err != nil {
		return max(n, 0), err
	}
	return n, nil
}

func (b *Buffer) AppendInt64(v int64) {
	b.EnsureWritable(8)
	binary.BigEndian.PutUint64(b.buf[b.writerIndex:], uint64(v))
	b.writerIndex += 8
}

func (b *Buffer) AppendInt32(v int32) {
	b.EnsureWritable(4)
	binary.BigEndian.PutUint32(b.buf[b.writerIndex:], uint32(v))
	b.writerIndex += 4
}

func (b *Buffer) AppendInt16(v int16) {
	b.EnsureWritable(2)
	binary.BigEndian.PutUint16(b.buf[b.writerIndex:], uint16(v))
	b.writerIndex += 2
}

func (b *Buffer) AppendInt8(v int8) {
	b.EnsureWritable(1)
	b.buf[b.writerIndex] = byte(v)
	b.writerIndex++
}

func (b *Buffer) PrependInt64(v int64) {
	b.Prepend(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

func (b *Buffer) PrependInt32(v int32) {
	b.Prepend(binary.BigEndian.AppendUint32(nil, uint32(v)))
}

func (b *Buffer) PrependInt16(v int16) {
	b.Prepend(binary.BigEndian.AppendUint16(nil, uint16(v)))
}

func (b *Buffer) PrependInt8(v int8) {
	b.Prepend([]byte{byte(v)})
}

func (b *Buffer) PeekInt64() int64 {
	return int64(binary.BigEndian.Uint64(b.peekN(8)))
}

func (b *Buffer) PeekInt32() int32 {
	return int32(binary.BigEndian.Uint32(b.peekN(4)))
}

func (b *Buffer) PeekInt16() int16 {
	return int16(binary.BigEndian.Uint16(b.peekN(2)))
}

func (b *Buffer) PeekInt8() int8 {
	return int8(b.peekN(1)[0])
}

func (b *Buffer) ReadInt64() int64 {
	v := b.PeekInt64()
	b.Retrieve(8)
	return v
}

func (b *Buffer) ReadInt32() int32 {
	v := b.PeekInt32()
	b.Retrieve(4)
	return v
}

func (b *Buffer) ReadInt16() int16 {
	v := b.PeekInt16()
	b.Retrieve(2)
	return v
}

func (b *Buffer) ReadInt8() int8 {
	v := b.PeekInt8()
	b.Retrieve(1)
	return v
}

func (b *Buffer) peekN(n int) []byte {
	if b.ReadableBytes() < n {
		panic(`buffer: not enough readable bytes`)
	}
	return b.buf[b.readerIndex : b.readerIndex+n]
}
