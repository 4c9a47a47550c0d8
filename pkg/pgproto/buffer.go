// Package pgproto implements the framed, big-endian byte buffers (C1) and
// the message envelope (C2) that every Postgres frontend/backend message is
// built from. It has no knowledge of any particular message's meaning — that
// belongs to the pgrepl package layered on top.
package pgproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// IOError wraps an underlying I/O failure observed while filling or
// draining a buffer. It is always fatal to the connection that produced it.
type IOError struct {
	Cause error
}

func (e *IOError) Error() string { return fmt.Sprintf("pgproto: i/o error: %v", e.Cause) }
func (e *IOError) Unwrap() error { return e.Cause }

// ReadBuffer is a single-owner, buffered reader over a socket exposing the
// big-endian primitive reads the wire protocol is built from. Concurrent use
// from multiple goroutines is undefined.
type ReadBuffer struct {
	r *bufio.Reader
}

// NewReadBuffer wraps r. If r is already a *bufio.Reader it is used as-is.
func NewReadBuffer(r io.Reader) *ReadBuffer {
	if br, ok := r.(*bufio.Reader); ok {
		return &ReadBuffer{r: br}
	}
	return &ReadBuffer{r: bufio.NewReaderSize(r, 16*1024)}
}

// Ensure blocks until at least n bytes are available to read without
// consuming them, or returns an *IOError if the connection ends first.
func (b *ReadBuffer) Ensure(n int) error {
	_, err := b.r.Peek(n)
	if err != nil {
		return &IOError{Cause: err}
	}
	return nil
}

// Peek returns the next n buffered bytes without consuming them. Like
// Ensure, it blocks for more data if fewer than n bytes are buffered.
func (b *ReadBuffer) Peek(n int) ([]byte, error) {
	buf, err := b.r.Peek(n)
	if err != nil {
		return nil, &IOError{Cause: err}
	}
	return buf, nil
}

func (b *ReadBuffer) fill(buf []byte) error {
	if _, err := io.ReadFull(b.r, buf); err != nil {
		return &IOError{Cause: err}
	}
	return nil
}

// ReadU8 reads a single unsigned byte.
func (b *ReadBuffer) ReadU8() (uint8, error) {
	var buf [1]byte
	if err := b.fill(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadU16BE reads a big-endian uint16.
func (b *ReadBuffer) ReadU16BE() (uint16, error) {
	var buf [2]byte
	if err := b.fill(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// ReadU32BE reads a big-endian uint32.
func (b *ReadBuffer) ReadU32BE() (uint32, error) {
	var buf [4]byte
	if err := b.fill(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadI32BE reads a big-endian int32.
func (b *ReadBuffer) ReadI32BE() (int32, error) {
	v, err := b.ReadU32BE()
	return int32(v), err
}

// ReadU64BE reads a big-endian uint64.
func (b *ReadBuffer) ReadU64BE() (uint64, error) {
	var buf [8]byte
	if err := b.fill(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// ReadI64BE reads a big-endian int64.
func (b *ReadBuffer) ReadI64BE() (int64, error) {
	v, err := b.ReadU64BE()
	return int64(v), err
}

// ReadCString reads a NUL-terminated string (as carried in startup,
// parameter-status, and relation messages) and returns it without the
// terminator.
func (b *ReadBuffer) ReadCString() (string, error) {
	s, err := b.r.ReadString(0)
	if err != nil {
		return "", &IOError{Cause: err}
	}
	return s[:len(s)-1], nil
}

// ReadBytes reads exactly n raw bytes.
func (b *ReadBuffer) ReadBytes(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if err := b.fill(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Skip discards exactly n bytes without allocating a result buffer.
func (b *ReadBuffer) Skip(n int) error {
	if n <= 0 {
		return nil
	}
	discarded, err := b.r.Discard(n)
	if err != nil || discarded != n {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return &IOError{Cause: err}
	}
	return nil
}

// WriteBuffer accumulates a single outgoing message in memory; call Flush to
// send it. Not safe for concurrent use.
type WriteBuffer struct {
	w   io.Writer
	buf []byte
}

// NewWriteBuffer wraps w.
func NewWriteBuffer(w io.Writer) *WriteBuffer {
	return &WriteBuffer{w: w}
}

// Reset discards any buffered-but-unflushed bytes.
func (b *WriteBuffer) Reset() { b.buf = b.buf[:0] }

// WriteU8 appends a single byte.
func (b *WriteBuffer) WriteU8(v uint8) { b.buf = append(b.buf, v) }

// WriteU16BE appends a big-endian uint16.
func (b *WriteBuffer) WriteU16BE(v uint16) {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
}

// WriteU32BE appends a big-endian uint32.
func (b *WriteBuffer) WriteU32BE(v uint32) {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
}

// WriteI32BE appends a big-endian int32.
func (b *WriteBuffer) WriteI32BE(v int32) { b.WriteU32BE(uint32(v)) }

// WriteU64BE appends a big-endian uint64.
func (b *WriteBuffer) WriteU64BE(v uint64) {
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
}

// WriteI64BE appends a big-endian int64.
func (b *WriteBuffer) WriteI64BE(v int64) { b.WriteU64BE(uint64(v)) }

// WriteCString appends s followed by a NUL terminator.
func (b *WriteBuffer) WriteCString(s string) {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

// WriteBytes appends p verbatim.
func (b *WriteBuffer) WriteBytes(p []byte) { b.buf = append(b.buf, p...) }

// Flush writes the accumulated bytes to the underlying writer and resets the
// buffer for reuse.
func (b *WriteBuffer) Flush() error {
	if len(b.buf) == 0 {
		return nil
	}
	_, err := b.w.Write(b.buf)
	b.Reset()
	if err != nil {
		return &IOError{Cause: err}
	}
	return nil
}

// Bytes returns the buffer's current contents without flushing.
func (b *WriteBuffer) Bytes() []byte { return b.buf }
