package pgproto

import (
	"bytes"
	"testing"
)

func TestReadBufferPrimitives(t *testing.T) {
	var wb WriteBuffer
	wb.w = &bytes.Buffer{}
	wb.WriteU8(0xAB)
	wb.WriteU16BE(0x1234)
	wb.WriteU32BE(0xDEADBEEF)
	wb.WriteI32BE(-1)
	wb.WriteU64BE(0x0102030405060708)
	wb.WriteCString("hello")
	wb.WriteBytes([]byte{0xCA, 0xFE})

	rb := NewReadBuffer(bytes.NewReader(wb.Bytes()))

	u8, err := rb.ReadU8()
	if err != nil || u8 != 0xAB {
		t.Fatalf("ReadU8 = %x, %v", u8, err)
	}
	u16, err := rb.ReadU16BE()
	if err != nil || u16 != 0x1234 {
		t.Fatalf("ReadU16BE = %x, %v", u16, err)
	}
	u32, err := rb.ReadU32BE()
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("ReadU32BE = %x, %v", u32, err)
	}
	i32, err := rb.ReadI32BE()
	if err != nil || i32 != -1 {
		t.Fatalf("ReadI32BE = %d, %v", i32, err)
	}
	u64, err := rb.ReadU64BE()
	if err != nil || u64 != 0x0102030405060708 {
		t.Fatalf("ReadU64BE = %x, %v", u64, err)
	}
	s, err := rb.ReadCString()
	if err != nil || s != "hello" {
		t.Fatalf("ReadCString = %q, %v", s, err)
	}
	tail, err := rb.ReadBytes(2)
	if err != nil || !bytes.Equal(tail, []byte{0xCA, 0xFE}) {
		t.Fatalf("ReadBytes = %x, %v", tail, err)
	}
}

func TestReadBufferSkip(t *testing.T) {
	rb := NewReadBuffer(bytes.NewReader([]byte{1, 2, 3, 4, 5}))
	if err := rb.Skip(3); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	v, err := rb.ReadU8()
	if err != nil || v != 4 {
		t.Fatalf("ReadU8 after Skip = %d, %v", v, err)
	}
}

func TestReadBufferShortRead(t *testing.T) {
	rb := NewReadBuffer(bytes.NewReader([]byte{1, 2}))
	if _, err := rb.ReadU32BE(); err == nil {
		t.Fatal("expected error on short read, got nil")
	}
}

func TestWriteBufferFlush(t *testing.T) {
	var out bytes.Buffer
	wb := NewWriteBuffer(&out)
	wb.WriteU8(1)
	wb.WriteU8(2)
	if err := wb.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(out.Bytes(), []byte{1, 2}) {
		t.Fatalf("flushed = %x", out.Bytes())
	}
	if len(wb.Bytes()) != 0 {
		t.Fatalf("buffer not reset after flush: %x", wb.Bytes())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var out bytes.Buffer
	wb := NewWriteBuffer(&out)
	WriteFrame(wb, TagCommandComplete, []byte("INSERT 0 1\x00"))
	if err := wb.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rb := NewReadBuffer(bytes.NewReader(out.Bytes()))
	frame, err := ReadFrame(rb)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Tag != TagCommandComplete {
		t.Fatalf("Tag = %c, want %c", frame.Tag, TagCommandComplete)
	}
	if string(frame.Body) != "INSERT 0 1\x00" {
		t.Fatalf("Body = %q", frame.Body)
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	var out bytes.Buffer
	wb := NewWriteBuffer(&out)
	wb.WriteU8(byte(TagDataRow))
	wb.WriteU32BE(2)
	if err := wb.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rb := NewReadBuffer(bytes.NewReader(out.Bytes()))
	if _, err := ReadFrame(rb); err == nil {
		t.Fatal("expected error for undersized length, got nil")
	}
}

func TestWriteUntaggedFrame(t *testing.T) {
	var out bytes.Buffer
	wb := NewWriteBuffer(&out)
	WriteUntaggedFrame(wb, []byte{9, 9})
	if err := wb.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rb := NewReadBuffer(bytes.NewReader(out.Bytes()))
	body, err := ReadStartupFrame(rb)
	if err != nil {
		t.Fatalf("ReadStartupFrame: %v", err)
	}
	if !bytes.Equal(body, []byte{9, 9}) {
		t.Fatalf("body = %x", body)
	}
}
