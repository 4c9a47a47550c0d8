package pgrepl

import (
	"bytes"
	"io"
	"testing"

	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

func encodeTestTuple() []byte {
	var w pgproto.WriteBuffer
	w.WriteU16BE(3)
	w.WriteU8('t')
	w.WriteI32BE(3)
	w.WriteBytes([]byte("abc"))
	w.WriteU8('n')
	w.WriteU8('u')
	return w.Bytes()
}

func TestTupleSequential(t *testing.T) {
	rb := pgproto.NewReadBuffer(bytes.NewReader(encodeTestTuple()))
	tup, err := ReadTuple(rb, false)
	if err != nil {
		t.Fatalf("ReadTuple: %v", err)
	}
	if tup.NumColumns() != 3 {
		t.Fatalf("NumColumns = %d, want 3", tup.NumColumns())
	}

	c0, err := tup.Next()
	if err != nil {
		t.Fatalf("Next(0): %v", err)
	}
	if !c0.IsText() {
		t.Fatal("column 0 should be text")
	}
	val, err := c0.ReadText()
	if err != nil || val != "abc" {
		t.Fatalf("ReadText = %q, %v", val, err)
	}

	c1, err := tup.Next()
	if err != nil {
		t.Fatalf("Next(1): %v", err)
	}
	if !c1.IsNull() {
		t.Fatal("column 1 should be null")
	}

	// column 0's handle is now stale.
	if _, err := c0.ReadText(); err == nil {
		t.Fatal("expected AlreadyConsumed reading stale column 0")
	} else if _, ok := err.(*AlreadyConsumed); !ok {
		t.Fatalf("expected *AlreadyConsumed, got %T: %v", err, err)
	}

	c2, err := tup.Next()
	if err != nil {
		t.Fatalf("Next(2): %v", err)
	}
	if !c2.IsUnchangedToast() {
		t.Fatal("column 2 should be unchanged toast")
	}

	if _, err := tup.Next(); err != io.EOF {
		t.Fatalf("Next past end: %v, want io.EOF", err)
	}
}

func TestTupleBuffered(t *testing.T) {
	rb := pgproto.NewReadBuffer(bytes.NewReader(encodeTestTuple()))
	tup, err := ReadTuple(rb, true)
	if err != nil {
		t.Fatalf("ReadTuple: %v", err)
	}

	c0a, err := tup.Column(0)
	if err != nil {
		t.Fatalf("Column(0): %v", err)
	}
	v1, err := c0a.ReadText()
	if err != nil || v1 != "abc" {
		t.Fatalf("ReadText first = %q, %v", v1, err)
	}
	// buffered columns are repeatably readable and order is unconstrained.
	v2, err := c0a.ReadText()
	if err != nil || v2 != "abc" {
		t.Fatalf("ReadText second = %q, %v", v2, err)
	}

	c2, err := tup.Column(2)
	if err != nil {
		t.Fatalf("Column(2): %v", err)
	}
	if !c2.IsUnchangedToast() {
		t.Fatal("column 2 should be unchanged toast")
	}
}

func TestTupleSkip(t *testing.T) {
	rb := pgproto.NewReadBuffer(bytes.NewReader(encodeTestTuple()))
	tup, err := ReadTuple(rb, false)
	if err != nil {
		t.Fatalf("ReadTuple: %v", err)
	}
	if err := tup.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	// buffer should now be positioned right after the tuple; nothing left
	// to assert here beyond Skip succeeding without error.
}
