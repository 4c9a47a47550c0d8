package pgrepl

import (
	"bytes"
	"io"

	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

// tupleMode selects how a Tuple's columns may be accessed after decode.
type tupleMode int

const (
	modeSequential tupleMode = iota
	modeBuffered
)

// Tuple is the decoded form of a pgoutput tuple: one row's worth of
// per-column kind/value pairs, produced by Insert/Update/Delete messages.
type Tuple struct {
	mode tupleMode
	n    int
	rb   *pgproto.ReadBuffer
	cols []TupleColumn
	cur  int
}

// TupleColumn is one column of a Tuple: its wire kind (null, unchanged
// toast, text, or binary) and, for text/binary, its raw bytes.
type TupleColumn struct {
	kind  byte
	data  []byte
	idx   int
	owner *Tuple
}

// ReadTuple decodes a tuple from rb: a u16 column count followed by that
// many {kind, body} pairs. buffered selects whether every column is copied
// into memory up front (repeatable, random-order access) or left to be
// consumed one at a time in order (the default, matching the wire's
// single-pass nature).
func ReadTuple(rb *pgproto.ReadBuffer, buffered bool) (*Tuple, error) {
	n, err := rb.ReadU16BE()
	if err != nil {
		return nil, err
	}
	t := &Tuple{n: int(n), cur: -1}
	if buffered {
		t.mode = modeBuffered
		t.cols = make([]TupleColumn, n)
		for i := 0; i < int(n); i++ {
			col, err := decodeTupleColumn(rb)
			if err != nil {
				return nil, err
			}
			col.idx = i
			col.owner = t
			t.cols[i] = col
		}
		return t, nil
	}
	t.mode = modeSequential
	t.rb = rb
	return t, nil
}

func decodeTupleColumn(rb *pgproto.ReadBuffer) (TupleColumn, error) {
	kind, err := rb.ReadU8()
	if err != nil {
		return TupleColumn{}, err
	}
	switch kind {
	case 'n', 'u':
		return TupleColumn{kind: kind}, nil
	case 't', 'b':
		l, err := rb.ReadI32BE()
		if err != nil {
			return TupleColumn{}, err
		}
		if l < 0 {
			return TupleColumn{}, &ProtocolError{Msg: "tuple column negative length"}
		}
		data, err := rb.ReadBytes(int(l))
		if err != nil {
			return TupleColumn{}, err
		}
		return TupleColumn{kind: kind, data: data}, nil
	default:
		return TupleColumn{}, &ProtocolError{Msg: "unknown tuple column kind"}
	}
}

// NumColumns returns the tuple's column count.
func (t *Tuple) NumColumns() int { return t.n }

// Next advances to and returns the next column in sequential mode. The
// handle returned by the previous call becomes invalid: any read on it
// after this call returns AlreadyConsumed. Next returns io.EOF once all
// columns have been produced. Calling Next on a buffered tuple is invalid.
func (t *Tuple) Next() (*TupleColumn, error) {
	if t.mode != modeSequential {
		return nil, &InvalidArgument{Msg: "Next is only valid on a sequential tuple"}
	}
	if t.cur+1 >= t.n {
		return nil, io.EOF
	}
	col, err := decodeTupleColumn(t.rb)
	if err != nil {
		return nil, err
	}
	t.cur++
	col.idx = t.cur
	col.owner = t
	t.cols = append(t.cols, col)
	return &t.cols[len(t.cols)-1], nil
}

// Column returns column i of a buffered tuple; it is accessible any number
// of times in any order. Calling Column on a sequential tuple is invalid —
// use Next instead.
func (t *Tuple) Column(i int) (*TupleColumn, error) {
	if t.mode != modeBuffered {
		return nil, &InvalidArgument{Msg: "Column is only valid on a buffered tuple"}
	}
	if i < 0 || i >= t.n {
		return nil, &InvalidArgument{Msg: "tuple column index out of range"}
	}
	return &t.cols[i], nil
}

// Skip discards any remaining columns of a sequential tuple (each is read
// through Next and its handle dropped), so the session can resynchronize
// on the next envelope when a consumer ignores the rest of a row.
func (t *Tuple) Skip() error {
	if t.mode != modeSequential {
		return nil
	}
	for t.cur+1 < t.n {
		if _, err := t.Next(); err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

func (c *TupleColumn) checkValid() error {
	if c.owner != nil && c.owner.mode == modeSequential && c.idx != c.owner.cur {
		return &AlreadyConsumed{What: "tuple column"}
	}
	return nil
}

// IsNull reports whether the column is SQL NULL.
func (c *TupleColumn) IsNull() bool { return c.kind == 'n' }

// IsUnchangedToast reports whether the column was omitted because it is an
// untouched, still-TOASTed value the publisher chose not to resend.
func (c *TupleColumn) IsUnchangedToast() bool { return c.kind == 'u' }

// IsText reports whether the column carries a text-format value.
func (c *TupleColumn) IsText() bool { return c.kind == 't' }

// IsBinary reports whether the column carries a binary-format value.
func (c *TupleColumn) IsBinary() bool { return c.kind == 'b' }

// Length returns the byte length of a text or binary column's value.
func (c *TupleColumn) Length() int { return len(c.data) }

// ReadText returns a text-format column's value.
func (c *TupleColumn) ReadText() (string, error) {
	if err := c.checkValid(); err != nil {
		return "", err
	}
	if c.kind != 't' {
		return "", &ProtocolError{Msg: "ReadText called on a non-text column"}
	}
	return string(c.data), nil
}

// ReadBinary returns a binary-format column's raw value.
func (c *TupleColumn) ReadBinary() ([]byte, error) {
	if err := c.checkValid(); err != nil {
		return nil, err
	}
	if c.kind != 'b' {
		return nil, &ProtocolError{Msg: "ReadBinary called on a non-binary column"}
	}
	return c.data, nil
}

// OpenStream returns an io.Reader over a text or binary column's value.
func (c *TupleColumn) OpenStream() (io.Reader, error) {
	if err := c.checkValid(); err != nil {
		return nil, err
	}
	if c.kind != 't' && c.kind != 'b' {
		return nil, &ProtocolError{Msg: "OpenStream called on a null or unchanged-toast column"}
	}
	return bytes.NewReader(c.data), nil
}
