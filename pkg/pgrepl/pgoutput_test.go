package pgrepl

import (
	"testing"

	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

func encodeRelation(w *pgproto.WriteBuffer, relID uint32, ns, name string, replicaIdentity byte, cols []string) {
	w.WriteU8('R')
	w.WriteU32BE(relID)
	w.WriteCString(ns)
	w.WriteCString(name)
	w.WriteU8(replicaIdentity)
	w.WriteU16BE(uint16(len(cols)))
	for _, c := range cols {
		w.WriteU8(0)
		w.WriteCString(c)
		w.WriteU32BE(25) // text oid
		w.WriteI32BE(-1)
	}
}

func encodeTextCol(w *pgproto.WriteBuffer, s string) {
	w.WriteU8('t')
	w.WriteI32BE(int32(len(s)))
	w.WriteBytes([]byte(s))
}

func encodeNullCol(w *pgproto.WriteBuffer) { w.WriteU8('n') }

func decodeOne(t *testing.T, d *PgOutputDecoder, payload []byte) Event {
	t.Helper()
	events, err := d.Decode(Envelope{}, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Decode returned %d events, want 1", len(events))
	}
	return events[0]
}

func TestPgOutputRelationThenInsert(t *testing.T) {
	d := NewPgOutputDecoder(false)

	var relBuf pgproto.WriteBuffer
	encodeRelation(&relBuf, 1, "public", "t", 'd', []string{"id", "name"})
	rel := decodeOne(t, d, relBuf.Bytes()).(RelationEvent)
	if len(rel.Columns) != 2 {
		t.Fatalf("relation columns = %d, want 2", len(rel.Columns))
	}

	var insBuf pgproto.WriteBuffer
	insBuf.WriteU8('I')
	insBuf.WriteU32BE(1)
	insBuf.WriteU8('N')
	insBuf.WriteU16BE(2)
	encodeTextCol(&insBuf, "1")
	encodeTextCol(&insBuf, "val")

	ev := decodeOne(t, d, insBuf.Bytes())
	ins, ok := ev.(InsertEvent)
	if !ok {
		t.Fatalf("got %T, want InsertEvent", ev)
	}
	// (P4) column count matches the Relation's n_cols.
	if ins.New.NumColumns() != len(rel.Columns) {
		t.Fatalf("insert tuple has %d columns, relation has %d", ins.New.NumColumns(), len(rel.Columns))
	}
}

func TestPgOutputInsertUnknownRelationFails(t *testing.T) {
	d := NewPgOutputDecoder(false)
	var buf pgproto.WriteBuffer
	buf.WriteU8('I')
	buf.WriteU32BE(99)
	buf.WriteU8('N')
	buf.WriteU16BE(0)
	if _, err := d.Decode(Envelope{}, buf.Bytes()); err == nil {
		t.Fatal("expected ProtocolError for unregistered relation")
	} else if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestPgOutputSimpleUpdate(t *testing.T) {
	d := NewPgOutputDecoder(true)
	var relBuf pgproto.WriteBuffer
	encodeRelation(&relBuf, 1, "public", "t", 'd', []string{"id", "name"})
	decodeOne(t, d, relBuf.Bytes())

	var buf pgproto.WriteBuffer
	buf.WriteU8('U')
	buf.WriteU32BE(1)
	buf.WriteU8('N')
	buf.WriteU16BE(2)
	encodeTextCol(&buf, "1")
	encodeTextCol(&buf, "val1")

	ev := decodeOne(t, d, buf.Bytes())
	upd, ok := ev.(SimpleUpdateEvent)
	if !ok {
		t.Fatalf("got %T, want SimpleUpdateEvent", ev)
	}
	col, _ := upd.New.Column(1)
	v, _ := col.ReadText()
	if v != "val1" {
		t.Fatalf("new[1] = %q, want val1", v)
	}
}

func TestPgOutputKeyUpdate(t *testing.T) {
	d := NewPgOutputDecoder(true)
	var relBuf pgproto.WriteBuffer
	encodeRelation(&relBuf, 1, "public", "t", 'i', []string{"id", "name"})
	decodeOne(t, d, relBuf.Bytes())

	var buf pgproto.WriteBuffer
	buf.WriteU8('U')
	buf.WriteU32BE(1)
	buf.WriteU8('K')
	buf.WriteU16BE(2)
	encodeNullCol(&buf)
	encodeTextCol(&buf, "val")
	buf.WriteU8('N')
	buf.WriteU16BE(2)
	encodeTextCol(&buf, "1")
	encodeTextCol(&buf, "val1")

	ev := decodeOne(t, d, buf.Bytes())
	upd, ok := ev.(KeyUpdateEvent)
	if !ok {
		t.Fatalf("got %T, want KeyUpdateEvent", ev)
	}
	keyCol, _ := upd.Key.Column(1)
	kv, _ := keyCol.ReadText()
	if kv != "val" {
		t.Fatalf("key[1] = %q, want val", kv)
	}
}

func TestPgOutputFullDelete(t *testing.T) {
	d := NewPgOutputDecoder(true)
	var relBuf pgproto.WriteBuffer
	encodeRelation(&relBuf, 1, "public", "t", 'f', []string{"id", "name"})
	decodeOne(t, d, relBuf.Bytes())

	var buf pgproto.WriteBuffer
	buf.WriteU8('D')
	buf.WriteU32BE(1)
	buf.WriteU8('O')
	buf.WriteU16BE(2)
	encodeTextCol(&buf, "1")
	encodeTextCol(&buf, "val1")

	ev := decodeOne(t, d, buf.Bytes())
	del, ok := ev.(FullDeleteEvent)
	if !ok {
		t.Fatalf("got %T, want FullDeleteEvent", ev)
	}
	oldCol, _ := del.Old.Column(1)
	ov, _ := oldCol.ReadText()
	if ov != "val1" {
		t.Fatalf("old[1] = %q, want val1", ov)
	}
}

func TestPgOutputTruncate(t *testing.T) {
	d := NewPgOutputDecoder(false)
	var buf pgproto.WriteBuffer
	buf.WriteU8('T')
	buf.WriteU32BE(1)
	buf.WriteU8(3) // CASCADE | RESTART IDENTITY
	buf.WriteU32BE(7)

	ev := decodeOne(t, d, buf.Bytes())
	tr, ok := ev.(TruncateEvent)
	if !ok {
		t.Fatalf("got %T, want TruncateEvent", ev)
	}
	if !tr.Cascade() || !tr.RestartIdentity() {
		t.Fatalf("options = %d, want both bits set", tr.Options)
	}
	if len(tr.RelIDs) != 1 || tr.RelIDs[0] != 7 {
		t.Fatalf("relIDs = %v", tr.RelIDs)
	}
}

func TestPgOutputBeginCommit(t *testing.T) {
	d := NewPgOutputDecoder(false)
	var beginBuf pgproto.WriteBuffer
	beginBuf.WriteU8('B')
	beginBuf.WriteU64BE(100)
	beginBuf.WriteI64BE(0)
	beginBuf.WriteU32BE(42)
	ev := decodeOne(t, d, beginBuf.Bytes())
	b, ok := ev.(BeginEvent)
	if !ok || b.XID != 42 {
		t.Fatalf("got %#v", ev)
	}

	var commitBuf pgproto.WriteBuffer
	commitBuf.WriteU8('C')
	commitBuf.WriteU8(0)
	commitBuf.WriteU64BE(100)
	commitBuf.WriteU64BE(200)
	commitBuf.WriteI64BE(0)
	ev = decodeOne(t, d, commitBuf.Bytes())
	c, ok := ev.(CommitEvent)
	if !ok || uint64(c.CommitLSN) != 100 {
		t.Fatalf("got %#v", ev)
	}
}

func TestTestDecodingDecoder(t *testing.T) {
	dec := NewTestDecodingDecoder()
	events, err := dec.Decode(Envelope{}, []byte("BEGIN 123"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	text := events[0].(TextEvent)
	if text.Text != "BEGIN 123" {
		t.Fatalf("Text = %q", text.Text)
	}
}
