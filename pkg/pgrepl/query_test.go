package pgrepl

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

func newTestConn(t *testing.T, serverMajor string) (*Conn, func(func(*pgproto.WriteBuffer))) {
	t.Helper()
	client, server := dialPipe(t)
	serverWB := pgproto.NewWriteBuffer(server)
	serverRB := pgproto.NewReadBuffer(server)

	go serverSendAuthOkAndReady(t, server, serverMajor)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, client, StartupParams{"user": "postgres", "replication": "database"}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// drive consumes the client's Query message, then scripts the reply.
	return conn, func(write func(*pgproto.WriteBuffer)) {
		_, _ = pgproto.ReadFrame(serverRB)
		write(serverWB)
	}
}

func writeErrorResponse(wb *pgproto.WriteBuffer, code, message string) {
	var body pgproto.WriteBuffer
	body.WriteU8('S')
	body.WriteCString("ERROR")
	body.WriteU8('C')
	body.WriteCString(code)
	body.WriteU8('M')
	body.WriteCString(message)
	body.WriteU8(0)
	pgproto.WriteFrame(wb, pgproto.TagErrorResponse, body.Bytes())
	pgproto.WriteFrame(wb, pgproto.TagReadyForQuery, []byte{'I'})
	_ = wb.Flush()
}

func writeCreateSlotResult(wb *pgproto.WriteBuffer, slotName, consistentPoint, snapshotName, plugin string) {
	var rowDesc pgproto.WriteBuffer
	rowDesc.WriteU16BE(4)
	for _, name := range []string{"slot_name", "consistent_point", "snapshot_name", "output_plugin"} {
		rowDesc.WriteCString(name)
		rowDesc.WriteU32BE(0)
		rowDesc.WriteU16BE(0)
		rowDesc.WriteU32BE(25)
		rowDesc.WriteU16BE(0xFFFF)
		rowDesc.WriteI32BE(-1)
		rowDesc.WriteU16BE(0)
	}
	pgproto.WriteFrame(wb, pgproto.TagRowDescription, rowDesc.Bytes())

	var dataRow pgproto.WriteBuffer
	dataRow.WriteU16BE(4)
	for _, v := range []string{slotName, consistentPoint, snapshotName, plugin} {
		dataRow.WriteI32BE(int32(len(v)))
		dataRow.WriteBytes([]byte(v))
	}
	pgproto.WriteFrame(wb, pgproto.TagDataRow, dataRow.Bytes())
	pgproto.WriteFrame(wb, pgproto.TagCommandComplete, []byte("CREATE_REPLICATION_SLOT\x00"))
	pgproto.WriteFrame(wb, pgproto.TagReadyForQuery, []byte{'I'})
	_ = wb.Flush()
}

func TestCreateReplicationSlotLegacyTemporaryRejectedLocally(t *testing.T) {
	conn, _ := newTestConn(t, "9.6.24")
	_, err := conn.CreateReplicationSlot(context.Background(), CreateLogicalSlotOptions{
		SlotName: "sub1", OutputPlugin: "test_decoding", Temporary: true,
	})
	uv, ok := err.(*UnsupportedByServerVersion)
	if !ok {
		t.Fatalf("got %T (%v), want *UnsupportedByServerVersion", err, err)
	}
	if uv.Operation != "TEMPORARY" || uv.ObservedMajor != 9 {
		t.Fatalf("got %#v", uv)
	}
}

func TestCreateReplicationSlotServerRejects42601(t *testing.T) {
	conn, drive := newTestConn(t, "9.6.24")
	go drive(func(wb *pgproto.WriteBuffer) {
		writeErrorResponse(wb, "42601", `syntax error at or near "EXPORT_SNAPSHOT"`)
	})
	_, err := conn.CreateReplicationSlot(context.Background(), CreateLogicalSlotOptions{
		SlotName: "sub1", OutputPlugin: "test_decoding",
	})
	uv, ok := err.(*UnsupportedByServerVersion)
	if !ok {
		t.Fatalf("got %T (%v), want *UnsupportedByServerVersion", err, err)
	}
	if uv.RequiredMajor != 10 || uv.ObservedMajor != 9 {
		t.Fatalf("got %#v", uv)
	}
}

func TestCreateReplicationSlotSuccess(t *testing.T) {
	conn, drive := newTestConn(t, "16.3")
	go drive(func(wb *pgproto.WriteBuffer) {
		writeCreateSlotResult(wb, "sub1", "0/16B3740", "snap1", "pgoutput")
	})
	info, err := conn.CreateReplicationSlot(context.Background(), CreateLogicalSlotOptions{
		SlotName: "sub1", OutputPlugin: "pgoutput",
	})
	if err != nil {
		t.Fatalf("CreateReplicationSlot: %v", err)
	}
	if info.SlotName != "sub1" || info.SnapshotName != "snap1" {
		t.Fatalf("got %#v", info)
	}
}

func writeCreatePhysicalSlotResult(wb *pgproto.WriteBuffer, slotName, consistentPoint string) {
	var rowDesc pgproto.WriteBuffer
	rowDesc.WriteU16BE(2)
	for _, name := range []string{"slot_name", "consistent_point"} {
		rowDesc.WriteCString(name)
		rowDesc.WriteU32BE(0)
		rowDesc.WriteU16BE(0)
		rowDesc.WriteU32BE(25)
		rowDesc.WriteU16BE(0xFFFF)
		rowDesc.WriteI32BE(-1)
		rowDesc.WriteU16BE(0)
	}
	pgproto.WriteFrame(wb, pgproto.TagRowDescription, rowDesc.Bytes())

	var dataRow pgproto.WriteBuffer
	dataRow.WriteU16BE(2)
	for _, v := range []string{slotName, consistentPoint} {
		dataRow.WriteI32BE(int32(len(v)))
		dataRow.WriteBytes([]byte(v))
	}
	pgproto.WriteFrame(wb, pgproto.TagDataRow, dataRow.Bytes())
	pgproto.WriteFrame(wb, pgproto.TagCommandComplete, []byte("CREATE_REPLICATION_SLOT\x00"))
	pgproto.WriteFrame(wb, pgproto.TagReadyForQuery, []byte{'I'})
	_ = wb.Flush()
}

func TestCreatePhysicalSlotSuccess(t *testing.T) {
	conn, drive := newTestConn(t, "16.3")
	go drive(func(wb *pgproto.WriteBuffer) {
		writeCreatePhysicalSlotResult(wb, "standby1", "0/16B3740")
	})
	info, err := conn.CreatePhysicalSlot(context.Background(), CreatePhysicalSlotOptions{
		SlotName: "standby1", ReserveWAL: true,
	})
	if err != nil {
		t.Fatalf("CreatePhysicalSlot: %v", err)
	}
	if info.SlotName != "standby1" {
		t.Fatalf("got %#v", info)
	}
}

func TestCreatePhysicalSlotRejectsEmptyName(t *testing.T) {
	conn, _ := newTestConn(t, "16.3")
	_, err := conn.CreatePhysicalSlot(context.Background(), CreatePhysicalSlotOptions{})
	if _, ok := err.(*InvalidArgument); !ok {
		t.Fatalf("got %T (%v), want *InvalidArgument", err, err)
	}
}

func TestDecodeDataRowNullColumn(t *testing.T) {
	var row pgproto.WriteBuffer
	row.WriteU16BE(2)
	row.WriteI32BE(-1)
	row.WriteI32BE(3)
	row.WriteBytes([]byte("abc"))
	got, err := decodeDataRow(row.Bytes())
	if err != nil {
		t.Fatalf("decodeDataRow: %v", err)
	}
	if got[0] != "" || got[1] != "abc" {
		t.Fatalf("got %#v", got)
	}
}

func TestParseErrorResponseFields(t *testing.T) {
	var body bytes.Buffer
	body.WriteByte('S')
	body.WriteString("ERROR\x00")
	body.WriteByte('C')
	body.WriteString("42601\x00")
	body.WriteByte('M')
	body.WriteString("bad syntax\x00")
	body.WriteByte(0)
	se := parseErrorResponse(body.Bytes())
	if se.Severity != "ERROR" || se.Code != "42601" || se.Message != "bad syntax" {
		t.Fatalf("got %#v", se)
	}
}
