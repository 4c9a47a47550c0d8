package pgrepl

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jfoltran/pgmigrator/pkg/lsn"
	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

// RelationColumn is one column of a Relation message.
type RelationColumn struct {
	Flags        uint8
	Name         string
	DataTypeOID  uint32
	TypeModifier int32
}

// BeginEvent opens a transaction.
type BeginEvent struct {
	Envelope
	FinalLSN  lsn.LSN
	CommitAt  time.Time
	XID       uint32
}

func (BeginEvent) Kind() EventKind { return EventBegin }

// CommitEvent closes a transaction.
type CommitEvent struct {
	Envelope
	Flags     uint8
	CommitLSN lsn.LSN
	EndLSN    lsn.LSN
	CommitAt  time.Time
}

func (CommitEvent) Kind() EventKind { return EventCommit }

// OriginEvent names the origin of a replayed transaction, present only
// when the source of a change was itself a replication subscriber (used
// for loop prevention in bidirectional setups).
type OriginEvent struct {
	Envelope
	CommitLSN lsn.LSN
	Name      string
}

func (OriginEvent) Kind() EventKind { return EventOrigin }

// RelationEvent registers or updates a table's shape in the relation
// cache; Insert/Update/Delete referencing RelID look up column metadata
// here.
type RelationEvent struct {
	Envelope
	RelID           uint32
	Namespace       string
	Name            string
	ReplicaIdentity byte
	Columns         []RelationColumn
}

func (RelationEvent) Kind() EventKind { return EventRelation }

// ColumnIndex returns the position of the named column, or -1.
func (r RelationEvent) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// TypeEvent names a non-builtin type referenced by a later Relation
// message. Type messages are advisory only and are not cached: decoding
// text-format columns never depends on them.
type TypeEvent struct {
	Envelope
	TypeID    uint32
	Namespace string
	Name      string
}

func (TypeEvent) Kind() EventKind { return EventType }

// InsertEvent is a new row.
type InsertEvent struct {
	Envelope
	RelID uint32
	New   *Tuple
}

func (InsertEvent) Kind() EventKind { return EventInsert }

// SimpleUpdateEvent is an update with no old-row image (replica identity
// DEFAULT with no key columns changed, or no identity at all).
type SimpleUpdateEvent struct {
	Envelope
	RelID uint32
	New   *Tuple
}

func (SimpleUpdateEvent) Kind() EventKind { return EventSimpleUpdate }

// KeyUpdateEvent is an update carrying only the replica-identity key
// columns of the old row (REPLICA IDENTITY USING INDEX / DEFAULT when a
// key column changed).
type KeyUpdateEvent struct {
	Envelope
	RelID uint32
	New   *Tuple
	Key   *Tuple
}

func (KeyUpdateEvent) Kind() EventKind { return EventKeyUpdate }

// FullUpdateEvent is an update carrying the complete old row (REPLICA
// IDENTITY FULL).
type FullUpdateEvent struct {
	Envelope
	RelID uint32
	New   *Tuple
	Old   *Tuple
}

func (FullUpdateEvent) Kind() EventKind { return EventFullUpdate }

// KeyDeleteEvent is a delete carrying only the replica-identity key
// columns of the deleted row.
type KeyDeleteEvent struct {
	Envelope
	RelID uint32
	Key   *Tuple
}

func (KeyDeleteEvent) Kind() EventKind { return EventKeyDelete }

// FullDeleteEvent is a delete carrying the complete deleted row (REPLICA
// IDENTITY FULL).
type FullDeleteEvent struct {
	Envelope
	RelID uint32
	Old   *Tuple
}

func (FullDeleteEvent) Kind() EventKind { return EventFullDelete }

// TruncateEvent is a TRUNCATE affecting one or more relations at once.
// Options bit 0 is CASCADE, bit 1 is RESTART IDENTITY.
type TruncateEvent struct {
	Envelope
	Options uint8
	RelIDs  []uint32
}

func (TruncateEvent) Kind() EventKind { return EventTruncate }

const (
	truncateOptionCascade        uint8 = 1 << 0
	truncateOptionRestartIdentity uint8 = 1 << 1
)

// Cascade reports whether TRUNCATE ... CASCADE was specified.
func (t TruncateEvent) Cascade() bool { return t.Options&truncateOptionCascade != 0 }

// RestartIdentity reports whether TRUNCATE ... RESTART IDENTITY was
// specified.
func (t TruncateEvent) RestartIdentity() bool { return t.Options&truncateOptionRestartIdentity != 0 }

type cachedRelation struct {
	RelationEvent
	nameIndex map[string]int
}

// PgOutputDecoder decodes pgoutput v1 payloads into the tagged Event union
// above, maintaining the relation cache the protocol depends on.
type PgOutputDecoder struct {
	Buffered  bool
	relations map[uint32]*cachedRelation
}

// NewPgOutputDecoder constructs a decoder. buffered controls whether
// decoded Insert/Update/Delete tuples allow random-order, repeatable column
// access (see Tuple/ReadTuple).
func NewPgOutputDecoder(buffered bool) *PgOutputDecoder {
	return &PgOutputDecoder{Buffered: buffered, relations: make(map[uint32]*cachedRelation)}
}

// Decode implements Decoder.
func (d *PgOutputDecoder) Decode(env Envelope, payload []byte) ([]Event, error) {
	rb := pgproto.NewReadBuffer(bytes.NewReader(payload))
	tag, err := rb.ReadU8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 'B':
		return d.decodeBegin(env, rb)
	case 'C':
		return d.decodeCommit(env, rb)
	case 'O':
		return d.decodeOrigin(env, rb)
	case 'R':
		return d.decodeRelation(env, rb)
	case 'Y':
		return d.decodeType(env, rb)
	case 'I':
		return d.decodeInsert(env, rb)
	case 'U':
		return d.decodeUpdate(env, rb)
	case 'D':
		return d.decodeDelete(env, rb)
	case 'T':
		return d.decodeTruncate(env, rb)
	default:
		return nil, &ProtocolError{Msg: fmt.Sprintf("pgoutput: unknown message tag %q", tag)}
	}
}

func (d *PgOutputDecoder) decodeBegin(env Envelope, rb *pgproto.ReadBuffer) ([]Event, error) {
	finalLSN, err := rb.ReadU64BE()
	if err != nil {
		return nil, err
	}
	commitTS, err := rb.ReadI64BE()
	if err != nil {
		return nil, err
	}
	xid, err := rb.ReadU32BE()
	if err != nil {
		return nil, err
	}
	return []Event{BeginEvent{Envelope: env, FinalLSN: lsn.LSN(finalLSN), CommitAt: TimeFromPgMicros(commitTS), XID: xid}}, nil
}

func (d *PgOutputDecoder) decodeCommit(env Envelope, rb *pgproto.ReadBuffer) ([]Event, error) {
	flags, err := rb.ReadU8()
	if err != nil {
		return nil, err
	}
	commitLSN, err := rb.ReadU64BE()
	if err != nil {
		return nil, err
	}
	endLSN, err := rb.ReadU64BE()
	if err != nil {
		return nil, err
	}
	commitTS, err := rb.ReadI64BE()
	if err != nil {
		return nil, err
	}
	return []Event{CommitEvent{
		Envelope:  env,
		Flags:     flags,
		CommitLSN: lsn.LSN(commitLSN),
		EndLSN:    lsn.LSN(endLSN),
		CommitAt:  TimeFromPgMicros(commitTS),
	}}, nil
}

func (d *PgOutputDecoder) decodeOrigin(env Envelope, rb *pgproto.ReadBuffer) ([]Event, error) {
	commitLSN, err := rb.ReadU64BE()
	if err != nil {
		return nil, err
	}
	name, err := rb.ReadCString()
	if err != nil {
		return nil, err
	}
	return []Event{OriginEvent{Envelope: env, CommitLSN: lsn.LSN(commitLSN), Name: name}}, nil
}

func (d *PgOutputDecoder) decodeRelation(env Envelope, rb *pgproto.ReadBuffer) ([]Event, error) {
	relID, err := rb.ReadU32BE()
	if err != nil {
		return nil, err
	}
	ns, err := rb.ReadCString()
	if err != nil {
		return nil, err
	}
	name, err := rb.ReadCString()
	if err != nil {
		return nil, err
	}
	replicaIdentity, err := rb.ReadU8()
	if err != nil {
		return nil, err
	}
	nCols, err := rb.ReadU16BE()
	if err != nil {
		return nil, err
	}
	cols := make([]RelationColumn, 0, nCols)
	for i := 0; i < int(nCols); i++ {
		flags, err := rb.ReadU8()
		if err != nil {
			return nil, err
		}
		colName, err := rb.ReadCString()
		if err != nil {
			return nil, err
		}
		dataType, err := rb.ReadU32BE()
		if err != nil {
			return nil, err
		}
		typeMod, err := rb.ReadI32BE()
		if err != nil {
			return nil, err
		}
		cols = append(cols, RelationColumn{Flags: flags, Name: colName, DataTypeOID: dataType, TypeModifier: typeMod})
	}
	rel := RelationEvent{
		Envelope:        env,
		RelID:           relID,
		Namespace:       ns,
		Name:            name,
		ReplicaIdentity: replicaIdentity,
		Columns:         cols,
	}
	d.relations[relID] = &cachedRelation{RelationEvent: rel, nameIndex: buildNameIndex(cols)}
	return []Event{rel}, nil
}

func buildNameIndex(cols []RelationColumn) map[string]int {
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		idx[c.Name] = i
	}
	return idx
}

func (d *PgOutputDecoder) decodeType(env Envelope, rb *pgproto.ReadBuffer) ([]Event, error) {
	typeID, err := rb.ReadU32BE()
	if err != nil {
		return nil, err
	}
	ns, err := rb.ReadCString()
	if err != nil {
		return nil, err
	}
	name, err := rb.ReadCString()
	if err != nil {
		return nil, err
	}
	return []Event{TypeEvent{Envelope: env, TypeID: typeID, Namespace: ns, Name: name}}, nil
}

// ColumnIndexByName returns the position of name within relID's cached
// columns, using the index rebuilt on the relation's last Relation message
// rather than a fresh linear scan per lookup.
func (d *PgOutputDecoder) ColumnIndexByName(relID uint32, name string) (int, bool) {
	rel, ok := d.relations[relID]
	if !ok {
		return 0, false
	}
	idx, ok := rel.nameIndex[name]
	return idx, ok
}

func (d *PgOutputDecoder) lookupRelation(relID uint32) (*cachedRelation, error) {
	rel, ok := d.relations[relID]
	if !ok {
		return nil, &ProtocolError{Msg: fmt.Sprintf("pgoutput: relation %d referenced before a Relation message", relID)}
	}
	return rel, nil
}

func (d *PgOutputDecoder) decodeInsert(env Envelope, rb *pgproto.ReadBuffer) ([]Event, error) {
	relID, err := rb.ReadU32BE()
	if err != nil {
		return nil, err
	}
	if _, err := d.lookupRelation(relID); err != nil {
		return nil, err
	}
	marker, err := rb.ReadU8()
	if err != nil {
		return nil, err
	}
	if marker != 'N' {
		return nil, &ProtocolError{Msg: "pgoutput: Insert missing 'N' tuple marker"}
	}
	tuple, err := ReadTuple(rb, d.Buffered)
	if err != nil {
		return nil, err
	}
	return []Event{InsertEvent{Envelope: env, RelID: relID, New: tuple}}, nil
}

func (d *PgOutputDecoder) decodeUpdate(env Envelope, rb *pgproto.ReadBuffer) ([]Event, error) {
	relID, err := rb.ReadU32BE()
	if err != nil {
		return nil, err
	}
	if _, err := d.lookupRelation(relID); err != nil {
		return nil, err
	}
	marker, err := rb.ReadU8()
	if err != nil {
		return nil, err
	}

	var key, old *Tuple
	switch marker {
	case 'K':
		key, err = ReadTuple(rb, d.Buffered)
		if err != nil {
			return nil, err
		}
		marker, err = rb.ReadU8()
		if err != nil {
			return nil, err
		}
	case 'O':
		old, err = ReadTuple(rb, d.Buffered)
		if err != nil {
			return nil, err
		}
		marker, err = rb.ReadU8()
		if err != nil {
			return nil, err
		}
	}
	if marker != 'N' {
		return nil, &ProtocolError{Msg: "pgoutput: Update missing 'N' new-tuple marker"}
	}
	newTuple, err := ReadTuple(rb, d.Buffered)
	if err != nil {
		return nil, err
	}

	switch {
	case key != nil:
		return []Event{KeyUpdateEvent{Envelope: env, RelID: relID, New: newTuple, Key: key}}, nil
	case old != nil:
		return []Event{FullUpdateEvent{Envelope: env, RelID: relID, New: newTuple, Old: old}}, nil
	default:
		return []Event{SimpleUpdateEvent{Envelope: env, RelID: relID, New: newTuple}}, nil
	}
}

func (d *PgOutputDecoder) decodeDelete(env Envelope, rb *pgproto.ReadBuffer) ([]Event, error) {
	relID, err := rb.ReadU32BE()
	if err != nil {
		return nil, err
	}
	if _, err := d.lookupRelation(relID); err != nil {
		return nil, err
	}
	marker, err := rb.ReadU8()
	if err != nil {
		return nil, err
	}
	tuple, err := ReadTuple(rb, d.Buffered)
	if err != nil {
		return nil, err
	}
	switch marker {
	case 'K':
		return []Event{KeyDeleteEvent{Envelope: env, RelID: relID, Key: tuple}}, nil
	case 'O':
		return []Event{FullDeleteEvent{Envelope: env, RelID: relID, Old: tuple}}, nil
	default:
		return nil, &ProtocolError{Msg: "pgoutput: Delete marker must be 'K' or 'O'"}
	}
}

func (d *PgOutputDecoder) decodeTruncate(env Envelope, rb *pgproto.ReadBuffer) ([]Event, error) {
	nRels, err := rb.ReadU32BE()
	if err != nil {
		return nil, err
	}
	options, err := rb.ReadU8()
	if err != nil {
		return nil, err
	}
	relIDs := make([]uint32, 0, nRels)
	for i := 0; i < int(nRels); i++ {
		id, err := rb.ReadU32BE()
		if err != nil {
			return nil, err
		}
		relIDs = append(relIDs, id)
	}
	return []Event{TruncateEvent{Envelope: env, Options: options, RelIDs: relIDs}}, nil
}
