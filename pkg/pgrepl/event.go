package pgrepl

import (
	"time"

	"github.com/jfoltran/pgmigrator/pkg/lsn"
)

// EventKind tags the concrete type of a decoded plugin event.
type EventKind int

const (
	EventText EventKind = iota
	EventBegin
	EventCommit
	EventOrigin
	EventRelation
	EventType
	EventInsert
	EventSimpleUpdate
	EventKeyUpdate
	EventFullUpdate
	EventKeyDelete
	EventFullDelete
	EventTruncate
)

// Event is the common interface satisfied by every decoder's output,
// whether the textual test_decoding plugin (one concrete type, TextEvent)
// or pgoutput v1 (the tagged union below). Replaces what would otherwise
// be a class hierarchy with one enumeration.
type Event interface {
	Kind() EventKind
}

// Envelope carries the XLogData position/clock fields common to every
// event a decoder produces.
type Envelope struct {
	WALStart   lsn.LSN
	WALEnd     lsn.LSN
	ServerTime time.Time
}
