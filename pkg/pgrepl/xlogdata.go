package pgrepl

import (
	"time"

	"github.com/jfoltran/pgmigrator/pkg/lsn"
)

// pgEpochMicros is 2000-01-01T00:00:00Z expressed as microseconds since the Unix
// epoch, the reference point every replication timestamp is relative to.
const pgEpochMicros = 946_684_800_000_000

// TimeFromPgMicros converts a protocol timestamp (microseconds since
// 2000-01-01) to a time.Time. i64 sentinel min/max values are treated as
// -infinity/+infinity and map to the zero Time and the Unix epoch plus the
// maximum time.Duration respectively, since Go's time.Time has no infinity.
func TimeFromPgMicros(micros int64) time.Time {
	switch micros {
	case -1 << 63:
		return time.Time{}
	case 1<<63 - 1:
		return time.Unix(0, 0).Add(1<<63 - 1)
	default:
		return time.UnixMicro(micros + pgEpochMicros)
	}
}

// PgMicrosFromTime is the inverse of TimeFromPgMicros, used to build
// StandbyStatusUpdate's client time.
func PgMicrosFromTime(t time.Time) int64 {
	return t.UnixMicro() - pgEpochMicros
}

// XLogData is one CopyData payload carrying WAL bytes: the position range
// it covers, the server's clock at send time, and the still-undecoded
// plugin payload.
type XLogData struct {
	WALStart    lsn.LSN
	WALEnd      lsn.LSN
	ServerTime  time.Time
	Payload     []byte
}

// PrimaryKeepalive is a server-sent keepalive ('k') CopyData message.
type PrimaryKeepalive struct {
	WALEnd         lsn.LSN
	ServerTime     time.Time
	ReplyRequested bool
}
