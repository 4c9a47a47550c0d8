package pgrepl

import (
	"errors"
	"fmt"

	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

// IoError wraps a transport-level failure: a closed socket, a read/write
// timeout, or any other error surfaced by the net.Conn. It is always fatal
// to the session.
type IoError struct {
	Cause error
}

func (e *IoError) Error() string { return fmt.Sprintf("pgrepl: i/o error: %v", e.Cause) }
func (e *IoError) Unwrap() error { return e.Cause }

// wrapIOErr lifts a *pgproto.IOError crossing the pgrepl API boundary into
// the documented *IoError taxonomy entry. Any other error (malformed
// length, protocol violations already typed by this package) passes
// through unchanged.
func wrapIOErr(err error) error {
	var ioErr *pgproto.IOError
	if errors.As(err, &ioErr) {
		return &IoError{Cause: ioErr.Cause}
	}
	return err
}

// ProtocolError reports a message the server sent that violates the shape
// this package expects: a bad tag, a truncated tuple, a relation id with no
// prior Relation message, and similar.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("pgrepl: protocol error: %s", e.Msg) }

// ServerError wraps a backend ErrorResponse, keeping its SQLSTATE code so
// callers can branch on it (42601, 57014, ...).
type ServerError struct {
	Severity string
	Code     string
	Message  string
	Detail   string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("pgrepl: server error %s (%s): %s: %s", e.Code, e.Severity, e.Message, e.Detail)
	}
	return fmt.Sprintf("pgrepl: server error %s (%s): %s", e.Code, e.Severity, e.Message)
}

// UnsupportedByServerVersion reports that the connected server's version
// does not support the requested operation (e.g. CREATE_REPLICATION_SLOT
// ... TEMPORARY on servers older than 10).
type UnsupportedByServerVersion struct {
	Operation      string
	RequiredMajor  int
	ObservedMajor  int
}

func (e *UnsupportedByServerVersion) Error() string {
	return fmt.Sprintf("pgrepl: %s requires server major version >= %d, connected server is %d",
		e.Operation, e.RequiredMajor, e.ObservedMajor)
}

// InvalidArgument reports a caller-supplied argument pgrepl rejected before
// ever writing to the wire: an empty slot or output plugin name, a
// StartReplication call on a session that is not Ready, and similar.
type InvalidArgument struct {
	Msg string
}

func (e *InvalidArgument) Error() string { return fmt.Sprintf("pgrepl: invalid argument: %s", e.Msg) }

// Cancelled reports that the caller's context was done while an operation
// was in flight.
type Cancelled struct {
	Cause error
}

func (e *Cancelled) Error() string { return fmt.Sprintf("pgrepl: cancelled: %v", e.Cause) }
func (e *Cancelled) Unwrap() error { return e.Cause }

// AlreadyConsumed reports a read of a sequential tuple's column after
// Tuple.Next has moved past it.
type AlreadyConsumed struct {
	What string
}

func (e *AlreadyConsumed) Error() string { return fmt.Sprintf("pgrepl: %s already consumed", e.What) }
