// Package pgrepl implements a from-scratch PostgreSQL replication client:
// connection startup (C3), the replication control queries (C4),
// START_REPLICATION streaming with keepalive feedback (C5, C9), the
// test_decoding and pgoutput output plugin decoders (C6), a lazy tuple
// reader (C7), and slot lifecycle helpers (C8). It speaks wire protocol
// version 3 only and never attempts password-challenge authentication;
// see Authenticator.
package pgrepl

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

var timeZero time.Time

const protocolVersion3 = 0x00030000

// StartupParams are the parameters sent in the StartupMessage, e.g. user,
// database, replication. Connect sends them as given; a logical replication
// connection needs the caller to set "replication": "database".
type StartupParams map[string]string

// ServerParams holds the ParameterStatus values the backend reports during
// and after startup: server_version, server_encoding, integer_datetimes,
// DateStyle, TimeZone, and any others it chooses to send.
type ServerParams map[string]string

// ServerVersion returns the numeric major version parsed out of the
// server_version parameter status (e.g. 16 for "16.3", 9 for "9.6.24").
func (p ServerParams) ServerVersion() int {
	v := p["server_version"]
	major := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			break
		}
		major = major*10 + int(c-'0')
	}
	return major
}

// Conn is an established, authenticated replication-mode connection. It owns
// the socket and is not safe for concurrent use except where documented
// (a Session's status updates, e.g. from RunKeepaliveLoop, may be written
// while the read loop runs).
type Conn struct {
	netConn net.Conn
	rb      *pgproto.ReadBuffer
	wb      *pgproto.WriteBuffer

	writeMu sync.Mutex

	BackendPID int32
	BackendKey int32
	Params     ServerParams
}

// Connect performs the startup handshake over an already-dialed net.Conn:
// StartupMessage, authentication (delegated to auth), ParameterStatus
// collection, BackendKeyData, and the initial ReadyForQuery. The caller is
// responsible for dialing (and, if desired, TLS-wrapping) netConn first;
// pgrepl never dials sockets itself so the ambient connection config
// (hostnames, sslmode, pooling) stays owned by the caller's database
// layer.
func Connect(ctx context.Context, netConn net.Conn, params StartupParams, auth Authenticator) (*Conn, error) {
	if auth == nil {
		auth = TrustAuthenticator{}
	}
	c := &Conn{
		netConn: netConn,
		rb:      pgproto.NewReadBuffer(netConn),
		wb:      pgproto.NewWriteBuffer(netConn),
		Params:  make(ServerParams),
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(dl)
	}
	defer func() {
		if ctx.Err() == nil {
			_ = netConn.SetDeadline(timeZero)
		}
	}()

	if err := c.sendStartup(params); err != nil {
		return nil, err
	}
	if err := c.handleAuth(auth); err != nil {
		return nil, err
	}
	if err := c.awaitReady(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) sendStartup(params StartupParams) error {
	var w pgproto.WriteBuffer
	w.WriteU32BE(protocolVersion3)
	for k, v := range params {
		w.WriteCString(k)
		w.WriteCString(v)
	}
	w.WriteU8(0)
	pgproto.WriteUntaggedFrame(c.wb, w.Bytes())
	return c.flush()
}

func (c *Conn) handleAuth(auth Authenticator) error {
	for {
		frame, err := pgproto.ReadFrame(c.rb)
		if err != nil {
			return wrapIOErr(err)
		}
		switch frame.Tag {
		case pgproto.TagAuthentication:
			done, err := c.handleAuthFrame(frame.Body, auth)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case pgproto.TagParameterStatus:
			c.readParameterStatus(frame.Body)
		case pgproto.TagNoticeResponse:
			// ignored during startup; surfaced only once streaming begins
		case pgproto.TagErrorResponse:
			return parseErrorResponse(frame.Body)
		case pgproto.TagBackendKeyData:
			c.readBackendKeyData(frame.Body)
		default:
			return &ProtocolError{Msg: fmt.Sprintf("unexpected message %q during startup", frame.Tag)}
		}
	}
}

func (c *Conn) handleAuthFrame(body []byte, auth Authenticator) (done bool, err error) {
	rb := pgproto.NewReadBuffer(bytes.NewReader(body))
	authType, err := rb.ReadU32BE()
	if err != nil {
		return false, err
	}
	if authType == 0 {
		return true, nil
	}
	rest := body[4:]
	resp, err := auth.Respond(int32(authType), rest)
	if err != nil {
		return false, err
	}
	var w pgproto.WriteBuffer
	w.WriteBytes(resp)
	pgproto.WriteFrame(c.wb, pgproto.TagPassword, w.Bytes())
	if err := c.flush(); err != nil {
		return false, err
	}
	return false, nil
}

// awaitReady drains messages up through the first ReadyForQuery, which
// ends the startup phase per the protocol (ParameterStatus/NoticeResponse
// may still arrive interleaved with BackendKeyData).
func (c *Conn) awaitReady() error {
	for {
		frame, err := pgproto.ReadFrame(c.rb)
		if err != nil {
			return wrapIOErr(err)
		}
		switch frame.Tag {
		case pgproto.TagParameterStatus:
			c.readParameterStatus(frame.Body)
		case pgproto.TagBackendKeyData:
			c.readBackendKeyData(frame.Body)
		case pgproto.TagNoticeResponse:
		case pgproto.TagErrorResponse:
			return parseErrorResponse(frame.Body)
		case pgproto.TagReadyForQuery:
			return nil
		default:
			return &ProtocolError{Msg: fmt.Sprintf("unexpected message %q before ready", frame.Tag)}
		}
	}
}

func (c *Conn) readParameterStatus(body []byte) {
	rb := pgproto.NewReadBuffer(bytes.NewReader(body))
	name, err := rb.ReadCString()
	if err != nil {
		return
	}
	val, err := rb.ReadCString()
	if err != nil {
		return
	}
	c.Params[name] = val
}

func (c *Conn) readBackendKeyData(body []byte) {
	rb := pgproto.NewReadBuffer(bytes.NewReader(body))
	pid, err := rb.ReadU32BE()
	if err != nil {
		return
	}
	key, err := rb.ReadU32BE()
	if err != nil {
		return
	}
	c.BackendPID = int32(pid)
	c.BackendKey = int32(key)
}

func (c *Conn) flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wb.Flush()
}

// Close sends Terminate and closes the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	pgproto.WriteFrame(c.wb, pgproto.TagTerminate, nil)
	_ = c.wb.Flush()
	c.writeMu.Unlock()
	return c.netConn.Close()
}
