package pgrepl

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jfoltran/pgmigrator/pkg/lsn"
	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

// SessionState is the replication session's lifecycle state.
type SessionState int

const (
	StateClosed SessionState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateStreaming
	StateDraining
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

const (
	defaultStatusInterval = 10 * time.Second
	minStatusInterval     = 1 * time.Second
)

// SessionOptions configures a Session wrapping an established Conn.
type SessionOptions struct {
	// StatusInterval is how often feedback is sent absent an explicit
	// keepalive request from the server. Defaults to 10s; clamped to a 1s
	// minimum.
	StatusInterval time.Duration
}

// Session drives START_REPLICATION over an authenticated Conn: entering
// and exiting CopyBoth, decoding XLogData/keepalive frames, and keeping the
// feedback loop alive. One Session streams at most one slot at a time.
type Session struct {
	conn    *Conn
	opts    SessionOptions
	state   SessionState
	decoder Decoder

	feedbackMu sync.Mutex

	lastReceivedLSN lsn.LSN
	lastFlushedLSN  lsn.LSN
	lastAppliedLSN  lsn.LSN
}

// NewSession wraps an authenticated Conn. decoder may be nil if the caller
// only wants raw XLogData envelopes (RawLogicalSlot-style physical or
// undecoded logical streaming).
func NewSession(conn *Conn, decoder Decoder, opts SessionOptions) *Session {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = defaultStatusInterval
	} else if opts.StatusInterval < minStatusInterval {
		opts.StatusInterval = minStatusInterval
	}
	return &Session{conn: conn, opts: opts, decoder: decoder, state: StateReady}
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState { return s.state }

// LastReceivedLSN returns the highest LSN observed from any XLogData or
// keepalive message so far.
func (s *Session) LastReceivedLSN() lsn.LSN { return s.lastReceivedLSN }

// AdvanceApplied records that the consumer has durably applied up through
// lsn, to be reported on the next feedback message.
func (s *Session) AdvanceApplied(l lsn.LSN) {
	s.feedbackMu.Lock()
	defer s.feedbackMu.Unlock()
	if l > s.lastAppliedLSN {
		s.lastAppliedLSN = l
	}
}

// AdvanceFlushed records that the consumer has durably flushed up through
// lsn, to be reported on the next feedback message.
func (s *Session) AdvanceFlushed(l lsn.LSN) {
	s.feedbackMu.Lock()
	defer s.feedbackMu.Unlock()
	if l > s.lastFlushedLSN {
		s.lastFlushedLSN = l
	}
	if l > s.lastAppliedLSN {
		s.lastAppliedLSN = l
	}
}

// StartCommand configures START_REPLICATION.
type StartCommand struct {
	SlotName string
	// Physical selects PHYSICAL replication; otherwise LOGICAL.
	Physical bool
	// StartLSN defaults to the slot's consistent_point if zero.
	StartLSN lsn.LSN
	Timeline int32 // physical only; 0 means omit TIMELINE clause
	// Options are emitted in order, e.g. {"proto_version","1"},
	// {"publication_names", `"pub1","pub2"`}.
	Options []StartOption
}

// StartOption is one `"key" 'value'` (or bare `"key"`) pair in a logical
// START_REPLICATION command.
type StartOption struct {
	Key   string
	Value string
	Bare  bool
}

func buildStartReplicationSQL(cmd StartCommand) string {
	var b strings.Builder
	b.WriteString("START_REPLICATION ")
	if cmd.Physical {
		if cmd.SlotName != "" {
			fmt.Fprintf(&b, "SLOT %s ", quoteIdent(cmd.SlotName))
		}
		b.WriteString("PHYSICAL ")
		b.WriteString(cmd.StartLSN.String())
		if cmd.Timeline != 0 {
			fmt.Fprintf(&b, " TIMELINE %d", cmd.Timeline)
		}
		return b.String()
	}
	fmt.Fprintf(&b, "SLOT %s LOGICAL %s", quoteIdent(cmd.SlotName), cmd.StartLSN.String())
	if len(cmd.Options) > 0 {
		b.WriteString(" (")
		for i, opt := range cmd.Options {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, `"%s"`, opt.Key)
			if !opt.Bare {
				fmt.Fprintf(&b, " '%s'", opt.Value)
			}
		}
		b.WriteString(")")
	}
	return b.String()
}

// LogicalPluginOptions builds the fixed pgoutput v1 start options:
// proto_version '1' and publication_names '"pub1","pub2",...'.
func LogicalPluginOptions(publications []string) []StartOption {
	quoted := make([]string, len(publications))
	for i, p := range publications {
		quoted[i] = `"` + p + `"`
	}
	return []StartOption{
		{Key: "proto_version", Value: "1"},
		{Key: "publication_names", Value: strings.Join(quoted, ",")},
	}
}

// StartReplication issues START_REPLICATION and, on success, transitions
// the session to Streaming. cmd.StartLSN defaults to consistentPoint if
// zero, per design note 2 (wal_location ?? slot.consistent_point).
func (s *Session) StartReplication(ctx context.Context, cmd StartCommand, consistentPoint lsn.LSN) error {
	if s.state != StateReady {
		return &InvalidArgument{Msg: fmt.Sprintf("StartReplication requires Ready state, session is %s", s.state)}
	}
	if cmd.StartLSN == 0 {
		cmd.StartLSN = consistentPoint
	}
	sql := buildStartReplicationSQL(cmd)

	var w pgproto.WriteBuffer
	w.WriteCString(sql)
	pgproto.WriteFrame(s.conn.wb, pgproto.TagQuery, w.Bytes())
	if err := s.conn.flush(); err != nil {
		s.state = StateClosed
		return err
	}

	frame, err := pgproto.ReadFrame(s.conn.rb)
	if err != nil {
		s.state = StateClosed
		return wrapIOErr(err)
	}
	switch frame.Tag {
	case pgproto.TagCopyBothResponse:
		s.lastReceivedLSN = cmd.StartLSN
		s.state = StateStreaming
		return nil
	case pgproto.TagErrorResponse:
		s.state = StateReady
		return parseErrorResponse(frame.Body)
	default:
		s.state = StateClosed
		return &ProtocolError{Msg: fmt.Sprintf("START_REPLICATION: unexpected response %q", frame.Tag)}
	}
}

const (
	copyMsgXLogData  = 'w'
	copyMsgKeepalive = 'k'
	copyMsgStatusUpd = 'r'
)

// Next blocks for and decodes the next unit of work from the stream: a
// decoded plugin event (if a decoder is configured) or a keepalive-induced
// feedback send (reported with no events). It returns (nil, true, nil)
// once the server has cleanly ended the stream (CopyDone, or a 57014
// cancel) and the session has returned to Ready.
func (s *Session) Next(ctx context.Context) (events []Event, done bool, err error) {
	for {
		if s.state != StateStreaming {
			return nil, true, nil
		}
		if err := ctx.Err(); err != nil {
			cancelErr := s.cancel(context.Background())
			if cancelErr != nil {
				return nil, false, cancelErr
			}
			return nil, false, &Cancelled{Cause: err}
		}

		frame, err := pgproto.ReadFrame(s.conn.rb)
		if err != nil {
			s.state = StateClosed
			return nil, false, wrapIOErr(err)
		}

		switch frame.Tag {
		case pgproto.TagCopyData:
			return s.handleCopyData(frame.Body)
		case pgproto.TagCopyDone:
			if err := s.finishDraining(); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		case pgproto.TagErrorResponse:
			se := parseErrorResponse(frame.Body)
			if se.Code == "57014" {
				// query canceled: graceful end of streaming per §6.
				if err := s.drainToReady(); err != nil {
					return nil, false, err
				}
				return nil, true, nil
			}
			s.state = StateDraining
			return nil, false, se
		case pgproto.TagNoticeResponse:
			continue
		default:
			s.state = StateClosed
			return nil, false, &ProtocolError{Msg: fmt.Sprintf("unexpected message %q during streaming", frame.Tag)}
		}
	}
}

func (s *Session) handleCopyData(body []byte) ([]Event, bool, error) {
	if len(body) == 0 {
		return nil, false, &ProtocolError{Msg: "empty CopyData payload"}
	}
	switch body[0] {
	case copyMsgXLogData:
		return s.handleXLogData(body[1:])
	case copyMsgKeepalive:
		return s.handleKeepalive(body[1:])
	default:
		s.state = StateClosed
		return nil, false, &ProtocolError{Msg: fmt.Sprintf("unknown CopyData sub-message %q", body[0])}
	}
}

func (s *Session) handleXLogData(body []byte) ([]Event, bool, error) {
	if len(body) < 24 {
		return nil, false, &ProtocolError{Msg: "XLogData header truncated"}
	}
	rb := pgproto.NewReadBuffer(bytes.NewReader(body[:24]))
	walStart, err := rb.ReadU64BE()
	if err != nil {
		return nil, false, &ProtocolError{Msg: "XLogData: bad wal_start"}
	}
	walEnd, err := rb.ReadU64BE()
	if err != nil {
		return nil, false, &ProtocolError{Msg: "XLogData: bad wal_end"}
	}
	serverClock, err := rb.ReadI64BE()
	if err != nil {
		return nil, false, &ProtocolError{Msg: "XLogData: bad server_clock"}
	}
	payload := body[24:]

	env := Envelope{WALStart: lsn.LSN(walStart), WALEnd: lsn.LSN(walEnd), ServerTime: TimeFromPgMicros(serverClock)}
	s.updateReceived(env.WALStart, env.WALEnd)

	if s.decoder == nil {
		return []Event{rawXLogEvent{Envelope: env, Payload: payload}}, false, nil
	}
	events, err := s.decoder.Decode(env, payload)
	if err != nil {
		s.state = StateClosed
		return nil, false, err
	}
	return events, false, nil
}

// rawXLogEvent is produced when no plugin Decoder is configured (raw
// physical/logical streaming per the supplemented physical-replication
// feature).
type rawXLogEvent struct {
	Envelope
	Payload []byte
}

func (rawXLogEvent) Kind() EventKind { return EventText }

func (s *Session) handleKeepalive(body []byte) ([]Event, bool, error) {
	if len(body) < 17 {
		return nil, false, &ProtocolError{Msg: "keepalive payload truncated"}
	}
	rb := pgproto.NewReadBuffer(bytes.NewReader(body[:17]))
	walEnd, err := rb.ReadU64BE()
	if err != nil {
		return nil, false, &ProtocolError{Msg: "keepalive: bad wal_end"}
	}
	if _, err := rb.ReadI64BE(); err != nil { // server clock, unused for feedback timing
		return nil, false, &ProtocolError{Msg: "keepalive: bad server_clock"}
	}
	replyRequested, err := rb.ReadU8()
	if err != nil {
		return nil, false, &ProtocolError{Msg: "keepalive: bad reply_requested"}
	}

	s.updateReceived(lsn.LSN(walEnd), lsn.LSN(walEnd))

	if replyRequested != 0 {
		if err := s.sendStandbyStatusUpdate(false); err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

func (s *Session) updateReceived(positions ...lsn.LSN) {
	for _, p := range positions {
		if p > s.lastReceivedLSN {
			s.lastReceivedLSN = p
		}
	}
}

// sendStandbyStatusUpdate writes a frontend CopyData('r', ...) feedback
// message under the feedback mutex, the session's single writer-side lock.
func (s *Session) sendStandbyStatusUpdate(replyRequested bool) error {
	s.feedbackMu.Lock()
	defer s.feedbackMu.Unlock()

	var body pgproto.WriteBuffer
	body.WriteU8(copyMsgStatusUpd)
	body.WriteU64BE(uint64(s.lastReceivedLSN))
	body.WriteU64BE(uint64(s.lastFlushedLSN))
	body.WriteU64BE(uint64(s.lastAppliedLSN))
	body.WriteI64BE(PgMicrosFromTime(time.Now()))
	if replyRequested {
		body.WriteU8(1)
	} else {
		body.WriteU8(0)
	}

	pgproto.WriteFrame(s.conn.wb, pgproto.TagCopyData, body.Bytes())
	return s.conn.flush()
}

// RunKeepaliveLoop sends a status update every StatusInterval until ctx is
// done or the session leaves Streaming. Intended to run in its own
// goroutine alongside repeated Next calls.
func (s *Session) RunKeepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.state != StateStreaming {
				return
			}
			_ = s.sendStandbyStatusUpdate(false)
		}
	}
}

// cancel sends CopyDone and drains to Ready, used when the caller's context
// is done mid-stream.
func (s *Session) cancel(ctx context.Context) error {
	s.state = StateDraining
	var w pgproto.WriteBuffer
	pgproto.WriteFrame(s.conn.wb, pgproto.TagCopyDone, w.Bytes())
	if err := s.conn.flush(); err != nil {
		s.state = StateClosed
		return err
	}
	return s.drainToReady()
}

// finishDraining handles the server-initiated CopyDone: the client
// acknowledges with its own CopyDone, then drains to Ready.
func (s *Session) finishDraining() error {
	s.state = StateDraining
	var w pgproto.WriteBuffer
	pgproto.WriteFrame(s.conn.wb, pgproto.TagCopyDone, w.Bytes())
	if err := s.conn.flush(); err != nil {
		s.state = StateClosed
		return err
	}
	return s.drainToReady()
}

// drainToReady reads messages until CommandComplete + ReadyForQuery,
// discarding any trailing CopyData, then transitions back to Ready.
func (s *Session) drainToReady() error {
	for {
		frame, err := pgproto.ReadFrame(s.conn.rb)
		if err != nil {
			s.state = StateClosed
			return wrapIOErr(err)
		}
		switch frame.Tag {
		case pgproto.TagCopyData, pgproto.TagCopyDone, pgproto.TagNoticeResponse:
			continue
		case pgproto.TagCommandComplete:
			continue
		case pgproto.TagErrorResponse:
			s.state = StateClosed
			return parseErrorResponse(frame.Body)
		case pgproto.TagReadyForQuery:
			s.state = StateReady
			return nil
		default:
			s.state = StateClosed
			return &ProtocolError{Msg: fmt.Sprintf("unexpected message %q while draining", frame.Tag)}
		}
	}
}

// Cancel gracefully ends an active stream from outside the Next loop,
// returning the session to Ready. Safe to call at most once per stream.
func (s *Session) Cancel(ctx context.Context) error {
	if s.state != StateStreaming {
		return nil
	}
	return s.cancel(ctx)
}
