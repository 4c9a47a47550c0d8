package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jfoltran/pgmigrator/pkg/lsn"
	"github.com/jfoltran/pgmigrator/pkg/pgrepl"
	"github.com/rs/zerolog"
)

// Decoder consumes WAL data via pgrepl's pgoutput session and emits Messages
// on a channel.
type Decoder struct {
	conn   *pgrepl.Conn
	sess   *pgrepl.Session
	logger zerolog.Logger

	slotName    string
	publication string
	startLSN    lsn.LSN

	relations map[uint32]*RelationMessage
	origin    string // current origin from an OriginEvent

	pendingBegin   *BeginMessage
	emptyTxSkipped int64

	mu      sync.Mutex
	loopErr error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDecoder creates a Decoder that will stream from the given replication
// connection.
func NewDecoder(conn *pgrepl.Conn, slotName, publication string, logger zerolog.Logger) *Decoder {
	return &Decoder{
		conn:        conn,
		logger:      logger.With().Str("component", "decoder").Logger(),
		slotName:    strings.ReplaceAll(slotName, "-", "_"),
		publication: publication,
		relations:   make(map[uint32]*RelationMessage),
		done:        make(chan struct{}),
	}
}

// CreateSlot creates a replication slot and returns the exported snapshot
// name. The snapshot remains valid until StartStreaming is called, so
// callers must complete their COPY phase using the snapshot before calling
// StartStreaming. If startLSN is non-zero, no slot is created and the
// snapshot name is empty.
func (d *Decoder) CreateSlot(ctx context.Context, startLSN lsn.LSN) (string, error) {
	d.startLSN = startLSN
	if startLSN != 0 {
		return "", nil
	}

	info, err := d.conn.CreateReplicationSlot(ctx, pgrepl.CreateLogicalSlotOptions{
		SlotName:     d.slotName,
		OutputPlugin: "pgoutput",
		Snapshot:     pgrepl.SnapshotExport,
	})
	if err != nil {
		return "", fmt.Errorf("create replication slot: %w", err)
	}
	d.startLSN = info.ConsistentPoint
	d.logger.Info().
		Str("slot", d.slotName).
		Str("snapshot", info.SnapshotName).
		Stringer("lsn", d.startLSN).
		Msg("created replication slot")

	return info.SnapshotName, nil
}

// StartLSN returns the LSN that will be used when streaming begins.
func (d *Decoder) StartLSN() lsn.LSN {
	return d.startLSN
}

// StartStreaming begins consuming WAL from the replication slot. This
// invalidates the snapshot returned by CreateSlot, so it must only be
// called after the COPY phase is complete.
func (d *Decoder) StartStreaming(ctx context.Context) (<-chan Message, error) {
	d.sess = pgrepl.NewSession(d.conn, pgrepl.NewPgOutputDecoder(false), pgrepl.SessionOptions{})
	slot := pgrepl.PgOutputSlot(pgrepl.ReplicationSlotInfo{SlotName: d.slotName, ConsistentPoint: d.startLSN})
	if err := slot.StartReplication(ctx, d.sess, d.startLSN, []string{d.publication}); err != nil {
		return nil, fmt.Errorf("start replication: %w", err)
	}

	ch := make(chan Message, 4096)
	ctx, d.cancel = context.WithCancel(ctx)
	go d.receiveLoop(ctx, ch)
	go d.sess.RunKeepaliveLoop(ctx)

	return ch, nil
}

// Start is a convenience that calls CreateSlot followed by StartStreaming.
// WARNING: The snapshot returned is already invalid because StartStreaming
// has been called. Use CreateSlot + StartStreaming separately when you need
// to perform COPY using the snapshot.
func (d *Decoder) Start(ctx context.Context, startLSN lsn.LSN) (<-chan Message, string, error) {
	snapshotName, err := d.CreateSlot(ctx, startLSN)
	if err != nil {
		return nil, "", err
	}
	ch, err := d.StartStreaming(ctx)
	if err != nil {
		return nil, "", err
	}
	return ch, snapshotName, nil
}

func (d *Decoder) receiveLoop(ctx context.Context, ch chan<- Message) {
	defer close(ch)
	defer close(d.done)

	var msgCount int64
	lastDiag := time.Now()

	setErr := func(err error) {
		d.mu.Lock()
		d.loopErr = err
		d.mu.Unlock()
	}

	for {
		events, done, err := d.sess.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Err(err).Msg("replication stream error")
			setErr(fmt.Errorf("stream: %w", err))
			return
		}
		if done {
			return
		}

		msgCount += int64(len(events))
		if time.Since(lastDiag) >= 10*time.Second {
			d.logger.Info().
				Int64("msgs", msgCount).
				Int("ch_len", len(ch)).
				Int("ch_cap", cap(ch)).
				Stringer("received", d.sess.LastReceivedLSN()).
				Int64("empty_tx_skipped", d.emptyTxSkipped).
				Msg("decoder throughput")
			lastDiag = time.Now()
		}

		for _, ev := range events {
			d.decodeEvent(ctx, ch, ev)
		}
	}
}

func (d *Decoder) decodeEvent(ctx context.Context, ch chan<- Message, ev pgrepl.Event) {
	switch m := ev.(type) {
	case pgrepl.BeginEvent:
		d.pendingBegin = &BeginMessage{TxnLSN: m.FinalLSN, TxnTime: m.CommitAt, XID: m.XID}

	case pgrepl.CommitEvent:
		if d.pendingBegin != nil {
			d.emptyTxSkipped++
			d.pendingBegin = nil
		} else {
			d.emit(ctx, ch, &CommitMessage{CommitLSN: m.CommitLSN, TxnTime: m.CommitAt})
		}

	case pgrepl.OriginEvent:
		d.origin = m.Name

	case pgrepl.RelationEvent:
		cols := make([]Column, len(m.Columns))
		for i, c := range m.Columns {
			cols[i] = Column{Name: c.Name, DataType: c.DataTypeOID}
		}
		rel := &RelationMessage{
			RelationID: m.RelID,
			Namespace:  m.Namespace,
			Name:       m.Name,
			Columns:    cols,
			MsgLSN:     m.WALStart,
			MsgTime:    m.ServerTime,
		}
		d.relations[m.RelID] = rel
		d.flushPendingBegin(ctx, ch)
		d.emit(ctx, ch, rel)

	case pgrepl.InsertEvent:
		rel := d.relations[m.RelID]
		if rel == nil {
			d.logger.Warn().Uint32("relation_id", m.RelID).Msg("unknown relation for insert")
			return
		}
		d.flushPendingBegin(ctx, ch)
		newTuple, err := decodeTuple(m.New, rel.Columns)
		if err != nil {
			d.logger.Err(err).Msg("decode insert tuple")
			return
		}
		d.emit(ctx, ch, &ChangeMessage{
			Op: OpInsert, RelationID: m.RelID, Namespace: rel.Namespace, Table: rel.Name,
			NewTuple: newTuple, MsgLSN: m.WALStart, MsgTime: m.ServerTime, Origin: d.origin,
		})

	case pgrepl.SimpleUpdateEvent:
		d.handleUpdate(ctx, ch, m.RelID, m.Envelope, m.New, nil)

	case pgrepl.KeyUpdateEvent:
		d.handleUpdate(ctx, ch, m.RelID, m.Envelope, m.New, m.Key)

	case pgrepl.FullUpdateEvent:
		d.handleUpdate(ctx, ch, m.RelID, m.Envelope, m.New, m.Old)

	case pgrepl.KeyDeleteEvent:
		d.handleDelete(ctx, ch, m.RelID, m.Envelope, m.Key)

	case pgrepl.FullDeleteEvent:
		d.handleDelete(ctx, ch, m.RelID, m.Envelope, m.Old)

	case pgrepl.TruncateEvent, pgrepl.TypeEvent:
		// no row-level Message mapping for these yet.

	default:
		d.logger.Warn().Str("kind", fmt.Sprintf("%T", ev)).Msg("unhandled replication event")
	}
}

func (d *Decoder) handleUpdate(ctx context.Context, ch chan<- Message, relID uint32, env pgrepl.Envelope, newTuple, oldOrKey *pgrepl.Tuple) {
	rel := d.relations[relID]
	if rel == nil {
		d.logger.Warn().Uint32("relation_id", relID).Msg("unknown relation for update")
		return
	}
	d.flushPendingBegin(ctx, ch)
	newCols, err := decodeTuple(newTuple, rel.Columns)
	if err != nil {
		d.logger.Err(err).Msg("decode update new tuple")
		return
	}
	cm := &ChangeMessage{
		Op: OpUpdate, RelationID: relID, Namespace: rel.Namespace, Table: rel.Name,
		NewTuple: newCols, MsgLSN: env.WALStart, MsgTime: env.ServerTime, Origin: d.origin,
	}
	if oldOrKey != nil {
		oldCols, err := decodeTuple(oldOrKey, rel.Columns)
		if err != nil {
			d.logger.Err(err).Msg("decode update old/key tuple")
			return
		}
		cm.OldTuple = oldCols
	}
	d.emit(ctx, ch, cm)
}

func (d *Decoder) handleDelete(ctx context.Context, ch chan<- Message, relID uint32, env pgrepl.Envelope, oldOrKey *pgrepl.Tuple) {
	rel := d.relations[relID]
	if rel == nil {
		d.logger.Warn().Uint32("relation_id", relID).Msg("unknown relation for delete")
		return
	}
	d.flushPendingBegin(ctx, ch)
	oldCols, err := decodeTuple(oldOrKey, rel.Columns)
	if err != nil {
		d.logger.Err(err).Msg("decode delete tuple")
		return
	}
	d.emit(ctx, ch, &ChangeMessage{
		Op: OpDelete, RelationID: relID, Namespace: rel.Namespace, Table: rel.Name,
		OldTuple: oldCols, MsgLSN: env.WALStart, MsgTime: env.ServerTime, Origin: d.origin,
	})
}

func (d *Decoder) flushPendingBegin(ctx context.Context, ch chan<- Message) {
	if d.pendingBegin != nil {
		d.emit(ctx, ch, d.pendingBegin)
		d.pendingBegin = nil
	}
}

// decodeTuple walks tuple sequentially, pairing each column with its
// relation metadata by position.
func decodeTuple(tuple *pgrepl.Tuple, cols []Column) (*TupleData, error) {
	if tuple == nil {
		return nil, nil
	}
	n := tuple.NumColumns()
	td := &TupleData{Columns: make([]Column, n)}
	for i := 0; i < n; i++ {
		tc, err := tuple.Next()
		if err != nil {
			return nil, fmt.Errorf("tuple column %d: %w", i, err)
		}
		col := Column{}
		if i < len(cols) {
			col.Name = cols[i].Name
			col.DataType = cols[i].DataType
		}
		switch {
		case tc.IsText():
			v, err := tc.ReadText()
			if err != nil {
				return nil, err
			}
			col.Value = []byte(v)
		case tc.IsBinary():
			v, err := tc.ReadBinary()
			if err != nil {
				return nil, err
			}
			col.Value = v
		case tc.IsNull(), tc.IsUnchangedToast():
			col.Value = nil
		}
		td.Columns[i] = col
	}
	return td, nil
}

func (d *Decoder) emit(ctx context.Context, ch chan<- Message, msg Message) {
	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}

// Err returns the error that caused the receive loop to exit, if any. It is
// safe to call after the message channel has been closed.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loopErr
}

// ConfirmLSN advances the confirmed flush position for the replication
// slot, reported on the session's next feedback message.
func (d *Decoder) ConfirmLSN(l lsn.LSN) {
	d.sess.AdvanceFlushed(l)
	d.sess.AdvanceApplied(l)
}

// Close shuts down the decoder and waits for the receive loop to exit.
func (d *Decoder) Close() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}
