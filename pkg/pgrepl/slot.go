package pgrepl

import (
	"context"

	"github.com/jfoltran/pgmigrator/pkg/lsn"
)

// Slot is a lightweight, stateless handle binding a created replication
// slot's identity to the plugin it decodes with. It holds no socket state
// of its own — StartReplication borrows a Session only for the duration of
// the call.
type Slot struct {
	Info     ReplicationSlotInfo
	Plugin   string
	physical bool
}

// RawLogicalSlot streams undecoded XLogData payloads — the consumer is
// handed rawXLogEvent values via Session.Next when no Decoder is
// installed.
func RawLogicalSlot(info ReplicationSlotInfo) Slot {
	return Slot{Info: info}
}

// TestDecodingSlot binds a slot created with the test_decoding plugin.
func TestDecodingSlot(info ReplicationSlotInfo) Slot {
	return Slot{Info: info, Plugin: "test_decoding"}
}

// PgOutputSlot binds a slot created with the pgoutput plugin.
func PgOutputSlot(info ReplicationSlotInfo) Slot {
	return Slot{Info: info, Plugin: "pgoutput"}
}

// PhysicalSlot binds a slot created with CreatePhysicalSlot for raw WAL
// streaming: PHYSICAL replication carries no plugin and is never decoded,
// per the Non-goals ("physical replication beyond starting a raw WAL
// stream").
func PhysicalSlot(info PhysicalSlotInfo) Slot {
	return Slot{
		Info:     ReplicationSlotInfo{SlotName: info.SlotName, ConsistentPoint: info.ConsistentPoint},
		physical: true,
	}
}

// StartReplication starts streaming for the slot on sess, which must
// already carry the matching Decoder (or none, for RawLogicalSlot/
// PhysicalSlot). startLSN defaults to the slot's consistent_point when
// zero.
func (s Slot) StartReplication(ctx context.Context, sess *Session, startLSN lsn.LSN, publications []string) error {
	cmd := StartCommand{SlotName: s.Info.SlotName, StartLSN: startLSN, Physical: s.physical}
	if s.Plugin == "pgoutput" {
		cmd.Options = LogicalPluginOptions(publications)
	}
	return sess.StartReplication(ctx, cmd, s.Info.ConsistentPoint)
}
