package pgrepl

import (
	"testing"

	"github.com/jfoltran/pgmigrator/pkg/lsn"
)

func TestBuildStartReplicationSQLLogical(t *testing.T) {
	cmd := StartCommand{
		SlotName: "sub1",
		StartLSN: lsn.MustParse("0/0"),
		Options:  LogicalPluginOptions([]string{"pub1", "pub2"}),
	}
	got := buildStartReplicationSQL(cmd)
	want := `START_REPLICATION SLOT "sub1" LOGICAL 0/0 ("proto_version" '1', "publication_names" '"pub1","pub2"')`
	if got != want {
		t.Fatalf("got  %q\nwant %q", got, want)
	}
}

func TestBuildStartReplicationSQLPhysical(t *testing.T) {
	cmd := StartCommand{
		SlotName: "phys1",
		Physical: true,
		StartLSN: lsn.MustParse("16/B374D848"),
		Timeline: 3,
	}
	got := buildStartReplicationSQL(cmd)
	want := `START_REPLICATION SLOT "phys1" PHYSICAL 16/B374D848 TIMELINE 3`
	if got != want {
		t.Fatalf("got  %q\nwant %q", got, want)
	}
}

func TestSessionStateString(t *testing.T) {
	tests := map[SessionState]string{
		StateClosed:         "closed",
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateReady:          "ready",
		StateStreaming:      "streaming",
		StateDraining:       "draining",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestSessionAdvanceTracksHighWaterMark(t *testing.T) {
	s := &Session{}
	s.AdvanceFlushed(100)
	s.AdvanceApplied(50) // lower than flushed: must not regress applied below flushed semantics tracked separately
	if s.lastFlushedLSN != 100 {
		t.Fatalf("lastFlushedLSN = %d, want 100", s.lastFlushedLSN)
	}
	if s.lastAppliedLSN != 100 {
		t.Fatalf("lastAppliedLSN = %d, want 100 (AdvanceFlushed also bumps applied)", s.lastAppliedLSN)
	}
	s.AdvanceApplied(200)
	if s.lastAppliedLSN != 200 {
		t.Fatalf("lastAppliedLSN = %d, want 200", s.lastAppliedLSN)
	}
}

func TestSessionUpdateReceivedMonotonic(t *testing.T) {
	// (P1) last_received_lsn never decreases across successive updates.
	s := &Session{}
	s.updateReceived(100, 150)
	if s.lastReceivedLSN != 150 {
		t.Fatalf("lastReceivedLSN = %d, want 150", s.lastReceivedLSN)
	}
	s.updateReceived(120)
	if s.lastReceivedLSN != 150 {
		t.Fatalf("lastReceivedLSN regressed to %d", s.lastReceivedLSN)
	}
	s.updateReceived(200)
	if s.lastReceivedLSN != 200 {
		t.Fatalf("lastReceivedLSN = %d, want 200", s.lastReceivedLSN)
	}
}
